package camera

import (
	"bufio"
	"context"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camstream/internal/pipeline"
)

// errReleased は解放済みのデバイスを操作した場合に返される
var errReleased = errors.New("デバイスは解放済みです")

// ffmpegDevice はffmpegプロセス経由でフレームを取得するデバイス
type ffmpegDevice struct {
	spec      DeviceSpec
	input     inputArgs
	autofocus func(ctx context.Context) error
	logger    *zap.Logger

	mu       sync.Mutex
	width    int
	height   int
	callback func(pipeline.Frame)
	cancel   context.CancelFunc
	done     chan struct{}
	released bool
}

// newFFmpegDevice は新しいffmpegDeviceを作成する
func newFFmpegDevice(spec DeviceSpec, input inputArgs, logger *zap.Logger) *ffmpegDevice {
	return &ffmpegDevice{
		spec:   spec,
		input:  input,
		logger: logger.With(zap.String("device", spec.Device), zap.String("type", string(spec.Type))),
	}
}

// ConfigurePreview はプレビュー解像度を設定する
// 反映は次回の StartStreaming から
func (d *ffmpegDevice) ConfigurePreview(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return errReleased
	}
	if width <= 0 || height <= 0 {
		return errors.Errorf("無効なプレビュー解像度: %dx%d", width, height)
	}
	d.width, d.height = width, height
	return nil
}

// SetFrameCallback はフレーム到着時のコールバックを登録する
func (d *ffmpegDevice) SetFrameCallback(cb func(pipeline.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

// StartStreaming はffmpegを起動してフレームの読み取りを開始する
func (d *ffmpegDevice) StartStreaming(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return errReleased
	}
	if d.cancel != nil {
		return nil // 既に開始済み
	}
	if d.width <= 0 || d.height <= 0 {
		return errors.New("プレビュー解像度が設定されていません")
	}

	fps := d.spec.FPS
	if fps <= 0 {
		fps = 15
	}

	streamCtx, cancel := context.WithCancel(ctx)
	args := ffmpegArgs(d.input, d.spec.Device, d.width, d.height, fps)
	cmd := exec.CommandContext(streamCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "stdoutパイプの作成に失敗")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return errors.Wrap(err, "stderrパイプの作成に失敗")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return errors.Wrap(err, "ffmpegの起動に失敗")
	}

	// ffmpegのエラー出力はログへ流す
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Debug("ffmpeg", zap.String("stderr", scanner.Text()))
		}
	}()

	done := make(chan struct{})
	width, height := d.width, d.height
	go func() {
		defer close(done)

		readErr := readFrames(stdout, width, height, d.emit)
		waitErr := cmd.Wait()

		// 停止要求による終了はエラーとして扱わない
		if streamCtx.Err() != nil {
			return
		}
		if readErr != nil {
			d.logger.Warn("フレームの読み取りが終了しました", zap.Error(readErr))
		} else if waitErr != nil {
			d.logger.Warn("ffmpegが異常終了しました", zap.Error(waitErr))
		}
	}()

	d.cancel = cancel
	d.done = done
	d.logger.Debug("ffmpegを起動しました", zap.Strings("args", args))
	return nil
}

// StopStreaming はffmpegを停止し、読み取りゴルーチンの終了を待つ
func (d *ffmpegDevice) StopStreaming() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done
	return nil
}

// Release はデバイスを解放する
func (d *ffmpegDevice) Release() error {
	if err := d.StopStreaming(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.callback = nil
	return nil
}

// RequestAutofocus はオートフォーカスを要求する
// フォーカス制御を持たないソースでは何もしない
func (d *ffmpegDevice) RequestAutofocus(ctx context.Context) error {
	if d.autofocus == nil {
		return nil
	}
	return d.autofocus(ctx)
}

// NativeOrientation はセンサーの取り付け角度を返す
func (d *ffmpegDevice) NativeOrientation() int {
	return d.spec.Orientation
}

// emit は読み取ったフレームをコールバックに渡す
func (d *ffmpegDevice) emit(frame pipeline.Frame) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()

	if cb != nil {
		cb(frame)
	}
}
