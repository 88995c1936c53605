package camera

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"camstream/internal/pipeline"
)

// colorBars はテストパターンのカラーバー（RGB）
var colorBars = [][3]byte{
	{255, 255, 255}, // 白
	{255, 255, 0},   // 黄
	{0, 255, 255},   // シアン
	{0, 255, 0},     // 緑
	{255, 0, 255},   // マゼンタ
	{255, 0, 0},     // 赤
	{0, 0, 255},     // 青
	{0, 0, 0},       // 黒
}

// TestPatternDevice は一定間隔でカラーバーを生成するデバイス
// フレームごとにバーが1ピクセルずつ横に流れる
type TestPatternDevice struct {
	spec DeviceSpec

	mu       sync.Mutex
	width    int
	height   int
	callback func(pipeline.Frame)
	cancel   context.CancelFunc
	done     chan struct{}
	released bool
	frames   uint64
}

// NewTestPatternDevice は新しいTestPatternDeviceを作成する
func NewTestPatternDevice(spec DeviceSpec) *TestPatternDevice {
	return &TestPatternDevice{spec: spec}
}

// ConfigurePreview はプレビュー解像度を設定する
func (d *TestPatternDevice) ConfigurePreview(width, height int) error {
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
func (d *TestPatternDevice) SetFrameCallback(cb func(pipeline.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

// StartStreaming はフレーム生成を開始する
func (d *TestPatternDevice) StartStreaming(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return errReleased
	}
	if d.cancel != nil {
		return nil
	}
	if d.width <= 0 || d.height <= 0 {
		return errors.New("プレビュー解像度が設定されていません")
	}

	fps := d.spec.FPS
	if fps <= 0 {
		fps = 15
	}

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go d.generate(streamCtx, done, d.width, d.height, time.Second/time.Duration(fps))

	d.cancel = cancel
	d.done = done
	return nil
}

// StopStreaming はフレーム生成を止め、生成ゴルーチンの終了を待つ
func (d *TestPatternDevice) StopStreaming() error {
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
func (d *TestPatternDevice) Release() error {
	if err := d.StopStreaming(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.callback = nil
	return nil
}

// RequestAutofocus はテストパターンでは何もしない
func (d *TestPatternDevice) RequestAutofocus(_ context.Context) error {
	return nil
}

// NativeOrientation はセンサーの取り付け角度を返す
func (d *TestPatternDevice) NativeOrientation() int {
	return d.spec.Orientation
}

// Frames はこれまでに生成したフレーム数を返す
func (d *TestPatternDevice) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *TestPatternDevice) generate(ctx context.Context, done chan struct{}, width, height int, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, width*height*3)
	offset := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			FillColorBars(buf, width, height, offset)
			offset++

			d.mu.Lock()
			cb := d.callback
			d.frames++
			d.mu.Unlock()

			if cb != nil {
				cb(pipeline.Frame{Data: buf, Width: width, Height: height})
			}
		}
	}
}

// FillColorBars はRGB24バッファにカラーバーを描く
// offset だけバーを右へずらす
func FillColorBars(buf []byte, width, height, offset int) {
	barWidth := width / len(colorBars)
	if barWidth == 0 {
		barWidth = 1
	}

	for y := 0; y < height; y++ {
		row := buf[y*width*3 : (y+1)*width*3]
		for x := 0; x < width; x++ {
			bar := ((x + width - offset%width) % width) / barWidth
			if bar >= len(colorBars) {
				bar = len(colorBars) - 1
			}
			c := colorBars[bar]
			row[x*3] = c[0]
			row[x*3+1] = c[1]
			row[x*3+2] = c[2]
		}
	}
}
