package camera

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"

	"camstream/internal/pipeline"
)

// inputArgs はffmpegの入力オプションを組み立てる関数
type inputArgs func(source string, width, height, fps int) []string

// v4l2Input はV4L2デバイスからの入力オプション
func v4l2Input(source string, width, height, fps int) []string {
	return []string{
		"-f", "v4l2",
		"-framerate", strconv.Itoa(fps),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", source,
	}
}

// x11Input はX11画面キャプチャからの入力オプション
func x11Input(source string, width, height, fps int) []string {
	return []string{
		"-f", "x11grab",
		"-framerate", strconv.Itoa(fps),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", source,
	}
}

// ffmpegArgs はrawvideo(rgb24)を標準出力へ書き出すffmpegの引数を組み立てる
// 入力側が要求解像度に対応していなくても出力は必ず width x height になる
func ffmpegArgs(input inputArgs, source string, width, height, fps int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input(source, width, height, fps)...)
	args = append(args,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
		"-",
	)
	return args
}

// readFrames はrgb24のrawvideoストリームを1フレームずつ読み取り emit に渡す
// 同じバッファを使い回すため、emit はフレームを保持してはならない
// ストリームがフレーム境界で終わった場合は nil を返す
func readFrames(r io.Reader, width, height int, emit func(pipeline.Frame)) error {
	size := width * height * 3
	if size <= 0 {
		return errors.Errorf("無効な解像度: %dx%d", width, height)
	}

	buf := make([]byte, size)
	for {
		_, err := io.ReadFull(r, buf)
		switch {
		case err == io.EOF:
			return nil
		case err == io.ErrUnexpectedEOF:
			return errors.Wrap(err, "フレームの途中でストリームが終了しました")
		case err != nil:
			return errors.Wrap(err, "フレーム読み取りエラー")
		}

		emit(pipeline.Frame{Data: buf, Width: width, Height: height})
	}
}

// setControl はv4l2-ctlでカメラのコントロールを設定する
func setControl(ctx context.Context, device, control string, value int) error {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--set-ctrl", fmt.Sprintf("%s=%d", control, value))
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "コントロール %s の設定に失敗 (%s)", control, string(output))
	}
	return nil
}

// triggerAutofocus は連続オートフォーカスを切って入れ直し、フォーカスを1回やり直させる
func triggerAutofocus(ctx context.Context, device string) error {
	if err := setControl(ctx, device, "focus_automatic_continuous", 0); err != nil {
		return err
	}
	return setControl(ctx, device, "focus_automatic_continuous", 1)
}
