package sink

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FFmpegEncoder はffmpegでJPEGフレーム列をmp4へ変換・結合する
type FFmpegEncoder struct {
	fps     int
	tempDir string // 空ならOSの一時ディレクトリ
}

// NewFFmpegEncoder は新しいFFmpegEncoderを作成する
func NewFFmpegEncoder() *FFmpegEncoder {
	return &FFmpegEncoder{fps: 30}
}

// Extend は動画にフレームを追加する。動画がなければ新規作成する
func (e *FFmpegEncoder) Extend(ctx context.Context, videoPath string, frames [][]byte, quality int) error {
	if len(frames) == 0 {
		return nil
	}

	sessionDir, err := os.MkdirTemp(e.tempDir, "camstream-timelapse-")
	if err != nil {
		return errors.Wrap(err, "一時ディレクトリの作成に失敗")
	}
	defer func() {
		_ = os.RemoveAll(sessionDir) // cleanup中のエラーは無視
	}()

	imageFiles, err := saveFrames(sessionDir, frames)
	if err != nil {
		return err
	}

	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return e.create(ctx, videoPath, imageFiles, quality)
	}
	return e.appendFrames(ctx, videoPath, imageFiles, quality)
}

// saveFrames はフレームを一時画像ファイルとして保存する
func saveFrames(dir string, frames [][]byte) ([]string, error) {
	files := make([]string, 0, len(frames))
	for i, data := range frames {
		if len(data) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i))
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, errors.Wrapf(err, "フレーム画像の保存に失敗 (%s)", path)
		}
		files = append(files, path)
	}
	return files, nil
}

// create は画像列から新しい動画を作る
func (e *FFmpegEncoder) create(ctx context.Context, videoPath string, imageFiles []string, quality int) error {
	if len(imageFiles) == 0 {
		return errors.New("画像ファイルがありません")
	}

	listFile := filepath.Join(filepath.Dir(imageFiles[0]), "images.txt")
	if err := os.WriteFile(listFile, []byte(imageList(imageFiles, e.fps)), 0644); err != nil {
		return errors.Wrap(err, "画像リストの作成に失敗")
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-r", strconv.Itoa(e.fps),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", qualityToCRF(quality),
		"-pix_fmt", "yuv420p",
		"-y",
		videoPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "新規動画作成に失敗 (output: %s)", string(output))
	}
	return nil
}

// appendFrames は既存の動画の後ろに画像列を結合する
func (e *FFmpegEncoder) appendFrames(ctx context.Context, videoPath string, imageFiles []string, quality int) error {
	tempVideo := filepath.Join(filepath.Dir(imageFiles[0]), "append.mp4")
	if err := e.create(ctx, tempVideo, imageFiles, quality); err != nil {
		return errors.Wrap(err, "一時動画の作成に失敗")
	}

	listFile := filepath.Join(filepath.Dir(imageFiles[0]), "concat_list.txt")
	content := fmt.Sprintf("file '%s'\nfile '%s'\n", absPath(videoPath), tempVideo)
	if err := os.WriteFile(listFile, []byte(content), 0644); err != nil {
		return errors.Wrap(err, "結合リストの作成に失敗")
	}

	outputPath := videoPath + ".new.mp4"
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy", // 再エンコードなし
		"-y",
		outputPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(outputPath)
		return errors.Wrapf(err, "動画結合に失敗 (output: %s)", string(output))
	}

	if err := os.Rename(outputPath, videoPath); err != nil {
		return errors.Wrap(err, "ファイル置き換えに失敗")
	}
	return nil
}

// imageList はffmpeg concat demuxer用の画像リストを作る
func imageList(files []string, fps int) string {
	if fps <= 0 {
		fps = 30
	}
	duration := strconv.FormatFloat(1/float64(fps), 'f', 3, 64)

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file '%s'\nduration %s\n", f, duration)
	}
	// 最後のフレームは表示時間を持たせるためもう一度並べる
	if len(files) > 0 {
		fmt.Fprintf(&b, "file '%s'\n", files[len(files)-1])
	}
	return b.String()
}

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
// 品質1(低) -> CRF28, 品質5(高) -> CRF18
func qualityToCRF(quality int) string {
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
