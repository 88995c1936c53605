package effect

import (
	"image"
	"image/color"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"camstream/internal/pipeline"
)

// TimestampLayout はタイムスタンプの書式
const TimestampLayout = "2006-01-02 15:04:05"

var labelColor = color.RGBA{R: 255, G: 255, A: 255}

// Stamp は base の出力の左上に現在時刻を書き込むTransformを返す
// now が nil なら time.Now を使う
func Stamp(base pipeline.Transform, now func() time.Time) pipeline.Transform {
	if now == nil {
		now = time.Now
	}
	return pipeline.TransformFunc(func(frame pipeline.Frame, angle int) (image.Image, error) {
		img, err := base.Process(frame, angle)
		if err != nil {
			return nil, err
		}
		return DrawLabel(img, now().Format(TimestampLayout)), nil
	})
}

// DrawLabel は画像の複製に文字列を書き込んで返す
func DrawLabel(img image.Image, text string) *image.RGBA {
	canvas := cloneRGBA(img)
	face := basicfont.Face7x13

	// 影をつけて明るい背景でも読めるようにする
	for _, l := range []struct {
		dx  int
		col color.Color
	}{
		{1, color.Black},
		{0, labelColor},
	} {
		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(l.col),
			Face: face,
			Dot:  fixed.P(4+l.dx, 4+face.Ascent+l.dx),
		}
		d.DrawString(text)
	}
	return canvas
}
