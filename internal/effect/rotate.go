package effect

import (
	"image"

	"golang.org/x/image/draw"

	"camstream/internal/pipeline"
)

// Passthrough は生フレームをそのままRGBA画像へ変換するTransformを返す
func Passthrough() pipeline.Transform {
	return pipeline.TransformFunc(func(frame pipeline.Frame, _ int) (image.Image, error) {
		return pipeline.RawToImage(frame)
	})
}

// Rotate は base の出力を実効角度だけ時計回りに回転するTransformを返す
func Rotate(base pipeline.Transform) pipeline.Transform {
	return pipeline.TransformFunc(func(frame pipeline.Frame, angle int) (image.Image, error) {
		img, err := base.Process(frame, angle)
		if err != nil {
			return nil, err
		}
		return RotateImage(img, angle), nil
	})
}

// RotateImage は画像を時計回りに回転する
// angle は90度単位に丸められ、0度の場合は src をそのまま返す
func RotateImage(src image.Image, angle int) image.Image {
	normalized := (angle%360 + 360) % 360
	quarter := ((normalized + 45) / 90) % 4
	if quarter == 0 {
		return src
	}

	rgba := toRGBA(src)
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()

	var dst *image.RGBA
	if quarter == 2 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch quarter {
			case 1:
				dx, dy = h-1-y, x
			case 2:
				dx, dy = w-1-x, h-1-y
			case 3:
				dx, dy = y, w-1-x
			}
			si := rgba.PixOffset(rgba.Rect.Min.X+x, rgba.Rect.Min.Y+y)
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], rgba.Pix[si:si+4])
		}
	}
	return dst
}

// toRGBA は画像を *image.RGBA として返す
// 既に *image.RGBA ならコピーしない
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	return cloneRGBA(img)
}

// cloneRGBA は画像を新しい *image.RGBA へ複製する
func cloneRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
