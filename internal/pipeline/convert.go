package pipeline

import (
	"fmt"
	"image"
)

// RawToImage はRGB24の生フレームをそのままRGBA画像へ変換する
// Transform が設定されていない場合のパススルー変換として使われる
func RawToImage(frame Frame) (*image.RGBA, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrShortFrame, frame.Width, frame.Height)
	}

	need := frame.Width * frame.Height * 3
	if len(frame.Data) < need {
		return nil, fmt.Errorf("%w: %d バイト必要ですが %d バイトしかありません", ErrShortFrame, need, len(frame.Data))
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	src := frame.Data
	dst := img.Pix
	for i, j := 0, 0; i < need; i, j = i+3, j+4 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
		dst[j+3] = 0xff
	}

	return img, nil
}
