package sink

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// DefaultQuality はJPEGエンコードの既定品質
const DefaultQuality = 80

// EncodeJPEG は画像をJPEGへエンコードする
// quality が範囲外の場合は DefaultQuality を使う
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, errors.New("画像がありません")
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "JPEGエンコードに失敗")
	}
	return buf.Bytes(), nil
}
