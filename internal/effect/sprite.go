package effect

import (
	"image"
	"image/color"
	_ "image/png" // PNGスプライトの読み込み用
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Sprite は重ね描き用の画像
// 拡大縮小した結果をキャッシュし、要求サイズに十分近い間は再利用する
type Sprite struct {
	original image.Image

	mu     sync.Mutex
	cached *image.RGBA
	scales int // 拡大縮小を行った回数
}

// NewSprite は画像からSpriteを作成する
func NewSprite(img image.Image) *Sprite {
	return &Sprite{original: img}
}

// LoadSprite は画像ファイル（PNGなど）からSpriteを読み込む
func LoadSprite(path string) (*Sprite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "スプライト %s を開けません", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "スプライト %s のデコードに失敗", path)
	}
	return NewSprite(img), nil
}

// Fetch は width x height に拡大縮小した画像を返す
// キャッシュの幅・高さとの差がそれぞれ要求値の1/16未満ならキャッシュをそのまま返す
// 戻り値は呼び出し側で変更してはならない
func (s *Sprite) Fetch(width, height int) *image.RGBA {
	if width <= 0 || height <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && closeEnough(width, s.cached.Rect.Dx()) && closeEnough(height, s.cached.Rect.Dy()) {
		return s.cached
	}

	// 劣化を避けるため毎回元画像から作り直す
	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), s.original, s.original.Bounds(), draw.Src, nil)
	s.cached = scaled
	s.scales++
	return scaled
}

// Scales はこれまでに拡大縮小を行った回数を返す
func (s *Sprite) Scales() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scales
}

func closeEnough(requested, cached int) bool {
	diff := requested - cached
	if diff < 0 {
		diff = -diff
	}
	return diff < requested>>4
}

const spriteSize = 64

var (
	skinYellow = color.RGBA{R: 250, G: 210, B: 40, A: 255}
	lensBlack  = color.RGBA{R: 10, G: 10, B: 10, A: 255}
	hairBrown  = color.RGBA{R: 90, G: 55, B: 25, A: 255}
	hatBlack   = color.RGBA{R: 25, G: 25, B: 30, A: 255}
	hatBand    = color.RGBA{R: 170, G: 20, B: 30, A: 255}
)

// defaultSprite は名前に対応する組み込みスプライトを描く
func defaultSprite(name string) image.Image {
	switch name {
	case "coolface":
		return drawCoolFace()
	case "beard":
		return drawBeard()
	case "hat":
		return drawHat()
	case "moustache":
		return drawMoustache()
	}
	return nil
}

// drawCoolFace はサングラスをかけた笑顔を描く
func drawCoolFace() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, spriteSize, spriteSize))
	c := spriteSize / 2
	r := spriteSize/2 - 1

	fillEllipse(img, c, c, r, r, skinYellow)
	// サングラス
	fillRect(img, 10, 20, 54, 24, lensBlack)
	fillEllipse(img, 21, 27, 10, 7, lensBlack)
	fillEllipse(img, 43, 27, 10, 7, lensBlack)
	// 口
	for x := 20; x < 44; x++ {
		dx := x - c
		y := 44 + (144-dx*dx)/48
		fillRect(img, x, y, x+1, y+2, lensBlack)
	}
	return img
}

// drawBeard は下半分が広がったひげを描く
func drawBeard() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, spriteSize, spriteSize))
	c := spriteSize / 2

	fillEllipse(img, c, c, c-2, c-2, hairBrown)
	// 口の部分を抜く
	clearRect(img, 0, 0, spriteSize, 16)
	clearEllipse(img, c, 22, 12, 6)
	return img
}

// drawHat はシルクハットを描く
func drawHat() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, spriteSize, spriteSize))

	fillRect(img, 16, 6, 48, 52, hatBlack)
	fillRect(img, 16, 42, 48, 48, hatBand)
	fillRect(img, 2, 52, 62, 60, hatBlack)
	return img
}

// drawMoustache は左右に跳ねた口ひげを描く
func drawMoustache() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, spriteSize, spriteSize/4))
	h := spriteSize / 4

	fillEllipse(img, spriteSize/4+2, h/2, spriteSize/4-2, h/2-1, hairBrown)
	fillEllipse(img, 3*spriteSize/4-2, h/2, spriteSize/4-2, h/2-1, hairBrown)
	return img
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	draw.Draw(img, image.Rect(x0, y0, x1, y1), image.NewUniform(c), image.Point{}, draw.Src)
}

func clearRect(img *image.RGBA, x0, y0, x1, y1 int) {
	draw.Draw(img, image.Rect(x0, y0, x1, y1), image.Transparent, image.Point{}, draw.Src)
}

func fillEllipse(img *image.RGBA, cx, cy, rx, ry int, c color.RGBA) {
	forEllipse(img, cx, cy, rx, ry, func(x, y int) { img.SetRGBA(x, y, c) })
}

func clearEllipse(img *image.RGBA, cx, cy, rx, ry int) {
	forEllipse(img, cx, cy, rx, ry, func(x, y int) { img.SetRGBA(x, y, color.RGBA{}) })
}

func forEllipse(img *image.RGBA, cx, cy, rx, ry int, fn func(x, y int)) {
	if rx <= 0 || ry <= 0 {
		return
	}
	b := img.Bounds()
	for y := cy - ry; y <= cy+ry; y++ {
		for x := cx - rx; x <= cx+rx; x++ {
			if !(image.Point{X: x, Y: y}).In(b) {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx*ry*ry+dy*dy*rx*rx <= rx*rx*ry*ry {
				fn(x, y)
			}
		}
	}
}
