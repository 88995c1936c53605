package effect

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"camstream/internal/pipeline"
)

// Face は検出された顔の位置
// X, Y は両目の中点、EyeDistance は両目の間隔（ピクセル）
type Face struct {
	X           int `json:"x" yaml:"x"`
	Y           int `json:"y" yaml:"y"`
	EyeDistance int `json:"eye_distance" yaml:"eye_distance"`
}

// FaceLocator は画像中の顔の位置を返す
type FaceLocator interface {
	Locate(img image.Image) ([]Face, error)
}

// StaticLocator は設定された固定の顔位置を返す
// 外部から Set で位置を更新できる
type StaticLocator struct {
	mu    sync.RWMutex
	faces []Face
}

// NewStaticLocator は新しいStaticLocatorを作成する
func NewStaticLocator(faces ...Face) *StaticLocator {
	l := &StaticLocator{}
	l.Set(faces...)
	return l
}

// Locate は設定済みの顔位置を返す
func (l *StaticLocator) Locate(_ image.Image) ([]Face, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	faces := make([]Face, len(l.faces))
	copy(faces, l.faces)
	return faces, nil
}

// Set は顔位置を置き換える
func (l *StaticLocator) Set(faces ...Face) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faces = append([]Face(nil), faces...)
}

// Variant はスプライトの大きさと位置を両目の間隔に対する倍率で表す
type Variant struct {
	Name   string
	Width  float64 // 幅の倍率
	Height float64 // 高さの倍率
	ShiftX float64 // 目の中点からの横方向のずれ
	ShiftY float64 // 目の中点からの縦方向のずれ
}

// 組み込みのバリエーション
var (
	CoolFace  = Variant{Name: "coolface", Width: 2.5, Height: 2.5, ShiftX: -1.25, ShiftY: -1.0}
	Beard     = Variant{Name: "beard", Width: 2.0, Height: 2.0, ShiftX: -1.0, ShiftY: 1.15}
	Hat       = Variant{Name: "hat", Width: 3.0, Height: 3.0, ShiftX: -1.5, ShiftY: -3.5}
	Moustache = Variant{Name: "moustache", Width: 2.0, Height: 0.5, ShiftX: -1.0, ShiftY: 0.4}
)

// Variants は組み込みバリエーションの一覧を返す
func Variants() []Variant {
	return []Variant{CoolFace, Beard, Hat, Moustache}
}

// LookupVariant は名前から組み込みバリエーションを探す
func LookupVariant(name string) (Variant, bool) {
	for _, v := range Variants() {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// Placement は顔に対するスプライトの描画位置と大きさを返す
func (v Variant) Placement(face Face) image.Rectangle {
	d := float64(face.EyeDistance)
	w := int(v.Width * d)
	h := int(v.Height * d)
	x := face.X + int(v.ShiftX*d)
	y := face.Y + int(v.ShiftY*d)
	return image.Rect(x, y, x+w, y+h)
}

// Overlay は1種類のスプライトを顔に重ねる
type Overlay struct {
	variant Variant
	sprite  *Sprite
}

// NewOverlay は新しいOverlayを作成する
// sprite が nil なら組み込みスプライトを使う
func NewOverlay(variant Variant, sprite *Sprite) (*Overlay, error) {
	if sprite == nil {
		img := defaultSprite(variant.Name)
		if img == nil {
			return nil, errors.Errorf("組み込みスプライトがありません: %s", variant.Name)
		}
		sprite = NewSprite(img)
	}
	return &Overlay{variant: variant, sprite: sprite}, nil
}

// Variant はバリエーションを返す
func (o *Overlay) Variant() Variant {
	return o.variant
}

// Draw は dst の顔の位置にスプライトを描く
func (o *Overlay) Draw(dst draw.Image, face Face) {
	if face.EyeDistance <= 0 {
		return
	}

	rect := o.variant.Placement(face)
	sprite := o.sprite.Fetch(rect.Dx(), rect.Dy())
	if sprite == nil {
		return
	}
	// キャッシュのサイズは要求と僅かに異なる場合がある
	rect.Max = rect.Min.Add(sprite.Rect.Size())
	draw.Draw(dst, rect, sprite, image.Point{}, draw.Over)
}

// FaceOverlay は base の出力に見つかった顔ごとにスプライトを重ねるTransformを返す
func FaceOverlay(base pipeline.Transform, locator FaceLocator, overlays ...*Overlay) pipeline.Transform {
	return pipeline.TransformFunc(func(frame pipeline.Frame, angle int) (image.Image, error) {
		img, err := base.Process(frame, angle)
		if err != nil {
			return nil, err
		}

		faces, err := locator.Locate(img)
		if err != nil {
			return nil, errors.Wrap(err, "顔の位置を取得できません")
		}
		if len(faces) == 0 || len(overlays) == 0 {
			return img, nil
		}

		canvas := cloneRGBA(img)
		for _, face := range faces {
			for _, o := range overlays {
				o.Draw(canvas, face)
			}
		}
		return canvas, nil
	})
}
