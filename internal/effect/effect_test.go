package effect

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"camstream/internal/pipeline"
)

// gradientFrame は画素ごとに (x, y, 0) の色を持つフレームを作る
func gradientFrame(width, height int) pipeline.Frame {
	data := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			data[i] = byte(x)
			data[i+1] = byte(y)
		}
	}
	return pipeline.Frame{Data: data, Width: width, Height: height}
}

func TestPassthrough(t *testing.T) {
	img, err := Passthrough().Process(gradientFrame(4, 3), 90)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// パススルーは角度を無視する
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Fatalf("Unexpected bounds: %v", img.Bounds())
	}
	r, g, _, _ := img.At(3, 2).RGBA()
	if r>>8 != 3 || g>>8 != 2 {
		t.Errorf("Unexpected pixel at (3,2): r=%d g=%d", r>>8, g>>8)
	}

	if _, err := Passthrough().Process(pipeline.Frame{Data: []byte{1}, Width: 4, Height: 3}, 0); err == nil {
		t.Error("短いフレームはエラーになるべき")
	}
}

func TestRotateImage(t *testing.T) {
	src, err := pipeline.RawToImage(gradientFrame(4, 2))
	if err != nil {
		t.Fatalf("RawToImage failed: %v", err)
	}

	tests := []struct {
		name   string
		angle  int
		width  int
		height int
		// 元画像の左上 (0,0) の移動先
		originX, originY int
	}{
		{"0度", 0, 4, 2, 0, 0},
		{"90度", 90, 2, 4, 1, 0},
		{"180度", 180, 4, 2, 3, 1},
		{"270度", 270, 2, 4, 0, 3},
		{"-90度は270度", -90, 2, 4, 0, 3},
		{"450度は90度", 450, 2, 4, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RotateImage(src, tt.angle)
			if got.Bounds().Dx() != tt.width || got.Bounds().Dy() != tt.height {
				t.Fatalf("bounds = %v, want %dx%d", got.Bounds(), tt.width, tt.height)
			}
			r, g, _, _ := got.At(tt.originX, tt.originY).RGBA()
			if r != 0 || g != 0 {
				t.Errorf("原点の画素が (%d,%d) にありません: r=%d g=%d", tt.originX, tt.originY, r>>8, g>>8)
			}
		})
	}
}

func TestRotate_UsesAngle(t *testing.T) {
	img, err := Rotate(Passthrough()).Process(gradientFrame(6, 2), 90)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 6 {
		t.Errorf("Unexpected bounds after rotation: %v", img.Bounds())
	}
}

func TestSprite_FetchCache(t *testing.T) {
	sprite := NewSprite(image.NewRGBA(image.Rect(0, 0, 10, 10)))

	first := sprite.Fetch(100, 100)
	if first.Rect.Dx() != 100 || first.Rect.Dy() != 100 {
		t.Fatalf("Unexpected size: %v", first.Rect)
	}

	tests := []struct {
		name          string
		width, height int
		wantRescale   bool
	}{
		// 100 との差が 103>>4 = 6 未満なので再利用
		{"僅かに大きい", 103, 103, false},
		{"僅かに小さい", 96, 98, false},
		// 差 7 は 107>>4 = 6 以上
		{"幅が離れている", 107, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := sprite.Scales()
			got := sprite.Fetch(tt.width, tt.height)
			rescaled := sprite.Scales() != before
			if rescaled != tt.wantRescale {
				t.Errorf("rescaled = %v, want %v (size %v)", rescaled, tt.wantRescale, got.Rect)
			}
		})
	}

	if sprite.Fetch(0, 10) != nil {
		t.Error("サイズ0はnilを返すべき")
	}
}

func TestSprite_NearestNeighbour(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	src.SetRGBA(1, 0, color.RGBA{B: 255, A: 255})

	scaled := NewSprite(src).Fetch(4, 2)
	for _, p := range []image.Point{{0, 0}, {1, 1}} {
		if c := scaled.RGBAAt(p.X, p.Y); c.R != 255 || c.B != 0 {
			t.Errorf("左半分は赤であるべき: %v at %v", c, p)
		}
	}
	for _, p := range []image.Point{{2, 0}, {3, 1}} {
		if c := scaled.RGBAAt(p.X, p.Y); c.B != 255 || c.R != 0 {
			t.Errorf("右半分は青であるべき: %v at %v", c, p)
		}
	}
}

func TestVariant_Placement(t *testing.T) {
	face := Face{X: 100, Y: 80, EyeDistance: 20}

	tests := []struct {
		variant Variant
		want    image.Rectangle
	}{
		{CoolFace, image.Rect(75, 60, 125, 110)},
		{Beard, image.Rect(80, 103, 120, 143)},
		{Hat, image.Rect(70, 10, 130, 70)},
		{Moustache, image.Rect(80, 88, 120, 98)},
	}

	for _, tt := range tests {
		t.Run(tt.variant.Name, func(t *testing.T) {
			if got := tt.variant.Placement(face); got != tt.want {
				t.Errorf("Placement = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFaceOverlay(t *testing.T) {
	solid := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range solid.Pix {
		solid.Pix[i] = 0xff
	}
	overlay, err := NewOverlay(Variant{Name: "solid", Width: 1, Height: 1}, NewSprite(solid))
	if err != nil {
		t.Fatalf("NewOverlay failed: %v", err)
	}

	locator := NewStaticLocator()
	transform := FaceOverlay(Passthrough(), locator, overlay)
	frame := pipeline.Frame{Data: make([]byte, 32*32*3), Width: 32, Height: 32}

	// 顔がなければ元画像のまま
	img, err := transform.Process(frame, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if r, _, _, _ := img.At(12, 12).RGBA(); r != 0 {
		t.Error("顔がないのに描画されています")
	}

	locator.Set(Face{X: 10, Y: 10, EyeDistance: 8})
	img, err = transform.Process(frame, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if r, _, _, _ := img.At(12, 12).RGBA(); r>>8 != 0xff {
		t.Error("顔の位置にスプライトが描かれていません")
	}
	if r, _, _, _ := img.At(20, 20).RGBA(); r != 0 {
		t.Error("スプライトの範囲外が変更されています")
	}
}

type failingLocator struct{}

func (failingLocator) Locate(image.Image) ([]Face, error) {
	return nil, errors.New("locator failure")
}

func TestFaceOverlay_LocatorError(t *testing.T) {
	overlay, err := NewOverlay(Hat, nil)
	if err != nil {
		t.Fatalf("NewOverlay failed: %v", err)
	}
	transform := FaceOverlay(Passthrough(), failingLocator{}, overlay)
	if _, err := transform.Process(gradientFrame(8, 8), 0); err == nil {
		t.Error("顔位置の取得失敗はエラーになるべき")
	}
}

func TestDefaultSprites(t *testing.T) {
	for _, v := range Variants() {
		if _, err := NewOverlay(v, nil); err != nil {
			t.Errorf("%s: %v", v.Name, err)
		}
	}
	if _, err := NewOverlay(Variant{Name: "unknown"}, nil); err == nil {
		t.Error("組み込みスプライトのない名前はエラーになるべき")
	}
}

func TestStamp(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	transform := Stamp(Passthrough(), func() time.Time { return fixed })

	frame := pipeline.Frame{Data: make([]byte, 200*30*3), Width: 200, Height: 30}
	img, err := transform.Process(frame, 0)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		t.Fatalf("Expected *image.RGBA, got %T", img)
	}
	lit := 0
	for i := 0; i < len(rgba.Pix); i += 4 {
		if rgba.Pix[i] > 0 {
			lit++
		}
	}
	if lit == 0 {
		t.Error("文字が描かれていません")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		effect  string
		opts    Options
		wantErr bool
	}{
		{"なし", NameNone, Options{}, false},
		{"空文字", "", Options{Rotate: true}, false},
		{"サングラス顔", "coolface", Options{Locator: NewStaticLocator(Face{X: 20, Y: 20, EyeDistance: 8})}, false},
		{"帽子と時刻", "hat", Options{Timestamp: true}, false},
		{"不明", "sparkles", Options{}, true},
		{"スプライトなし", "beard", Options{SpriteDir: "/nonexistent"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transform, err := New(tt.effect, tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if _, err := transform.Process(gradientFrame(64, 48), 90); err != nil {
				t.Errorf("Process failed: %v", err)
			}
		})
	}

	_, err := New("sparkles", Options{})
	if !errors.Is(err, ErrUnknownEffect) {
		t.Errorf("Expected ErrUnknownEffect, got %v", err)
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if names[0] != NameNone {
		t.Errorf("先頭は %q であるべき: %v", NameNone, names)
	}
	if len(names) != 5 {
		t.Errorf("Expected 5 names, got %v", names)
	}
}
