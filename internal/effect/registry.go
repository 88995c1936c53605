package effect

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"camstream/internal/pipeline"
)

// ErrUnknownEffect は未登録のエフェクト名が指定された場合に返される
var ErrUnknownEffect = errors.New("不明なエフェクト")

// NameNone はエフェクトなし（パススルー）を表す
const NameNone = "none"

// Options はエフェクト構築時のオプション
type Options struct {
	Rotate    bool             // 実効角度で回転する
	Timestamp bool             // 時刻を書き込む
	Locator   FaceLocator      // 顔位置（nilなら顔なし）
	SpriteDir string           // <name>.png を読み込むディレクトリ（空なら組み込みスプライト）
	Now       func() time.Time // 時刻の取得（テスト用）
}

// Names は指定可能なエフェクト名を返す
func Names() []string {
	names := []string{NameNone}
	for _, v := range Variants() {
		names = append(names, v.Name)
	}
	sort.Strings(names[1:])
	return names
}

// New は名前からTransformを組み立てる
// 処理順は パススルー → 回転 → 顔の重ね描き → タイムスタンプ
func New(name string, opts Options) (pipeline.Transform, error) {
	t := Passthrough()
	if opts.Rotate {
		t = Rotate(t)
	}

	if name != "" && name != NameNone {
		variant, ok := LookupVariant(name)
		if !ok {
			return nil, errors.Wrapf(ErrUnknownEffect, "%q", name)
		}

		var sprite *Sprite
		if opts.SpriteDir != "" {
			loaded, err := LoadSprite(filepath.Join(opts.SpriteDir, variant.Name+".png"))
			if err != nil {
				return nil, err
			}
			sprite = loaded
		}

		overlay, err := NewOverlay(variant, sprite)
		if err != nil {
			return nil, err
		}

		locator := opts.Locator
		if locator == nil {
			locator = NewStaticLocator()
		}
		t = FaceOverlay(t, locator, overlay)
	}

	if opts.Timestamp {
		t = Stamp(t, opts.Now)
	}
	return t, nil
}
