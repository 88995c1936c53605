package sink

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"camstream/internal/pipeline"
)

// ErrNoFrame はまだフレームを受け取っていない場合に返される
var ErrNoFrame = errors.New("フレームがまだありません")

// Preview は最新の画像を保持するシンク
// ローカル表示やスナップショットの取得に使う
type Preview struct {
	mu      sync.RWMutex
	latest  pipeline.Image
	has     bool
	closed  bool
	updated chan struct{}
}

// NewPreview は新しいPreviewを作成する
func NewPreview() *Preview {
	return &Preview{updated: make(chan struct{})}
}

// Send は画像を保持する。保持中より古い画像は無視する
func (p *Preview) Send(_ context.Context, img pipeline.Image) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrSinkClosed
	}
	if p.has && img.Seq <= p.latest.Seq {
		return nil
	}

	p.latest = img
	p.has = true

	// 待機中の Wait を起こす
	close(p.updated)
	p.updated = make(chan struct{})
	return nil
}

// Latest は最新の画像を返す
func (p *Preview) Latest() (pipeline.Image, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.has
}

// Wait は after より新しい画像が届くまで待つ
func (p *Preview) Wait(ctx context.Context, after uint64) (pipeline.Image, error) {
	for {
		p.mu.RLock()
		img, has, closed, updated := p.latest, p.has, p.closed, p.updated
		p.mu.RUnlock()

		if has && img.Seq > after {
			return img, nil
		}
		if closed {
			return pipeline.Image{}, ErrSinkClosed
		}

		select {
		case <-ctx.Done():
			return pipeline.Image{}, ctx.Err()
		case <-updated:
		}
	}
}

// Snapshot は最新の画像をJPEGで返す
func (p *Preview) Snapshot(quality int) ([]byte, pipeline.Image, error) {
	img, ok := p.Latest()
	if !ok {
		return nil, pipeline.Image{}, ErrNoFrame
	}

	data, err := EncodeJPEG(img.Picture, quality)
	if err != nil {
		return nil, pipeline.Image{}, err
	}
	return data, img, nil
}

// Close はシンクを終了する。保持中の画像は残る
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.updated)
	p.updated = make(chan struct{})
	return nil
}
