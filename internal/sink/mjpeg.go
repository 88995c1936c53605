package sink

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camstream/internal/pipeline"
)

// ErrSinkClosed は終了済みのシンクを操作した場合に返される
var ErrSinkClosed = errors.New("シンクは終了済みです")

// Frame はエンコード済みのJPEGフレーム
type Frame struct {
	Seq  uint64
	JPEG []byte
}

// MJPEGStats はMJPEG配信の統計情報
type MJPEGStats struct {
	Clients  int    `json:"clients"`
	Encoded  uint64 `json:"encoded"`
	Stale    uint64 `json:"stale"`
	Replaced uint64 `json:"replaced"`
}

// MJPEG は接続中のクライアントへ最新フレームを配るシンク
// 各クライアントのチャネルは容量1で、読み取りが遅いクライアントには最新のフレームだけが残る
type MJPEG struct {
	quality int
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]chan Frame
	lastSeq uint64
	latest  *Frame
	closed  bool

	encoded  uint64
	stale    uint64
	replaced uint64
}

// NewMJPEG は新しいMJPEGシンクを作成する
func NewMJPEG(quality int, logger *zap.Logger) *MJPEG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MJPEG{
		quality: quality,
		logger:  logger,
		clients: make(map[string]chan Frame),
	}
}

// Send は画像をJPEGにして全クライアントへ配る
func (m *MJPEG) Send(ctx context.Context, img pipeline.Image) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSinkClosed
	}
	if img.Seq <= m.lastSeq {
		m.stale++
		m.mu.Unlock()
		return nil
	}
	m.lastSeq = img.Seq
	m.mu.Unlock()

	// エンコードはロック外で行う
	data, err := EncodeJPEG(img.Picture, m.quality)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := Frame{Seq: img.Seq, JPEG: data}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrSinkClosed
	}
	// エンコード中に新しいフレームが配られていれば捨てる
	if m.latest != nil && m.latest.Seq > frame.Seq {
		m.stale++
		return nil
	}

	m.encoded++
	m.latest = &frame
	for _, ch := range m.clients {
		m.offer(ch, frame)
	}
	return nil
}

// offer は容量1のチャネルへフレームを置く。古いフレームが残っていれば置き換える
func (m *MJPEG) offer(ch chan Frame, frame Frame) {
	select {
	case ch <- frame:
		return
	default:
	}

	select {
	case <-ch:
		m.replaced++
	default:
	}

	select {
	case ch <- frame:
	default:
	}
}

// Subscribe はクライアントを登録する
// 最新フレームがあれば即座にチャネルへ入る。cancel を呼ぶとチャネルが閉じられる
func (m *MJPEG) Subscribe() (string, <-chan Frame, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", nil, nil, ErrSinkClosed
	}

	id := uuid.New().String()
	ch := make(chan Frame, 1)
	if m.latest != nil {
		ch <- *m.latest
	}
	m.clients[id] = ch

	m.logger.Info("MJPEGクライアントが接続しました", zap.String("client_id", id), zap.Int("clients", len(m.clients)))

	cancel := func() { m.unsubscribe(id) }
	return id, ch, cancel, nil
}

func (m *MJPEG) unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.clients[id]
	if !ok {
		return
	}
	delete(m.clients, id)
	close(ch)

	m.logger.Info("MJPEGクライアントが切断しました", zap.String("client_id", id), zap.Int("clients", len(m.clients)))
}

// Latest は直近にエンコードしたフレームを返す
func (m *MJPEG) Latest() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil {
		return Frame{}, false
	}
	return *m.latest, true
}

// Stats は統計情報を返す
func (m *MJPEG) Stats() MJPEGStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MJPEGStats{
		Clients:  len(m.clients),
		Encoded:  m.encoded,
		Stale:    m.stale,
		Replaced: m.replaced,
	}
}

// Close は全クライアントのチャネルを閉じる
func (m *MJPEG) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for id, ch := range m.clients {
		close(ch)
		delete(m.clients, id)
	}
	return nil
}
