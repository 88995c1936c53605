package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camstream/internal/pipeline"
)

// TimelapseConfig はタイムラプスの設定
type TimelapseConfig struct {
	Dir            string        `yaml:"dir"`             // 動画出力先
	Interval       time.Duration `yaml:"interval"`        // 撮影間隔
	UpdateInterval time.Duration `yaml:"update_interval"` // 動画への追記間隔
	MaxFrames      int           `yaml:"max_frames"`      // バッファに保持する最大フレーム数
	Quality        int           `yaml:"quality"`         // 動画品質 (1-5)
	FlushTimeout   time.Duration `yaml:"flush_timeout"`   // 終了時の追記のタイムアウト
}

// DefaultTimelapseConfig はデフォルトのタイムラプス設定を返す
func DefaultTimelapseConfig() TimelapseConfig {
	return TimelapseConfig{
		Dir:            "timelapse",
		Interval:       2 * time.Second,
		UpdateInterval: time.Hour,
		MaxFrames:      1800, // 1時間分（2秒間隔）
		Quality:        3,
		FlushTimeout:   30 * time.Second,
	}
}

// Video はタイムラプス動画の情報
type Video struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
	Recording bool      `json:"recording"` // 現在追記中の動画か
}

// TimelapseStatus はタイムラプスの状態
type TimelapseStatus struct {
	CurrentVideo string    `json:"current_video"`
	Buffered     int       `json:"buffered"`
	Captured     uint64    `json:"captured"`
	LastUpdate   time.Time `json:"last_update"`
}

// Encoder はJPEGフレーム列を動画へ追記する
type Encoder interface {
	Extend(ctx context.Context, videoPath string, frames [][]byte, quality int) error
}

// Timelapse は一定間隔でフレームを記録し、定期的に動画へ追記するシンク
// 動画ファイルは日付ごとに切り替わる
type Timelapse struct {
	cfg     TimelapseConfig
	encoder Encoder
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	frames       [][]byte
	lastCapture  time.Time
	currentVideo string
	lastUpdate   time.Time
	captured     uint64
	closed       bool
	cancel       context.CancelFunc
	done         chan struct{}

	// エンコーダーの呼び出しを直列化する
	flushMu sync.Mutex
}

// NewTimelapse は新しいTimelapseを作成する
func NewTimelapse(cfg TimelapseConfig, encoder Encoder, logger *zap.Logger) *Timelapse {
	def := DefaultTimelapseConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if encoder == nil {
		encoder = NewFFmpegEncoder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Timelapse{
		cfg:     cfg,
		encoder: encoder,
		logger:  logger,
		now:     time.Now,
		frames:  make([][]byte, 0, cfg.MaxFrames),
	}
}

// Start は出力ディレクトリを作成し、追記スケジューラーを開始する
func (t *Timelapse) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrSinkClosed
	}
	if t.cancel != nil {
		return nil
	}

	if err := os.MkdirAll(t.cfg.Dir, 0755); err != nil {
		return errors.Wrap(err, "出力ディレクトリの作成に失敗")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.schedule(runCtx, t.done)

	t.logger.Info("タイムラプスを開始",
		zap.String("dir", t.cfg.Dir),
		zap.Duration("interval", t.cfg.Interval),
		zap.Duration("update_interval", t.cfg.UpdateInterval))
	return nil
}

// Send は撮影間隔が経過していれば画像をJPEGにしてバッファへ追加する
func (t *Timelapse) Send(_ context.Context, img pipeline.Image) error {
	at := img.CapturedAt
	if at.IsZero() {
		at = t.now()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrSinkClosed
	}
	if !t.lastCapture.IsZero() && at.Sub(t.lastCapture) < t.cfg.Interval {
		t.mu.Unlock()
		return nil
	}
	t.lastCapture = at
	t.mu.Unlock()

	data, err := EncodeJPEG(img.Picture, DefaultQuality)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames = append(t.frames, data)
	if len(t.frames) > t.cfg.MaxFrames {
		// 古いフレームを削除（FIFO）
		t.frames = t.frames[len(t.frames)-t.cfg.MaxFrames:]
	}
	t.captured++
	return nil
}

// Flush はバッファ中のフレームを現在の動画へ追記する
func (t *Timelapse) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if len(t.frames) == 0 {
		t.mu.Unlock()
		return nil
	}
	frames := t.frames
	t.frames = make([][]byte, 0, t.cfg.MaxFrames)
	if t.currentVideo == "" {
		t.currentVideo = videoFilename(t.now())
	}
	videoPath := filepath.Join(t.cfg.Dir, t.currentVideo)
	t.mu.Unlock()

	if err := t.encoder.Extend(ctx, videoPath, frames, t.cfg.Quality); err != nil {
		// 失敗したフレームはバッファへ戻す
		t.mu.Lock()
		restored := append(frames, t.frames...)
		if len(restored) > t.cfg.MaxFrames {
			restored = restored[len(restored)-t.cfg.MaxFrames:]
		}
		t.frames = restored
		t.mu.Unlock()
		return errors.Wrap(err, "動画の延長に失敗")
	}

	t.mu.Lock()
	t.lastUpdate = t.now()
	t.mu.Unlock()

	t.logger.Debug("タイムラプス動画を更新", zap.String("video", videoPath), zap.Int("frames", len(frames)))
	return nil
}

// rotate は残りを追記した上で動画ファイルを切り替える
func (t *Timelapse) rotate(ctx context.Context) {
	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("ローテーション前の最終更新に失敗", zap.Error(err))
	}

	t.mu.Lock()
	t.currentVideo = videoFilename(t.now())
	name := t.currentVideo
	t.mu.Unlock()

	t.logger.Info("日次ローテーション実行", zap.String("video", name))
}

func (t *Timelapse) schedule(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.UpdateInterval)
	defer ticker.Stop()

	midnight := time.NewTimer(time.Until(nextMidnight(t.now())))
	defer midnight.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn("動画更新エラー", zap.Error(err))
			}
		case <-midnight.C:
			t.rotate(ctx)
			midnight.Reset(time.Until(nextMidnight(t.now())))
		}
	}
}

// Close はスケジューラーを止め、残りのフレームを追記する
func (t *Timelapse) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), t.cfg.FlushTimeout)
	defer cancelFlush()
	return t.Flush(ctx)
}

// Videos は出力ディレクトリの動画一覧を新しい順に返す
func (t *Timelapse) Videos() ([]Video, error) {
	t.mu.Lock()
	current := t.currentVideo
	t.mu.Unlock()

	entries, err := os.ReadDir(t.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "ディレクトリの読み取りに失敗")
	}

	var videos []Video
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".mp4" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			t.logger.Warn("ファイル情報の取得に失敗", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		videos = append(videos, Video{
			Name:      entry.Name(),
			Path:      filepath.Join(t.cfg.Dir, entry.Name()),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
			Recording: entry.Name() == current,
		})
	}

	sort.Slice(videos, func(i, j int) bool { return videos[i].Name > videos[j].Name })
	return videos, nil
}

// Status は現在の状態を返す
func (t *Timelapse) Status() TimelapseStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TimelapseStatus{
		CurrentVideo: t.currentVideo,
		Buffered:     len(t.frames),
		Captured:     t.captured,
		LastUpdate:   t.lastUpdate,
	}
}

// videoFilename は動画ファイル名を生成する
func videoFilename(t time.Time) string {
	return fmt.Sprintf("timelapse_%s.mp4", t.Format("2006-01-02"))
}

// nextMidnight は次の0時の時刻を返す
func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}
