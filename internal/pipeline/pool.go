package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	CoreWorkers int           `yaml:"core_workers"` // 常駐ワーカー数
	MaxWorkers  int           `yaml:"max_workers"`  // 最大ワーカー数
	KeepAlive   time.Duration `yaml:"keep_alive"`   // 追加ワーカーのアイドル許容時間
	QueueWarn   int           `yaml:"queue_warn"`   // キュー長の警告しきい値（0で無効）
	TaskTimeout time.Duration `yaml:"task_timeout"` // 1タスクあたりのタイムアウト（0で無効）
}

// DefaultPoolConfig はデフォルトのプール設定を返す
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		CoreWorkers: 2,
		MaxWorkers:  4,
		KeepAlive:   100 * time.Millisecond,
		QueueWarn:   64,
		TaskTimeout: 2 * time.Second,
	}
}

func (c PoolConfig) normalized() PoolConfig {
	if c.CoreWorkers < 1 {
		c.CoreWorkers = 1
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = c.CoreWorkers
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 100 * time.Millisecond
	}
	return c
}

// Task はプール上で実行される処理
type Task func(ctx context.Context)

// PoolStats はワーカープールの統計情報
type PoolStats struct {
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Purged    uint64 `json:"purged"`
	Panics    uint64 `json:"panics"`
}

// Pool は上限付きのワーカープール
//
// 常駐ワーカーはプールの寿命と同じだけ生存し、全員が処理中でキューが
// 溜まっている場合に限り MaxWorkers まで追加ワーカーを起動する。
// 追加ワーカーは KeepAlive の間タスクが来なければ終了する。
// キューに上限はなく、QueueWarn を超えるたびに警告を出す。
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []Task
	workers int
	busy    int
	closed  bool
	warned  bool
	stats   PoolStats

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPool は新しいPoolを作成し、常駐ワーカーを起動する
func NewPool(ctx context.Context, cfg PoolConfig, logger *zap.Logger) *Pool {
	cfg = cfg.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		ctx:    poolCtx,
		cancel: cancel,
		wake:   make(chan struct{}, cfg.MaxWorkers),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.spawnLocked(true)
	}
	p.mu.Unlock()

	return p
}

// Submit はタスクをキューに追加する
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.queue = append(p.queue, task)
	p.stats.Submitted++

	// 空いているワーカーで捌けない分だけ追加ワーカーを起動
	if len(p.queue) > p.workers-p.busy && p.workers < p.cfg.MaxWorkers {
		p.spawnLocked(false)
	}

	p.checkQueueLocked()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return nil
}

// Purge はまだ開始されていないタスクを破棄し、破棄した件数を返す
func (p *Pool) Purge() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purgeLocked()
}

// Shutdown は新規タスクの受付を止め、キューを破棄して実行中のタスクの完了を待つ
// ctx が先に終了した場合は待機を打ち切る（実行中のタスクはそのまま完了する）
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if n := p.purgeLocked(); n > 0 {
			p.logger.Debug("未実行のタスクを破棄しました", zap.Int("count", n))
		}
		close(p.done)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats は統計情報を返す
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Workers = p.workers
	stats.Busy = p.busy
	stats.Queued = len(p.queue)
	return stats
}

// purgeLocked はキューを空にする（ロック済み前提）
func (p *Pool) purgeLocked() int {
	n := len(p.queue)
	p.queue = nil
	p.stats.Purged += uint64(n)
	p.warned = false
	return n
}

// checkQueueLocked はキュー長を監視する（ロック済み前提）
func (p *Pool) checkQueueLocked() {
	if p.cfg.QueueWarn <= 0 {
		return
	}

	depth := len(p.queue)
	switch {
	case !p.warned && depth >= p.cfg.QueueWarn:
		p.warned = true
		p.logger.Warn("配信キューが溜まっています",
			zap.Int("queued", depth),
			zap.Int("workers", p.workers),
			zap.Int("busy", p.busy))
	case p.warned && depth < p.cfg.QueueWarn/2:
		p.warned = false
	}
}

// spawnLocked はワーカーを1つ起動する（ロック済み前提）
func (p *Pool) spawnLocked(core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(core)
}

// next はキューの先頭のタスクを取り出す
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.queue) == 0 {
		return nil, false
	}

	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.busy++
	p.checkQueueLocked()
	return task, true
}

// retire はキューが空なら追加ワーカーを終了扱いにする
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) > 0 && !p.closed {
		return false
	}
	p.workers--
	return true
}

// worker はタスクを取り出して実行し続ける
func (p *Pool) worker(core bool) {
	defer p.wg.Done()

	for {
		if task, ok := p.next(); ok {
			p.run(task)
			continue
		}

		if core {
			select {
			case <-p.wake:
			case <-p.done:
				p.exit()
				return
			}
			continue
		}

		timer := time.NewTimer(p.cfg.KeepAlive)
		select {
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
			if p.retire() {
				return
			}
		case <-p.done:
			timer.Stop()
			p.exit()
			return
		}
	}
}

func (p *Pool) exit() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

// run は1つのタスクを実行する
// パニックはワーカーを巻き込まないよう回収する
func (p *Pool) run(task Task) {
	ctx := p.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		r := recover()

		p.mu.Lock()
		p.busy--
		p.stats.Completed++
		if r != nil {
			p.stats.Panics++
		}
		p.mu.Unlock()

		if r != nil {
			p.logger.Error("タスクがパニックしました", zap.Any("panic", r))
		}
	}()

	task(ctx)
}
