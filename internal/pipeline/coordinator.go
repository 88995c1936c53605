package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stream は開いているデバイスについてフレームコールバックが参照する値
type stream struct {
	generation uint64
	angle      int
}

// transformHolder はatomic.Pointerに載せるためのTransformの入れ物
type transformHolder struct {
	transform Transform
}

// registration は登録済みシンク
type registration struct {
	id      string
	sink    Sink
	removed atomic.Bool
	pending atomic.Int32
}

// Coordinator はカメラデバイス・変換処理・シンク群を束ねるパイプライン本体
//
// 公開メソッドによる状態変更は全て mu で直列化される。フレームコールバックは
// mu を取らず、状態変更時に公開されるスナップショット（stream / transform /
// sinks）だけを読む。これによりデバイスの StopStreaming がコールバックの終了を
// 待っても mu と競合しない。
type Coordinator struct {
	provider DeviceProvider
	logger   *zap.Logger
	pool     *Pool
	baseCtx  context.Context

	// 1シンクあたりの未完了配信数の上限（0で無制限）
	maxPending int32

	mu         sync.Mutex
	params     Parameters
	device     Device
	deviceInfo DeviceInfo
	opened     bool
	closed     bool
	generation uint64
	angle      int
	lastErr    string
	regs       []*registration

	// フレームコールバック向けのスナップショット
	stream    atomic.Pointer[stream]
	transform atomic.Pointer[transformHolder]
	sinks     atomic.Pointer[[]*registration]

	seq              atomic.Uint64
	framesProduced   atomic.Uint64
	framesDropped    atomic.Uint64
	deliveries       atomic.Uint64
	deliveryFailures atomic.Uint64
	sinkDrops        atomic.Uint64
}

// Option はCoordinatorの生成オプション
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	logger     *zap.Logger
	pool       PoolConfig
	maxPending int
}

// WithLogger はロガーを設定する
func WithLogger(logger *zap.Logger) Option {
	return func(o *coordinatorOptions) {
		o.logger = logger
	}
}

// WithPoolConfig はワーカープールの設定を指定する
func WithPoolConfig(cfg PoolConfig) Option {
	return func(o *coordinatorOptions) {
		o.pool = cfg
	}
}

// WithMaxPendingPerSink は1シンクあたりの未完了配信数の上限を設定する
// 上限に達したシンクにはそのフレームを配信せず破棄する
// 既定は0で、全フレームを配信する
func WithMaxPendingPerSink(n int) Option {
	return func(o *coordinatorOptions) {
		o.maxPending = n
	}
}

// New は新しいCoordinatorを作成し、params でカメラを起動する
// カメラが見つからない場合でもエラーにはならず、停止状態のまま返る
// ctx はデバイスとワーカープールの寿命を決める
func New(ctx context.Context, provider DeviceProvider, params Parameters, transform Transform, opts ...Option) (*Coordinator, error) {
	if provider == nil {
		return nil, errors.New("デバイスプロバイダが指定されていません")
	}

	o := coordinatorOptions{
		logger: zap.NewNop(),
		pool:   DefaultPoolConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{
		provider:   provider,
		logger:     o.logger,
		baseCtx:    ctx,
		maxPending: int32(o.maxPending),
		pool:       NewPool(ctx, o.pool, o.logger.Named("pool")),
	}
	c.transform.Store(&transformHolder{transform: transform})
	c.sinks.Store(&[]*registration{})

	if err := c.Configure(ctx, params); err != nil {
		_ = c.pool.Shutdown(ctx)
		return nil, err
	}

	return c, nil
}

// Configure は設定を置き換え、必ずカメラを再起動する
// 設定が不正な場合は状態を変更せずにエラーを返す
// カメラが開けなかった場合は停止状態のまま nil を返す（Status().LastError に理由が残る）
func (c *Coordinator) Configure(ctx context.Context, params Parameters) error {
	if err := params.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.params = params
	c.restartLocked(ctx)
	return nil
}

// Parameters は現在の設定を返す
func (c *Coordinator) Parameters() Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// SetTransform は変換処理を差し替える（nilでパススルー）
// カメラは再起動しない。既に処理中のフレームは古い変換のまま完了する
func (c *Coordinator) SetTransform(transform Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transform.Store(&transformHolder{transform: transform})
}

// AddSink はシンクを登録し、登録IDを返す
// 登録後に生成された全フレームがこのシンクに配信される
func (c *Coordinator) AddSink(sink Sink) (string, error) {
	if sink == nil {
		return "", errors.New("シンクがnilです")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	reg := &registration{id: uuid.New().String(), sink: sink}
	c.regs = append(c.regs, reg)
	c.publishSinksLocked()

	c.logger.Info("シンクを登録しました", zap.String("sink_id", reg.id), zap.Int("sinks", len(c.regs)))
	return reg.id, nil
}

// RemoveSink はシンクの登録を解除する
// 戻った後にこのシンクへの新たな配信が始まることはない（実行中の配信は完了する）
func (c *Coordinator) RemoveSink(sink Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, reg := range c.regs {
		if reg.sink == sink {
			reg.removed.Store(true)
			c.regs = append(c.regs[:i:i], c.regs[i+1:]...)
			c.publishSinksLocked()
			c.logger.Info("シンクの登録を解除しました", zap.String("sink_id", reg.id), zap.Int("sinks", len(c.regs)))
			return true
		}
	}

	return false
}

// Sinks は登録中のシンクを登録順に返す
func (c *Coordinator) Sinks() []Sink {
	c.mu.Lock()
	defer c.mu.Unlock()

	sinks := make([]Sink, 0, len(c.regs))
	for _, reg := range c.regs {
		sinks = append(sinks, reg.sink)
	}
	return sinks
}

// Focus はオートフォーカスを要求する
// カメラが開いていなければ何もしない
func (c *Coordinator) Focus(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return nil
	}

	if err := c.device.RequestAutofocus(ctx); err != nil {
		return fmt.Errorf("オートフォーカスの要求に失敗: %w", err)
	}
	return nil
}

// Teardown はカメラを停止し、未実行の配信を破棄して全シンクを閉じる
// あるシンクの Close が失敗しても残りのシンクは閉じられる
// 2回目以降の呼び出しは何もしない
func (c *Coordinator) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.stopLocked()
	c.closed = true

	purged := c.pool.Purge()
	if err := c.pool.Shutdown(ctx); err != nil {
		c.logger.Warn("実行中の配信の完了待ちを打ち切りました", zap.Error(err))
	}

	var closeErrors []error
	for _, reg := range c.regs {
		reg.removed.Store(true)
		if err := closeSink(reg.sink); err != nil {
			c.logger.Error("シンクのクローズに失敗", zap.String("sink_id", reg.id), zap.Error(err))
			closeErrors = append(closeErrors, fmt.Errorf("シンク %s: %w", reg.id, err))
		}
	}
	c.regs = nil
	c.publishSinksLocked()

	c.logger.Info("パイプラインを終了しました", zap.Int("purged", purged), zap.Int("close_errors", len(closeErrors)))
	return errors.Join(closeErrors...)
}

// Status は現在の状態を返す
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:            StateStopped,
		Angle:            c.angle,
		Parameters:       c.params,
		Sinks:            len(c.regs),
		FramesProduced:   c.framesProduced.Load(),
		FramesDropped:    c.framesDropped.Load(),
		Deliveries:       c.deliveries.Load(),
		DeliveryFailures: c.deliveryFailures.Load(),
		SinkDrops:        c.sinkDrops.Load(),
		Pool:             c.pool.Stats(),
		LastError:        c.lastErr,
	}

	switch {
	case c.closed:
		st.State = StateClosed
	case c.opened:
		st.State = StateRunning
		st.Device = c.deviceInfo.Name
		st.Facing = c.deviceInfo.Facing.String()
	}

	return st
}

// restartLocked はカメラを停止してから起動する（ロック済み前提）
func (c *Coordinator) restartLocked(ctx context.Context) {
	c.stopLocked()
	c.startLocked(ctx)
}

// startLocked はカメラを開いてストリーミングを開始する（ロック済み前提）
// 途中で失敗した場合は開いたデバイスを解放し、停止状態のまま戻る
func (c *Coordinator) startLocked(ctx context.Context) {
	if c.opened {
		return
	}

	devices, err := c.provider.Devices(ctx)
	if err != nil {
		c.startFailed("デバイス一覧の取得に失敗", err)
		return
	}

	pos := selectDevice(devices, c.params.FrontCamera)
	if pos < 0 {
		c.startFailed("カメラを起動できません", ErrNoDevice)
		return
	}
	info := devices[pos]

	device, err := c.provider.Open(ctx, info.Index)
	if err != nil {
		c.startFailed("カメラのオープンに失敗", err)
		return
	}

	if err := device.ConfigurePreview(c.params.Width, c.params.Height); err != nil {
		c.releaseQuietly(device)
		c.startFailed("プレビュー設定に失敗", err)
		return
	}

	angle := EffectiveAngle(device.NativeOrientation(), c.params.ScreenAngle)

	c.generation++
	gen := c.generation
	c.stream.Store(&stream{generation: gen, angle: angle})
	device.SetFrameCallback(func(frame Frame) {
		c.onFrame(gen, frame)
	})

	if err := device.StartStreaming(c.baseCtx); err != nil {
		c.stream.Store(nil)
		device.SetFrameCallback(nil)
		c.releaseQuietly(device)
		c.startFailed("ストリーミングの開始に失敗", err)
		return
	}

	c.device = device
	c.deviceInfo = info
	c.angle = angle
	c.opened = true
	c.lastErr = ""

	c.logger.Info("カメラを起動しました",
		zap.String("device", info.Name),
		zap.Int("index", info.Index),
		zap.Stringer("facing", info.Facing),
		zap.Int("width", c.params.Width),
		zap.Int("height", c.params.Height),
		zap.Int("angle", angle))
}

// stopLocked はストリーミングを止めてデバイスを解放する（ロック済み前提）
// カメラが開いていなければ何もしない
func (c *Coordinator) stopLocked() {
	if !c.opened {
		return
	}

	// 以降に届くコールバックは世代不一致で無視される
	c.generation++
	c.stream.Store(nil)

	if err := c.device.StopStreaming(); err != nil {
		c.logger.Warn("ストリーミングの停止に失敗", zap.Error(err))
	}
	c.device.SetFrameCallback(nil)
	c.releaseQuietly(c.device)

	c.logger.Info("カメラを停止しました", zap.String("device", c.deviceInfo.Name))

	c.device = nil
	c.deviceInfo = DeviceInfo{}
	c.opened = false
}

func (c *Coordinator) startFailed(msg string, err error) {
	c.lastErr = fmt.Sprintf("%s: %v", msg, err)
	c.logger.Warn(msg, zap.Error(err))
}

func (c *Coordinator) releaseQuietly(device Device) {
	if err := device.Release(); err != nil {
		c.logger.Warn("デバイスの解放に失敗", zap.Error(err))
	}
}

// publishSinksLocked はシンク一覧のスナップショットを公開する（ロック済み前提）
func (c *Coordinator) publishSinksLocked() {
	snapshot := make([]*registration, len(c.regs))
	copy(snapshot, c.regs)
	c.sinks.Store(&snapshot)
}

// onFrame はデバイスから生フレームが届いたときに呼ばれる
func (c *Coordinator) onFrame(gen uint64, frame Frame) {
	st := c.stream.Load()
	if st == nil || st.generation != gen {
		return
	}

	var transform Transform
	if h := c.transform.Load(); h != nil {
		transform = h.transform
	}

	picture, err := applyTransform(transform, frame, st.angle)
	if err != nil {
		c.framesDropped.Add(1)
		c.logger.Warn("フレームの変換に失敗したため破棄します", zap.Error(err))
		return
	}

	img := Image{
		Picture:    picture,
		Seq:        c.seq.Add(1),
		CapturedAt: time.Now(),
	}
	c.framesProduced.Add(1)
	c.fanOut(img)
}

// fanOut は画像を全シンクへの配信タスクとしてプールへ投入する
func (c *Coordinator) fanOut(img Image) {
	regs := *c.sinks.Load()

	for _, reg := range regs {
		reg := reg // go1.21 の共有ループ変数でも各タスクが自分のシンクを捕捉するように
		if c.maxPending > 0 && reg.pending.Load() >= c.maxPending {
			c.sinkDrops.Add(1)
			continue
		}

		reg.pending.Add(1)
		if err := c.pool.Submit(func(ctx context.Context) {
			defer reg.pending.Add(-1)
			c.deliver(ctx, reg, img)
		}); err != nil {
			reg.pending.Add(-1)
			c.logger.Debug("配信タスクを投入できません", zap.Error(err))
			return
		}
	}
}

// deliver は1つのシンクへ画像を送る
// 失敗はログに残すだけで他のシンクには影響しない
func (c *Coordinator) deliver(ctx context.Context, reg *registration, img Image) {
	if reg.removed.Load() {
		return
	}

	if err := sendToSink(ctx, reg.sink, img); err != nil {
		c.deliveryFailures.Add(1)
		c.logger.Warn("シンクへの配信に失敗",
			zap.String("sink_id", reg.id),
			zap.Uint64("seq", img.Seq),
			zap.Error(err))
		return
	}
	c.deliveries.Add(1)
}

// applyTransform は変換処理を実行する
// 変換が未設定ならパススルー変換を行う。パニックはエラーとして返す
func applyTransform(transform Transform, frame Frame, angle int) (picture image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("変換処理がパニックしました: %v", r)
		}
	}()

	if transform == nil {
		return RawToImage(frame)
	}
	return transform.Process(frame, angle)
}

// sendToSink はシンクのSendを呼び、失敗を ErrDeliveryFailed で包む
func sendToSink(ctx context.Context, sink Sink, img Image) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: パニック: %v", ErrDeliveryFailed, r)
		}
	}()

	if err := sink.Send(ctx, img); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// closeSink はシンクのCloseを呼び、パニックをエラーとして返す
func closeSink(sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("パニック: %v", r)
		}
	}()
	return sink.Close()
}
