// Package app はパイプライン・出力先・HTTPサーバーを組み立てて起動する
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/effect"
	"camstream/internal/pipeline"
	"camstream/internal/server"
	"camstream/internal/sink"
)

// App はアプリケーション全体を表す
type App struct {
	config   *config.Config
	logger   *zap.Logger
	provider pipeline.DeviceProvider

	coordinator *pipeline.Coordinator
	mjpeg       *sink.MJPEG
	preview     *sink.Preview
	timelapse   *sink.Timelapse
	handler     *server.CamstreamHandler
	server      *server.Server
}

// Option はAppの生成オプション
type Option func(*App)

// WithProvider はデバイスプロバイダを差し替える
func WithProvider(provider pipeline.DeviceProvider) Option {
	return func(a *App) {
		a.provider = provider
	}
}

// New は設定からアプリケーションを組み立てる
// カメラはこの時点で開かれる
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{config: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	if a.provider == nil {
		specs, err := cfg.DeviceSpecs()
		if err != nil {
			return nil, err
		}
		a.provider = camera.NewProvider(specs, cfg.CameraSettings(),
			camera.WithAutoDiscovery(cfg.Camera.AutoDiscovery),
			camera.WithProviderLogger(logger.Named("camera")))
	}

	locator := effect.NewStaticLocator()
	effectOpts := cfg.EffectOptions(locator)
	transform, err := effect.New(cfg.Effect.Name, effectOpts)
	if err != nil {
		return nil, fmt.Errorf("エフェクトの作成に失敗: %w", err)
	}

	a.coordinator, err = pipeline.New(ctx, a.provider, cfg.Parameters(), transform,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithPoolConfig(cfg.Pipeline.Pool),
		pipeline.WithMaxPendingPerSink(cfg.Pipeline.MaxPendingPerSink))
	if err != nil {
		return nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}

	if err := a.attachSinks(ctx); err != nil {
		_ = a.coordinator.Teardown(context.Background())
		return nil, err
	}

	a.handler = server.NewHandler(server.Deps{
		Pipeline:       a.coordinator,
		MJPEG:          a.mjpeg,
		Preview:        a.preview,
		Timelapse:      a.timelapse,
		Locator:        locator,
		Effect:         effectOpts,
		PreviewQuality: cfg.Sinks.Preview.Quality,
		EffectName:     cfg.Effect.Name,
		Logger:         logger.Named("http"),
	})

	a.server, err = server.New(cfg.Server, a.handler, logger.Named("http"))
	if err != nil {
		_ = a.coordinator.Teardown(context.Background())
		return nil, err
	}

	return a, nil
}

// attachSinks は有効な出力先をパイプラインに登録する
func (a *App) attachSinks(ctx context.Context) error {
	cfg := a.config.Sinks

	if cfg.MJPEG.Enabled {
		a.mjpeg = sink.NewMJPEG(cfg.MJPEG.Quality, a.logger.Named("mjpeg"))
		if err := a.addSink("mjpeg", a.mjpeg); err != nil {
			return err
		}
	}

	if cfg.Preview.Enabled {
		a.preview = sink.NewPreview()
		if err := a.addSink("preview", a.preview); err != nil {
			return err
		}
	}

	if cfg.Timelapse.Enabled {
		a.timelapse = sink.NewTimelapse(cfg.Timelapse.TimelapseConfig, sink.NewFFmpegEncoder(), a.logger.Named("timelapse"))
		if err := a.timelapse.Start(ctx); err != nil {
			return fmt.Errorf("タイムラプスの開始に失敗: %w", err)
		}
		if err := a.addSink("timelapse", a.timelapse); err != nil {
			_ = a.timelapse.Close()
			return err
		}
	}

	return nil
}

func (a *App) addSink(name string, s pipeline.Sink) error {
	id, err := a.coordinator.AddSink(s)
	if err != nil {
		return fmt.Errorf("出力先 %s の登録に失敗: %w", name, err)
	}
	a.logger.Info("出力先を登録しました", zap.String("sink", name), zap.String("sink_id", id))
	return nil
}

// Run はHTTPサーバーを起動し、ctx がキャンセルされるまでブロックする
// 終了時にはパイプラインを破棄し、全ての出力先を閉じる
func (a *App) Run(ctx context.Context) error {
	st := a.coordinator.Status()
	a.logger.Info("アプリケーションを起動しました",
		zap.String("addr", a.config.ServerAddress()),
		zap.String("state", string(st.State)),
		zap.String("device", st.Device),
		zap.Int("sinks", st.Sinks))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.teardown()
	})

	return g.Wait()
}

// teardown はパイプラインを終了する
func (a *App) teardown() error {
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.coordinator.Teardown(ctx); err != nil {
		return fmt.Errorf("パイプラインの終了に失敗: %w", err)
	}
	a.logger.Info("アプリケーションを停止しました")
	return nil
}

// Coordinator はパイプラインを返す
func (a *App) Coordinator() *pipeline.Coordinator {
	return a.coordinator
}

// Handler はHTTPハンドラーを返す
func (a *App) Handler() *server.CamstreamHandler {
	return a.handler
}
