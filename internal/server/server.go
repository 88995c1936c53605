package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"camstream/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *zap.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg config.ServerConfig, handler ServerInterface, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine, err := NewEngine(handler, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		config: cfg,
		engine: engine,
		logger: logger,
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:     engine,
			ReadTimeout: cfg.ReadTimeout,
			// ストリーミング中の接続は WriteTimeout で切られる
			WriteTimeout: cfg.WriteTimeout,
		},
	}, nil
}

// NewEngine はルーティングとリクエスト検証を設定したginエンジンを作成する
func NewEngine(handler ServerInterface, logger *zap.Logger) (*gin.Engine, error) {
	doc, err := GetSwagger()
	if err != nil {
		return nil, err
	}
	validator, err := requestValidator(doc)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(accessLog(logger), gin.Recovery(), validator)
	RegisterHandlers(engine, handler)

	return engine, nil
}

// Handler はHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctx がキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err := <-errCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// accessLog はリクエストをzapで記録するミドルウェア
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
