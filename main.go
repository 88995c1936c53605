package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"camstream/internal/app"
	"camstream/internal/config"
)

func main() {
	// 設定を読み込む（CAMSTREAM_CONFIG が空ならデフォルト設定）
	cfg, err := config.Load(os.Getenv("CAMSTREAM_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer logger.Sync()

	// SIGINT / SIGTERM でキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("アプリケーションの作成に失敗しました", zap.Error(err))
	}

	if err := a.Run(ctx); err != nil {
		logger.Fatal("サーバーの起動に失敗しました", zap.Error(err))
	}
}
