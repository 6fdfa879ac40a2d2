// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credential-custody-service/config"
	"credential-custody-service/internal/crypto"
	"credential-custody-service/internal/event"
	"credential-custody-service/internal/handler"
	"credential-custody-service/internal/infra"
	"credential-custody-service/internal/repository"
	"credential-custody-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// 設定読み込み（.envが存在すれば読み込むが、既存の環境変数は上書きしない）
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// KMSクライアント初期化（マスターキーをラップしている場合のみ）
	var kms infra.KeyDecrypter
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		kms = kmsClient
	}

	masterKey, err := infra.LoadMasterKey(ctx, cfg, kms)
	if err != nil {
		slog.Error("failed to load master key", "error", err)
		os.Exit(1)
	}

	cipher, err := crypto.New(cfg.CipherAlgorithm)
	if err != nil {
		slog.Error("failed to init cipher", "error", err)
		os.Exit(1)
	}

	// DI
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	eventLogRepo := repository.NewEventLogRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	publisher := event.NewPublisher()

	opts := []usecase.Option{
		usecase.WithEventLog(eventLogRepo),
		usecase.WithOutbox(outboxRepo),
		usecase.WithMaxCommitAttempts(cfg.MaxCommitAttempts),
	}
	var viewCache usecase.ViewCache
	if cfg.RedisAddr != "" {
		redisCache, err := infra.NewRedisViewCache(ctx, cfg.RedisAddr, cfg.ViewCacheTTL)
		if err != nil {
			slog.Error("failed to init view cache", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := redisCache.Close(); closeErr != nil {
				slog.Error("failed to close view cache", "error", closeErr)
			}
		}()
		viewCache = redisCache
		opts = append(opts, usecase.WithViewCache(redisCache))
	}
	usecase.RegisterHandlers(publisher, usecase.NewAuditHandler(eventLogRepo), viewCache)

	service := usecase.NewSubscriptionService(subscriptionRepo, publisher, cipher, masterKey, opts...)
	h := handler.NewSubscriptionHandler(service)
	server := handler.NewServer(cfg, handler.NewRouter(h, cfg))

	// 要求内で配信できなかったイベントの再配信
	relayCtx, stopRelay := context.WithCancel(ctx)
	relay := usecase.NewOutboxRelay(outboxRepo, publisher, usecase.WithRelayBatchSize(cfg.OutboxBatchSize))
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(relayCtx, cfg.OutboxPollInterval)
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "cipher", cipher.Algorithm())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	stopRelay()
	<-relayDone
	slog.Info("server stopped")
}
