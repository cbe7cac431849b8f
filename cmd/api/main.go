package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"case-chat/internal/cache"
	"case-chat/internal/config"
	"case-chat/internal/db"
	apihttp "case-chat/internal/http"
	"case-chat/internal/repository"
	"case-chat/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	remote, closeRemote, err := db.OpenRealtime(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("remote store", zap.String("driver", cfg.RemoteDriver), zap.Error(err))
	}
	defer closeRemote()

	local, closeLocal, err := db.OpenLocalStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("local store", zap.String("driver", cfg.LocalStoreDriver), zap.Error(err))
	}
	defer closeLocal()

	engine := cache.New(logger.Named("cache"), local, cache.Options{
		MessageTTL:   cfg.CacheMessageTTL,
		PreviewTTL:   cfg.CachePreviewTTL,
		MaxWindow:    cfg.CacheMaxWindow,
		MaxCacheSize: cfg.CacheMaxSize,
	})
	go engine.Run(ctx, cfg.CacheSweepInterval)

	messageRepo := repository.NewRealtimeMessageRepository(remote)
	conversationRepo := repository.NewRealtimeConversationRepository(remote)
	syncSvc := service.NewSyncService(logger.Named("sync"), messageRepo, conversationRepo, engine, service.SyncConfig{
		RemoteTimeout:  cfg.RemoteTimeout,
		LiveWindowSize: cfg.LiveWindowSize,
	})
	outbox := service.NewOutbox(logger.Named("outbox"), syncSvc)

	limiter := service.NewSendRateLimiter(cfg.SendRateWindow, cfg.SendRateMax)
	if cfg.RedisAddr != "" {
		redisClient := db.NewRedisClient(cfg)
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, using in-memory send limiter", zap.Error(err))
		} else {
			limiter = service.NewRedisSendRateLimiter(redisClient, cfg.SendRateWindow, cfg.SendRateMax)
		}
		cancel()
	}

	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret not configured")
	}
	tokens := service.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, 0)

	conversationHandler := apihttp.NewConversationHandler(logger, syncSvc)
	messageHandler := apihttp.NewMessageHandler(logger, syncSvc, outbox, limiter, cfg.PageSize)
	router := apihttp.NewRouter(logger, tokens, conversationHandler, messageHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server",
		zap.String("port", cfg.HTTPPort),
		zap.String("remote_driver", cfg.RemoteDriver),
		zap.String("local_store_driver", cfg.LocalStoreDriver),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	// Las entregas en vuelo terminan antes de cerrar los stores.
	outbox.Wait()
	logger.Info("server stopped")
}
