package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"case-chat/internal/config"
	"case-chat/internal/localstore"
	"case-chat/internal/realtime"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
	DriverRedis    = "redis"
	DriverBadger   = "badger"
)

// OpenRealtime abre el store remoto de cfg.RemoteDriver. El close devuelto
// libera conexiones y detiene el listener; siempre es distinto de nil.
func OpenRealtime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (realtime.Store, func(), error) {
	switch strings.ToLower(cfg.RemoteDriver) {
	case "", DriverMemory:
		logger.Warn("remote store is in-memory; data is lost on restart")
		return realtime.NewMemoryStore(), func() {}, nil

	case DriverPostgres:
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		store := realtime.NewPgStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = store.Listen(listenCtx, time.Second)
		}()
		return store, func() {
			cancel()
			<-done
			pool.Close()
		}, nil

	case DriverDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		store, err := realtime.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, cfg.PollInterval, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.RemoteDriver)
	}
}

// OpenLocalStore abre el tier persistente de la caché de cfg.LocalStoreDriver.
func OpenLocalStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (localstore.Store, func(), error) {
	switch strings.ToLower(cfg.LocalStoreDriver) {
	case "", DriverMemory:
		return localstore.NewMemoryStore(), func() {}, nil

	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("redis local store requires REDIS_ADDR")
		}
		client := NewRedisClient(cfg)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return localstore.NewRedisStore(client, ""), func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", zap.Error(err))
			}
		}, nil

	case DriverBadger:
		bdb, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath).WithLogger(nil))
		if err != nil {
			return nil, nil, fmt.Errorf("open badger %s: %w", cfg.BadgerPath, err)
		}
		return localstore.NewBadgerStore(bdb), func() {
			if err := bdb.Close(); err != nil {
				logger.Warn("badger close", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown local store driver %q", cfg.LocalStoreDriver)
	}
}

func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
