package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store/postgres"
)

// app holds the dependencies shared by every command that touches queues.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	kafka  *events.KafkaPublisher
	store  *postgres.Store
	engine *dispatch.Engine
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

// newApp wires the engine. Extra publishers receive every event alongside
// Kafka.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, publishers ...events.Publisher) (*app, error) {
	pool, err := connectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, store: postgres.NewStore(pool)}

	var counters sequence.CounterStore
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		counters = sequence.NewRedisStore(a.redis)
	} else {
		logger.Warn("REDIS_ADDR not set, ticket counters are process-local")
		counters = sequence.NewMemoryStore()
	}

	a.kafka = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	publisher := append(events.Multi{a.kafka}, publishers...)

	seq := sequence.New(counters, a.store, sequence.WithLogger(logger))
	a.engine = dispatch.New(a.store, seq,
		dispatch.WithPublisher(publisher),
		dispatch.WithLogger(logger),
		dispatch.WithServiceMinutes(cfg.ServiceMinutes),
		dispatch.WithDefaultScope(cfg.CallNextScope),
	)
	return a, nil
}

func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("kafka close", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
	_ = a.logger.Sync()
}
