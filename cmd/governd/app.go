package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clank08/govern"
	"github.com/clank08/govern/internal/config"
	"github.com/clank08/govern/internal/userstore"
	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/kafkasink"
	"github.com/clank08/govern/middleware"
	govprom "github.com/clank08/govern/metrics/export/prometheus"
	"github.com/clank08/govern/password"
)

type userStore interface {
	govern.UserProvider
	Create(ctx context.Context, identifier, passwordHash string) (govern.UserRecord, error)
}

type app struct {
	engine    *govern.Engine
	governor  *middleware.Governor
	rdb       redis.UniversalClient
	users     userStore
	catalog   *catalog
	watchlist *watchlistStore
	collector *govprom.Collector
	logger    *zap.Logger

	closers []func()
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, seedUser string) (*app, error) {
	a := &app{logger: logger, catalog: defaultCatalog()}

	gcfg, err := cfg.Govern()
	if err != nil {
		return nil, err
	}

	if cfg.Redis.InMemory {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start embedded redis: %w", err)
		}
		a.closers = append(a.closers, mr.Close)
		a.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		logger.Warn("using embedded redis; state is lost on exit")
	} else {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	a.closers = append(a.closers, func() { _ = a.rdb.Close() })

	if gcfg.JWT.SigningMethod == jwt.MethodEd25519 && len(gcfg.JWT.PrivateKey) == 0 {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			a.Close()
			return nil, err
		}
		gcfg.JWT.PrivateKey = priv
		gcfg.JWT.PublicKey = pub
		logger.Warn("no signing key configured; generated an ephemeral ed25519 key")
	}

	if cfg.DB.DSN != "" {
		pg, err := userstore.Open(ctx, userstore.Config{
			DSN:          cfg.DB.DSN,
			MaxConns:     cfg.DB.MaxConns,
			MinConns:     cfg.DB.MinConns,
			QueryTimeout: cfg.DB.QueryTimeout,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open user store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.users = pg
	} else {
		mem := userstore.NewMemory()
		if err := seed(ctx, mem, gcfg.Password, seedUser); err != nil {
			a.Close()
			return nil, err
		}
		a.users = mem
	}

	builder := govern.New().
		WithConfig(gcfg).
		WithRedis(a.rdb).
		WithUserProvider(a.users).
		WithLogger(logger)

	if cfg.Kafka.Enable {
		sink, err := kafkasink.New(kafkasink.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sink.Close() })
		builder = builder.WithAuditSink(sink)
	} else {
		builder = builder.WithAuditSink(govern.NewJSONWriterSink(os.Stdout))
	}

	a.engine, err = builder.Build()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.engine.Close)

	report := a.engine.SecurityReport()
	logger.Info("security posture",
		zap.String("signing", report.SigningAlgorithm),
		zap.Duration("access_ttl", report.AccessTTL),
		zap.Bool("lockout", report.LockoutActive),
		zap.Strings("rate_limit_classes", report.RateLimitClasses),
	)
	for _, w := range report.Warnings {
		logger.Warn("security posture warning", zap.String("warning", w))
	}

	var opts []middleware.Option
	if cfg.Server.ForwardedHeader != "" {
		opts = append(opts, middleware.WithForwardedHeader(cfg.Server.ForwardedHeader))
	}
	a.governor = middleware.New(a.engine, opts...)
	a.watchlist = newWatchlistStore(a.rdb, gcfg.Session.RedisPrefix)
	a.collector = govprom.NewCollector(a.engine)
	return a, nil
}

func seed(ctx context.Context, users userStore, cfg password.Config, pair string) error {
	if pair == "" {
		return nil
	}
	identifier, plain, ok := strings.Cut(pair, ":")
	if !ok || identifier == "" || plain == "" {
		return fmt.Errorf("seed user must be identifier:password")
	}
	hasher, err := password.New(cfg)
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(plain)
	if err != nil {
		return err
	}
	_, err = users.Create(ctx, identifier, hash)
	return err
}

func (a *app) health(ctx context.Context) error {
	_, err := a.engine.Ping(ctx)
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
