package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/api"
	"github.com/fathima-sithara/realtime-relay/internal/auth"
	"github.com/fathima-sithara/realtime-relay/internal/config"
	"github.com/fathima-sithara/realtime-relay/internal/delivery"
	"github.com/fathima-sithara/realtime-relay/internal/discovery"
	"github.com/fathima-sithara/realtime-relay/internal/events"
	"github.com/fathima-sithara/realtime-relay/internal/logger"
	"github.com/fathima-sithara/realtime-relay/internal/metrics"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
	"github.com/fathima-sithara/realtime-relay/internal/relay"
	"github.com/fathima-sithara/realtime-relay/internal/repository"
	"github.com/fathima-sithara/realtime-relay/internal/signaling"
	"github.com/fathima-sithara/realtime-relay/internal/users"
	"github.com/fathima-sithara/realtime-relay/internal/ws"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to an optional YAML config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jv *auth.JWTValidator
	if strings.EqualFold(cfg.JWT.Alg, "RS256") {
		jv, err = auth.NewJWTValidatorRS256(cfg.JWT.PublicKeyPath, cfg.JWTLeeway)
	} else {
		jv, err = auth.NewJWTValidatorHS256(cfg.JWT.HSSecret, cfg.JWTLeeway)
	}
	if err != nil {
		return fmt.Errorf("jwt validator init: %w", err)
	}

	var (
		store repository.Store
		dir   users.Directory
	)
	switch cfg.Storage.Driver {
	case "mongo":
		client, err := repository.ConnectMongo(ctx, cfg.Storage.Mongo.URI, 30*time.Second, log)
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				log.Warn("mongo disconnect", zap.Error(err))
			}
		}()
		db := client.Database(cfg.Storage.Mongo.DB)
		ms := repository.NewMongoStore(db, cfg.StorageTimeout)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		store, dir = ms, users.NewMongoDirectory(db, cfg.StorageTimeout)
		log.Info("connected to mongo", zap.String("db", cfg.Storage.Mongo.DB))
	default:
		log.Warn("using in-memory storage; nothing survives a restart")
		store, dir = repository.NewMemoryStore(), users.NewMemoryDirectory()
	}

	var (
		rdb     redis.UniversalClient
		tracker presence.Tracker = presence.NopTracker{}
		limiter *api.RateLimiter
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis ping failed; cache and presence mirror will degrade", zap.Error(err))
		}
		dir = users.NewCachedDirectory(dir, rdb, cfg.Redis.Prefix, cfg.UserCacheTTL, log)
		tracker = presence.NewRedisTracker(rdb, cfg.Redis.Prefix, 24*time.Hour)
		if cfg.Redis.RESTRatePerMinute > 0 {
			limiter = api.NewRateLimiter(rdb, cfg.Redis.Prefix, cfg.Redis.RESTRatePerMinute, time.Minute, log)
		}
	}

	pub, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("event publisher close", zap.Error(err))
		}
	}()

	m := metrics.New()
	reg := presence.NewRegistry(log, m)
	svc := relay.New(relay.Deps{
		Registry: reg,
		Pipeline: delivery.New(store, dir, reg, pub, log, m, cfg.WS.MaxContentLength),
		Broker:   signaling.NewBroker(reg, log, m),
		Tracker:  tracker,
		Users:    dir,
		Tokens:   jv,
		Log:      log,
		Metrics:  m,
		Timeout:  cfg.StorageTimeout,
	})

	app := api.NewServer(svc, api.Options{
		WS: ws.Options{
			SendBuffer:     cfg.WS.SendBuffer,
			MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
			PingInterval:   cfg.PingInterval,
			PongWait:       cfg.PongWait,
			WriteDeadline:  cfg.WriteDeadline,
			RatePerSec:     cfg.WS.RateLimitPerSec,
			RateBurst:      cfg.WS.RateBurst,
		},
		MetricsEnabled: cfg.Metrics.Enabled,
		Limiter:        limiter,
		AccessLog:      cfg.Log.Development,
	})

	if cfg.Discovery.Register {
		deregister, err := registerConsul(cfg, log)
		if err != nil {
			return err
		}
		defer deregister()
	}

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		log.Info("starting relay", zap.String("addr", addr), zap.String("env", cfg.App.Env))
		errs <- app.Listen(addr)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	svc.Shutdown()
	if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
		log.Warn("fiber shutdown", zap.Error(err))
	}
	log.Info("relay stopped")
	return nil
}

func newPublisher(cfg *config.Config, log *zap.Logger) (events.Publisher, error) {
	var next events.Publisher
	switch cfg.Events.Driver {
	case "kafka":
		next = events.NewKafkaPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic)
	case "nats":
		np, err := events.NewNATSPublisher(cfg.Events.NATS.URL, cfg.Events.NATS.SubjectPrefix, cfg.Discovery.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		next = np
	default:
		return events.Nop{}, nil
	}
	log.Info("publishing domain events", zap.String("driver", cfg.Events.Driver))
	return events.NewBreakerPublisher(next, cfg.Events.Driver, cfg.Events.Breaker.MaxFailures, cfg.BreakerTimeout, log), nil
}

func registerConsul(cfg *config.Config, log *zap.Logger) (func(), error) {
	c, err := discovery.NewConsul(cfg.Discovery.ConsulAddr, cfg.Discovery.ServiceName, log)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s-%s-%d", cfg.Discovery.ServiceName, host, cfg.App.Port)
	if err := c.Register(id, host, cfg.App.Port); err != nil {
		return nil, err
	}
	return func() {
		if err := c.Deregister(id); err != nil {
			log.Warn("consul deregister", zap.Error(err))
		}
	}, nil
}
