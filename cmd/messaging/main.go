package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/paired-messaging/internal/api"
	"github.com/LeventeLantos/paired-messaging/internal/cache"
	"github.com/LeventeLantos/paired-messaging/internal/chat"
	"github.com/LeventeLantos/paired-messaging/internal/config"
	"github.com/LeventeLantos/paired-messaging/internal/dbmongo"
	"github.com/LeventeLantos/paired-messaging/internal/dbpostgres"
	"github.com/LeventeLantos/paired-messaging/internal/logger"
	"github.com/LeventeLantos/paired-messaging/internal/planner"
	"github.com/LeventeLantos/paired-messaging/internal/presence"
	"github.com/LeventeLantos/paired-messaging/internal/queue"
	"github.com/LeventeLantos/paired-messaging/internal/repo"
	"github.com/LeventeLantos/paired-messaging/internal/retention"
	"github.com/LeventeLantos/paired-messaging/internal/scanner"
	"github.com/LeventeLantos/paired-messaging/internal/scheduler"
	"github.com/LeventeLantos/paired-messaging/internal/service"
	"github.com/LeventeLantos/paired-messaging/internal/users"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(logger.Config{Level: cfg.Logging.Level, File: cfg.Logging.File})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("messaging app stopped with error", zap.Error(err))
	}
	zl.Info("messaging app stopped")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	zl.Info("messaging app starting",
		zap.String("addr", cfg.Server.Address),
		zap.String("store", cfg.Database.StoreDriver),
		zap.String("chat", cfg.Database.ChatBackend),
		zap.Duration("scan_interval", cfg.Scanner.Interval),
		zap.Int("batch", cfg.Scanner.BatchSize),
		zap.Int("workers", cfg.Consumer.Workers),
	)

	var db *sql.DB
	if cfg.Database.PostgresURL != "" {
		var err error
		db, err = dbpostgres.Open(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := dbpostgres.Migrate(ctx, db); err != nil {
			return err
		}
	}

	store, err := newStore(cfg, db)
	if err != nil {
		return err
	}

	dir, closeDir, err := newDirectory(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeDir()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	q := queue.NewRedisQueue(rdb, queue.Options{
		Name:          cfg.Queue.Name,
		TTL:           cfg.Queue.TTL,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
		Visibility:    cfg.Queue.Visibility,
		RetryDelay:    cfg.Queue.RetryDelay,
	}, zl)

	lookup, err := newUserLookup(cfg, db)
	if err != nil {
		return err
	}

	pl := planner.New(lookup, store, zl)
	sc := scanner.New(store, q, scanner.Config{
		BatchSize:      cfg.Scanner.BatchSize,
		MaxRetries:     cfg.Scanner.MaxRetries,
		ReconcileStale: cfg.Scanner.ReconcileStale,
	}, zl)
	sweeper := retention.NewSweeper(store, cfg.Retention.Window, zl)
	consumer := service.NewConsumer(store, dir, newPresence(cfg, rdb), cache.NewRedisCache(rdb, cfg.Redis.TTL), service.Options{
		MaxRetries: cfg.Scanner.MaxRetries,
		WarnAfter:  cfg.Consumer.WarnAfter,
	}, zl)

	scanSched, err := scheduler.New("scanner", cfg.Scanner.Interval, sc.Tick, zl)
	if err != nil {
		return err
	}
	reconcileSched, err := scheduler.New("reconciler", cfg.Scanner.ReconcileInterval, sc.ReconcileTick, zl)
	if err != nil {
		return err
	}
	maintainSched, err := scheduler.New("queue-maintenance", cfg.Queue.MaintenanceInterval, func(ctx context.Context) {
		promoted, requeued, err := q.Maintain(ctx)
		if err != nil {
			zl.Warn("queue maintenance failed", zap.Error(err))
			return
		}
		if promoted > 0 || requeued > 0 {
			zl.Info("queue maintenance", zap.Int("promoted", promoted), zap.Int("requeued", requeued))
		}
	}, zl)
	if err != nil {
		return err
	}

	crons := scheduler.NewCron(cfg.Planner.Location, zl)
	if err := crons.Add("planner", cfg.Planner.Cron, func(ctx context.Context) {
		if _, err := pl.Run(ctx); err != nil {
			zl.Error("planner run failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	if err := crons.Add("retention", cfg.Retention.Cron, sweeper.Tick); err != nil {
		return err
	}

	for _, s := range []*scheduler.Scheduler{scanSched, reconcileSched, maintainSched} {
		s.Start()
		defer s.Stop()
	}
	crons.Start()
	defer crons.Stop()

	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.Router(api.NewHandler(api.Deps{
			Scanner:    scanSched,
			ScanStatus: sc.Status,
			Store:      store,
			Queue:      q,
			Planner:    pl,
			Retention:  sweeper,
			Consumer:   consumer.Stats,
			Log:        zl,
		})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Consumer.Workers; i++ {
		g.Go(func() error {
			return q.Consume(gctx, consumer.Handle)
		})
	}
	g.Go(func() error {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newStore(cfg *config.Config, db *sql.DB) (repo.ScheduledRepository, error) {
	switch cfg.Database.StoreDriver {
	case config.DriverMemory:
		return repo.NewMemoryScheduledRepo(), nil
	case config.DriverPostgres:
		if db == nil {
			return nil, errors.New("postgres store requires POSTGRES_URL")
		}
		return repo.NewPostgresScheduledRepo(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Database.StoreDriver)
	}
}

func newDirectory(ctx context.Context, cfg *config.Config, db *sql.DB) (chat.Directory, func(), error) {
	noop := func() {}
	switch cfg.Database.ChatBackend {
	case config.DriverMemory:
		return chat.NewMemoryDirectory(), noop, nil
	case config.DriverPostgres:
		if db == nil {
			return nil, noop, errors.New("postgres chat backend requires POSTGRES_URL")
		}
		return chat.NewPostgresDirectory(db), noop, nil
	case config.DriverMongo:
		mc, err := dbmongo.NewMongoConnection(ctx, cfg.Mongo)
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mc.Close(ctx)
		}
		dir := chat.NewMongoDirectory(mc.Database)
		if err := dir.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, noop, err
		}
		return dir, closeFn, nil
	default:
		return nil, noop, fmt.Errorf("unknown chat backend %q", cfg.Database.ChatBackend)
	}
}

func newUserLookup(cfg *config.Config, db *sql.DB) (users.Lookup, error) {
	if cfg.Users.Static != "" {
		return users.ParseStatic(cfg.Users.Static), nil
	}
	if db == nil {
		return nil, errors.New("no user source: set STATIC_USERS or POSTGRES_URL")
	}
	return users.NewPostgresLookup(db), nil
}

func newPresence(cfg *config.Config, rdb *redis.Client) presence.Gateway {
	switch cfg.Presence.Backend {
	case config.PresenceWebhook:
		return presence.NewWebhookGateway(cfg.Presence.WebhookURL)
	case config.PresenceRedis:
		return presence.NewRedisGateway(rdb, cfg.Presence.ChannelPrefix)
	default:
		return presence.Noop{}
	}
}
