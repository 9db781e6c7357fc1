package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/microloan/pkg/config"
	"github.com/mcclellann/microloan/pkg/directory"
	"github.com/mcclellann/microloan/pkg/docstore"
	"github.com/mcclellann/microloan/pkg/events"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/logger"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logCfg.Output = cfg.Log.Output
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = connectRedis(ctx, cfg.Redis, log)
		if cache != nil {
			defer cache.Close()
		}
	}

	var sink events.Sink = events.NewLogSink(log)
	if cache != nil && cfg.Events.RedisEnabled {
		sink = events.Multi{sink, events.NewRedisSink(cache, cfg.Events.RedisChannel)}
	}

	source := directory.StaticSource{Branches: cfg.Directory.Branches, Employees: cfg.Directory.Employees}
	resolver := directory.NewResolver(source, cache, cfg.Redis.DirectoryTTL, log)

	var docs docstore.Store = docstore.NewMemoryStore()
	if cfg.Storage.Enabled {
		s3Store, err := docstore.NewS3Store(ctx, docstore.S3Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UsePathStyle:    cfg.Storage.UsePathStyle,
		}, docstore.WithLogger(log))
		if err != nil {
			return fmt.Errorf("failed to initialize document storage: %w", err)
		}
		docs = s3Store
	} else {
		log.Warn("document storage disabled, uploads are kept in memory")
	}

	storage, err := openStorage(cfg.Database, log)
	if err != nil {
		return err
	}
	l := ledger.NewLedger(storage,
		ledger.WithOptions(ledgerOptions(cfg.Loan)),
		ledger.WithLogger(log),
		ledger.WithEventSink(sink),
		ledger.WithDirectory(resolver),
		ledger.WithDocumentStore(docs),
	)
	server := NewServer(l, storage, log)
	defer func() {
		if err := server.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()

	if cfg.Scheduler.Enabled {
		go runOverdueScheduler(ctx, l, cfg.Scheduler.OverdueInterval, log)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", httpServer.Addr), zap.String("env", cfg.App.Env))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStorage(cfg config.DatabaseConfig, log *zap.Logger) (store.Storage, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using in-memory storage, data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		s, err := store.NewSQLiteStore(cfg.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		return s, nil
	}
}

// connectRedis returns nil when the server cannot be reached; the cache and
// the event channel are optional.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, continuing without it", zap.String("addr", cfg.Addr), zap.Error(err))
		client.Close()
		return nil
	}
	return client
}

func ledgerOptions(cfg config.LoanConfig) ledger.Options {
	opts := ledger.DefaultOptions()
	opts.MaxDebtToIncome = decimal.NewFromFloat(cfg.MaxDebtToIncome)
	opts.MaxActiveApplications = cfg.MaxActiveApplications
	opts.MonthlyPenaltyRate = decimal.NewFromFloat(cfg.MonthlyPenaltyRate)
	opts.GuaranteeRate = decimal.NewFromFloat(cfg.GuaranteeRate)
	opts.OverpaymentPolicy = ledger.OverpaymentPolicy(cfg.OverpaymentPolicy)
	for name, p := range cfg.Products {
		opts.Products[models.LoanType(name)] = ledger.Product{
			DefaultInterestRate: decimal.NewFromFloat(p.DefaultInterestRate),
			GuaranteeRate:       decimal.NewFromFloat(p.GuaranteeRate),
		}
	}
	return opts
}

// runOverdueScheduler scans once at startup and then on every tick.
func runOverdueScheduler(ctx context.Context, l *ledger.Ledger, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.ScanOverdue(ctx); err != nil && ctx.Err() == nil {
			log.Error("overdue scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
