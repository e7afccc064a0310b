// Command creditledgerd serves the credit ledger HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/api"
	"github.com/ineyio/creditledger/generator/webhook"
	"github.com/ineyio/creditledger/idempotency"
	idemredis "github.com/ineyio/creditledger/idempotency/redis"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/store/memory"
	"github.com/ineyio/creditledger/store/postgres"
	"github.com/ineyio/creditledger/store/sqlite"
)

func main() {
	configPath := flag.String("config", "creditledger.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := cl.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("creditledgerd exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg cl.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg cl.Config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	idem, closeIdem, err := openIdempotency(ctx, cfg.Idempotency)
	if err != nil {
		return err
	}
	defer closeIdem()

	m := meter.Multi{
		meter.NewLogMeter(logger),
		meter.NewPrometheusMeter(prometheus.DefaultRegisterer),
	}

	opts := []cl.BrokerOption{
		cl.WithMeter(m),
		cl.WithLogger(logger),
		cl.WithPolicies(cfg.Policies()),
		cl.WithCost(cfg.Generation.Cost),
		cl.WithTimeout(cfg.Generation.Timeout),
		cl.WithReservationTTL(cfg.Generation.ReservationTTL),
	}
	if cfg.Generation.WebhookURL != "" {
		var whOpts []webhook.Option
		for k, v := range cfg.Generation.WebhookHeaders {
			whOpts = append(whOpts, webhook.WithHeader(k, v))
		}
		if cfg.Generation.WebhookSigningKey != "" {
			key, err := webhook.ParseSigningKey(cfg.Generation.WebhookSigningKey)
			if err != nil {
				return err
			}
			whOpts = append(whOpts, webhook.WithSigningKey(key))
		}
		opts = append(opts, cl.WithGenerator(webhook.New(cfg.Generation.WebhookURL, whOpts...)))
	}

	broker, err := cl.NewGenerationBroker(store, opts...)
	if err != nil {
		return err
	}
	engine := cl.NewAllocationEngine(store, cl.WithAllocationMeter(m))
	audit := cl.NewAuditLog(store)

	sweeper := cl.NewSweeper(broker,
		cl.WithSweepInterval(cfg.Generation.SweepInterval),
		cl.WithSweepBatch(cfg.Generation.SweepBatch),
	)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	handler, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Store:        store,
		Engine:       engine,
		Broker:       broker,
		Audit:        audit,
		Idempotency:  idem,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg cl.StoreConfig) (cl.LedgerStore, error) {
	switch cfg.Driver {
	case "postgres":
		var opts []postgres.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		s, err := postgres.Open(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN)
	default:
		return memory.New(), nil
	}
}

func openIdempotency(ctx context.Context, cfg cl.IdempotencyConfig) (idempotency.Store, func(), error) {
	if cfg.Driver != "redis" {
		return idempotency.NewMemoryStore(cfg.TTL), func() {}, nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	s := idemredis.New(client, idemredis.WithKeyPrefix(cfg.KeyPrefix), idemredis.WithTTL(cfg.TTL))
	return s, func() { client.Close() }, nil
}
