package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-calls/internal/calls"
	"github.com/example/ride-calls/internal/config"
	"github.com/example/ride-calls/internal/gateway"
	httpapi "github.com/example/ride-calls/internal/http"
	"github.com/example/ride-calls/internal/ingest"
	"github.com/example/ride-calls/internal/logging"
	"github.com/example/ride-calls/internal/notify"
	"github.com/example/ride-calls/internal/presence"
	"github.com/example/ride-calls/internal/relay"
	"github.com/example/ride-calls/internal/session"
	"github.com/example/ride-calls/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ride-calls: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store storage.CallStore
		ready func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				return err
			}
		}
		store = ps
		ready = func(ctx context.Context) error { return ps.DB().PingContext(ctx) }
	} else {
		logger.Warn("PG_DSN not set, call records are kept in memory")
		store = storage.NewMemoryStore()
	}

	var (
		push    notify.Notifier
		options []calls.Option
	)
	switch {
	case len(cfg.KafkaBrokers) > 0:
		notifications := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		events := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer notifications.Close()
		defer events.Close()
		push = notify.KafkaNotifier{Publisher: notifications}
		options = append(options, calls.WithEvents(events))
	case cfg.PushEndpoint != "":
		push = notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	default:
		push = notify.LogNotifier{Logger: logger}
	}
	fallback := notify.NewAsync(push, cfg.NotifyWorkers, cfg.NotifyQueue, logger)
	defer fallback.Close()

	users := presence.NewRegistry()
	sessions := session.NewRegistry()
	rel := relay.New(users, logger)
	machine := calls.NewMachine(store, rel, fallback, logger, options...)
	gw := gateway.New(users, sessions, machine, rel, gateway.Config{
		MaxConnections: cfg.WSMaxConnections,
		PingInterval:   cfg.WSPingInterval,
		WriteTimeout:   cfg.WSWriteTimeout,
		RingTimeout:    cfg.CallRingTimeout,
	}, logger)

	api := httpapi.NewServer(store, sessions, http.HandlerFunc(gw.ServeWS), logger)
	api.Ready = ready

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-calls listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *zap.Logger) error {
	name := "001_create_calls.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	logger.Info("migration applied", zap.String("file", name))
	return nil
}
