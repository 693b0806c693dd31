package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-calls/internal/config"
	"github.com/example/ride-calls/internal/logging"
	"github.com/example/ride-calls/internal/notify"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_consumer_messages_consumed_total",
		Help: "Total notification records consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_consumer_messages_invalid_total",
		Help: "Total records that could not be decoded",
	})
	msgsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_consumer_messages_duplicate_total",
		Help: "Total records skipped as already delivered",
	})
	noTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_consumer_no_tokens_total",
		Help: "Total records for users without registered devices",
	})
	pushDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_consumer_delivered_total",
		Help: "Total notifications accepted by the push endpoint",
	})
	pushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_consumer_errors_total",
		Help: "Total notifications that failed after all retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsDuplicate, noTokens, pushDelivered, pushErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "push-consumer: config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "push-consumer: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.ConsumerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	w := &worker{
		tokens:   &redisTokens{c: rc, ttl: cfg.DedupeTTL},
		pusher:   notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey),
		attempts: cfg.DeliveryAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check redis connectivity
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("consumer listening",
			zap.String("topic", cfg.KafkaTopic), zap.Strings("brokers", cfg.KafkaBrokers), zap.String("group", cfg.KafkaGroup))
		consume(gctx, r, w, logger)
		return nil
	})
	return g.Wait()
}

func consume(ctx context.Context, r *kafka.Reader, w *worker, logger *zap.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		w.handle(ctx, m.Value)
	}
}

// TokenStore is the subset of redis operations the worker needs.
type TokenStore interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
	// Claim records id as in flight; false means another delivery already owns it.
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Pusher delivers a notification to a user's devices.
type Pusher interface {
	Deliver(ctx context.Context, userID string, tokens []string, n notify.Notification) error
}

type redisTokens struct {
	c   *redis.Client
	ttl time.Duration
}

func (r *redisTokens) Tokens(ctx context.Context, userID string) ([]string, error) {
	return r.c.SMembers(ctx, "push:tokens:"+userID).Result()
}

func (r *redisTokens) Claim(ctx context.Context, id string) (bool, error) {
	return r.c.SetNX(ctx, "push:sent:"+id, 1, r.ttl).Result()
}

func (r *redisTokens) Release(ctx context.Context, id string) error {
	return r.c.Del(ctx, "push:sent:"+id).Err()
}

type worker struct {
	tokens   TokenStore
	pusher   Pusher
	attempts int
	delay    time.Duration
	logger   *zap.Logger
}

// handle processes one notification record. Failures are counted and logged;
// the record is never retried through kafka.
func (w *worker) handle(ctx context.Context, value []byte) {
	msgsConsumed.Inc()

	var rec notify.Record
	if err := json.Unmarshal(value, &rec); err != nil || rec.UserID == "" {
		msgsInvalid.Inc()
		w.logger.Warn("invalid notification record", zap.Error(err))
		return
	}
	log := w.logger.With(zap.String("user_id", rec.UserID), zap.String("record_id", rec.ID))

	if rec.ID != "" {
		fresh, err := w.tokens.Claim(ctx, rec.ID)
		if err != nil {
			log.Warn("dedupe check failed, delivering anyway", zap.Error(err))
		} else if !fresh {
			msgsDuplicate.Inc()
			return
		}
	}

	tokens, err := w.tokens.Tokens(ctx, rec.UserID)
	if err != nil {
		pushErrors.Inc()
		log.Error("token lookup failed", zap.Error(err))
		w.release(ctx, rec.ID, log)
		return
	}
	if len(tokens) == 0 {
		noTokens.Inc()
		log.Info("no registered devices, dropping notification")
		return
	}

	if err := deliverWithRetry(ctx, w.pusher, rec, tokens, w.attempts, w.delay); err != nil {
		pushErrors.Inc()
		log.Error("push delivery failed", zap.Error(err))
		w.release(ctx, rec.ID, log)
		return
	}
	pushDelivered.Inc()
}

func (w *worker) release(ctx context.Context, id string, log *zap.Logger) {
	if id == "" {
		return
	}
	if err := w.tokens.Release(ctx, id); err != nil {
		log.Warn("release dedupe key failed", zap.Error(err))
	}
}

// deliverWithRetry pushes rec with exponential backoff between attempts.
func deliverWithRetry(ctx context.Context, p Pusher, rec notify.Record, tokens []string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = p.Deliver(ctx, rec.UserID, tokens, rec.Notification); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
