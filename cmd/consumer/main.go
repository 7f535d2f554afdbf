package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ridepool/internal/config"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/logging"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/presence"
)

var (
	pingsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "positions_consumer_pings_total",
		Help: "Position pings read from the ingest topic by outcome",
	}, []string{"outcome"})
	presenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "positions_consumer_presence_writes_total",
		Help: "Presence index writes by role and result",
	}, []string{"role", "result"})
)

func init() {
	prometheus.MustRegister(pingsConsumed, presenceWrites)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	index := presence.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.PresenceTTL)

	ops := opsServer(cfg.MetricsAddr, rc)
	go func() {
		logger.Info("ops server listening", "addr", cfg.MetricsAddr)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("ops server stopped", "err", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	defer r.Close()

	logger.Info("position consumer started", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroup, "presence_ttl", cfg.PresenceTTL)
	consume(ctx, r, index, cfg, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
	logger.Info("position consumer stopped")
}

// opsServer exposes metrics plus liveness and a readiness check against
// the presence store.
func opsServer(addr string, rc *redis.Client) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// positionApplier is satisfied by *presence.RedisIndex.
type positionApplier interface {
	Apply(ctx context.Context, p models.PositionPing) error
}

func consume(ctx context.Context, r messageReader, dst positionApplier, cfg config.ConsumerConfig, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("ingest read failed", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		p, err := decodePing(m.Value)
		if err != nil {
			pingsConsumed.WithLabelValues("invalid").Inc()
			logger.Debug("dropping malformed ping", "key", string(m.Key), "offset", m.Offset, "err", err)
			continue
		}
		pingsConsumed.WithLabelValues("ok").Inc()

		if err := applyWithRetry(ctx, dst, p, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			presenceWrites.WithLabelValues(string(p.Role), "error").Inc()
			logger.Warn("presence write failed", "subject_id", p.SubjectID, "role", p.Role, "err", err)
			continue
		}
		presenceWrites.WithLabelValues(string(p.Role), "ok").Inc()
	}
}

func decodePing(b []byte) (models.PositionPing, error) {
	var p models.PositionPing
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.SubjectID == "" || !p.Role.Valid() {
		return p, errors.New("subject_id and a valid role are required")
	}
	if p.Online {
		if err := geo.Validate(p.Position); err != nil {
			return p, err
		}
	}
	return p, nil
}

// applyWithRetry writes the ping with retry and doubling backoff.
func applyWithRetry(ctx context.Context, dst positionApplier, p models.PositionPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = dst.Apply(ctx, p); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
