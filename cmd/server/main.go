package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridepool/internal/config"
	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/eta"
	httpapi "github.com/example/ridepool/internal/http"
	"github.com/example/ridepool/internal/ingest"
	"github.com/example/ridepool/internal/logging"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/payments"
	"github.com/example/ridepool/internal/presence"
	"github.com/example/ridepool/internal/ride"
	"github.com/example/ridepool/internal/routing"
	"github.com/example/ridepool/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	var providers []routing.Provider
	if cfg.GoogleMapsAPIKey != "" {
		g, err := routing.NewGoogleMaps(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		providers = append(providers, g)
	}
	var osrm *routing.OSRMClient
	if cfg.OSRMEndpoint != "" {
		osrm = routing.NewOSRMClient(cfg.OSRMEndpoint)
		providers = append(providers, osrm)
	}
	chain := routing.NewChain(logger, providers...)

	svc := ride.NewService(store, cfg.RideConfig(), logger)
	if len(chain.Providers) > 0 {
		svc.Routes = chain
	} else {
		logger.Warn("no routing provider configured; bookings use straight-line estimates and pooling is unavailable")
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	idx := presence.NewIndex(cfg.PresenceTTL)
	ranker := &matcher.Ranker{
		Geo:             idx,
		RadiusKm:        cfg.DispatchRadiusKm,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
		ETACache:        eta.NewCache(cfg.ETACacheTTL),
	}
	if osrm != nil {
		ranker.ETAClient = osrm
	}

	hub := dispatch.NewHub(logger)
	deliver := &dispatch.Deliverer{Hub: hub}
	if cfg.PushEndpoint != "" {
		deliver.Push = dispatch.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	}
	coord := dispatch.NewCoordinator(idx, deliver, logger)
	coord.Ranker = ranker
	coord.RadiusKm = cfg.DispatchRadiusKm
	coord.SearchTimeout = cfg.SearchTimeout

	var sinks dispatch.PositionSinks
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		sinks = append(sinks, presence.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.PresenceTTL))
	}
	events := ride.MultiSink{coord, &dispatch.Relay{Hub: hub, Notifier: deliver, Logger: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionTopic)
		closers = append(closers, kp.Close)
		sinks = append(sinks, dispatch.PositionSinkFunc(kp.PublishPosition))

		ep := ingest.NewEventPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic, logger)
		closers = append(closers, ep.Close)
		events = append(events, ep)
	}
	if len(sinks) > 0 {
		coord.Positions = sinks
	}
	svc.Events = events

	go coord.Run(ctx, 0)

	var places routing.Provider
	if len(chain.Providers) > 0 {
		places = chain
	}
	api := httpapi.NewServer(svc, coord, hub, places, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ridepool listening", "addr", cfg.HTTPAddr)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RideStore, func() error, error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory ride store")
		return storage.NewMemoryStore(), nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ps, err := storage.NewPostgresStore(connectCtx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(cfg.MigrationPath)
		if err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		if err := ps.Migrate(connectCtx, string(b)); err != nil {
			_ = ps.Close()
			return nil, nil, err
		}
		logger.Info("migration applied", "path", cfg.MigrationPath)
	}
	return ps, ps.Close, nil
}
