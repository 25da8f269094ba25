package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/control_plane/anomaly"
	"github.com/wardenhq/warden/control_plane/config"
	"github.com/wardenhq/warden/control_plane/detect"
	"github.com/wardenhq/warden/control_plane/health"
	"github.com/wardenhq/warden/control_plane/middleware"
	"github.com/wardenhq/warden/control_plane/monitor"
	"github.com/wardenhq/warden/control_plane/recovery"
	"github.com/wardenhq/warden/control_plane/resilience"
	"github.com/wardenhq/warden/control_plane/store"
	"github.com/wardenhq/warden/control_plane/streaming"
)

func generateUUID() string {
	return uuid.NewString()
}

// buildStore selects the backend. Every backend doubles as the Locker for
// recovery serialization.
func buildStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, store.Locker, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis store")
		return rs, rs, func() { _ = rs.Close() }, nil
	case "postgres":
		ps, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Msg("using postgres store")
		return ps, ps, ps.Close, nil
	default:
		ms := store.NewMemoryStore()
		log.Info().Msg("using in-memory store (single node)")
		return ms, ms, func() {}, nil
	}
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "warden-control-plane").Logger()
	if os.Getenv("WARDEN_LOG_PRETTY") == "true" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		// Fail fast on configuration errors, before any goroutine spawns.
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, locker, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store init failed")
	}
	defer closeStore()

	publisher := streaming.NewLogPublisher(log)
	defer publisher.Close()

	supervisor := monitor.NewSupervisor(s, nil, log)
	defer supervisor.Shutdown()

	engine := recovery.NewEngine(s, locker, supervisor, publisher, resilience.DefaultRetryPolicy(), recovery.Config{
		Cooldown:       cfg.RecoveryCooldown,
		ActionTimeout:  cfg.ActionTimeout,
		RestartTimeout: cfg.RestartTimeout,
	}, log)

	scorer := health.NewScorer(health.Weights{
		Heartbeat:   cfg.Weights.Heartbeat,
		Performance: cfg.Weights.Performance,
		ErrorRate:   cfg.Weights.ErrorRate,
		Resource:    cfg.Weights.Resource,
		Business:    cfg.Weights.Business,
	}, cfg.TrendBand)
	anomalies := anomaly.NewDetector(cfg.AnomalyMinSamples, cfg.AnomalyWindow)
	classifier := detect.NewDetector(detect.Config{
		UnresponsiveAfter: cfg.UnresponsiveAfter(),
		ErrorCeiling:      cfg.ErrorCeiling,
		DegradedScore:     cfg.DegradedScore,
		GenericScore:      cfg.GenericScore,
	})

	tracker := monitor.NewStoreErrorTracker()
	coordinator := monitor.NewCoordinator(cfg, s, scorer, anomalies, classifier, engine, supervisor, tracker, log)
	coordinator.Start(ctx)

	janitor := monitor.NewJanitor(s, cfg.RetentionWindow, cfg.JanitorInterval, log)
	janitor.Start(ctx)

	hub := NewEventHub(s, 2*time.Second, log)
	go hub.Run(ctx)

	api := NewAPI(cfg, s, coordinator, tracker, hub, log)
	mux := api.Routes()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", &healthzHandler{store: s})

	handler := middleware.CORS(middleware.Auth(cfg.AuthToken, mux))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("backend", cfg.StoreBackend).
		Dur("eval_interval", cfg.EvalInterval).
		Msg("control plane listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server failed")
	}
	log.Info().Msg("control plane stopped")
}
