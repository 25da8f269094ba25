// Package config loads the control plane configuration from the environment.
// All thresholds are configuration, not constants: the monitoring loop refuses
// to start on an invalid set (fail fast, before any goroutine spawns).
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/wardenhq/warden/control_plane/resilience"
)

// HealthWeights are the sub-score weights of the health scorer. They must sum
// to 1.0.
type HealthWeights struct {
	Heartbeat   float64
	Performance float64
	ErrorRate   float64
	Resource    float64
	Business    float64
}

// Config is the full control plane configuration surface.
type Config struct {
	// Serving
	ListenAddr string
	AuthToken  string

	// Store selection
	StoreBackend  string // "memory", "redis", "postgres"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	// Liveness
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration // default 4x heartbeat interval

	// Coordinator loop
	EvalInterval       time.Duration
	AgentEvalTimeout   time.Duration
	MaxConcurrentEvals int

	// Scoring windows
	HeartbeatLookback time.Duration
	MetricLookback    time.Duration
	Weights           HealthWeights
	TrendBand         float64 // score delta beyond which trend is not "stable"
	CPUCeiling        float64 // percent
	MemoryCeiling     float64 // percent

	// Anomaly detection
	AnomalyMinSamples int
	AnomalyWindow     int

	// Issue detection
	ErrorCeiling   int64   // error_count delta per window considered a spike
	DegradedScore  float64 // below this + degrading trend => performance_degradation
	GenericScore   float64 // below this with no specific match => generic
	RecoveryCooldown time.Duration

	// Recovery execution
	ActionTimeout  time.Duration
	RestartTimeout time.Duration

	// Retention
	RetentionWindow time.Duration
	JanitorInterval time.Duration
}

// Load reads the configuration from the environment, applying defaults, and
// validates it. A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:    envString("WARDEN_LISTEN_ADDR", ":8080"),
		AuthToken:     os.Getenv("WARDEN_AUTH_TOKEN"),
		StoreBackend:  envString("WARDEN_STORE", "memory"),
		RedisAddr:     envString("WARDEN_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("WARDEN_REDIS_PASSWORD"),
		RedisDB:       envInt("WARDEN_REDIS_DB", 0),
		PostgresDSN:   os.Getenv("WARDEN_POSTGRES_DSN"),

		HeartbeatInterval: envDuration("WARDEN_HEARTBEAT_INTERVAL", 30*time.Second),
		StaleThreshold:    envDuration("WARDEN_STALE_THRESHOLD", 0),

		EvalInterval:       envDuration("WARDEN_EVAL_INTERVAL", 30*time.Second),
		AgentEvalTimeout:   envDuration("WARDEN_AGENT_EVAL_TIMEOUT", 10*time.Second),
		MaxConcurrentEvals: envInt("WARDEN_MAX_CONCURRENT_EVALS", 8),

		HeartbeatLookback: envDuration("WARDEN_HEARTBEAT_LOOKBACK", 5*time.Minute),
		MetricLookback:    envDuration("WARDEN_METRIC_LOOKBACK", time.Hour),
		Weights: HealthWeights{
			Heartbeat:   envFloat("WARDEN_WEIGHT_HEARTBEAT", 0.30),
			Performance: envFloat("WARDEN_WEIGHT_PERFORMANCE", 0.25),
			ErrorRate:   envFloat("WARDEN_WEIGHT_ERROR_RATE", 0.20),
			Resource:    envFloat("WARDEN_WEIGHT_RESOURCE", 0.15),
			Business:    envFloat("WARDEN_WEIGHT_BUSINESS", 0.10),
		},
		TrendBand:     envFloat("WARDEN_TREND_BAND", 5.0),
		CPUCeiling:    envFloat("WARDEN_CPU_CEILING", 90.0),
		MemoryCeiling: envFloat("WARDEN_MEMORY_CEILING", 90.0),

		AnomalyMinSamples: envInt("WARDEN_ANOMALY_MIN_SAMPLES", 5),
		AnomalyWindow:     envInt("WARDEN_ANOMALY_WINDOW", 20),

		ErrorCeiling:     int64(envInt("WARDEN_ERROR_CEILING", 10)),
		DegradedScore:    envFloat("WARDEN_DEGRADED_SCORE", 50),
		GenericScore:     envFloat("WARDEN_GENERIC_SCORE", 70),
		RecoveryCooldown: envDuration("WARDEN_RECOVERY_COOLDOWN", time.Hour),

		ActionTimeout:  envDuration("WARDEN_ACTION_TIMEOUT", 60*time.Second),
		RestartTimeout: envDuration("WARDEN_RESTART_TIMEOUT", 120*time.Second),

		RetentionWindow: envDuration("WARDEN_RETENTION_WINDOW", 30*24*time.Hour),
		JanitorInterval: envDuration("WARDEN_JANITOR_INTERVAL", time.Hour),
	}

	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 4 * cfg.HeartbeatInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the monitoring loop depends on.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("%w: unknown store backend %q", resilience.ErrConfiguration, c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("%w: postgres backend requires WARDEN_POSTGRES_DSN", resilience.ErrConfiguration)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", resilience.ErrConfiguration)
	}
	if c.StaleThreshold < c.HeartbeatInterval {
		return fmt.Errorf("%w: stale threshold %v below heartbeat interval %v",
			resilience.ErrConfiguration, c.StaleThreshold, c.HeartbeatInterval)
	}
	if c.EvalInterval <= 0 || c.AgentEvalTimeout <= 0 {
		return fmt.Errorf("%w: coordinator intervals must be positive", resilience.ErrConfiguration)
	}
	if c.MaxConcurrentEvals < 1 {
		return fmt.Errorf("%w: max concurrent evals must be >= 1", resilience.ErrConfiguration)
	}
	sum := c.Weights.Heartbeat + c.Weights.Performance + c.Weights.ErrorRate +
		c.Weights.Resource + c.Weights.Business
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: health weights sum to %.4f, want 1.0", resilience.ErrConfiguration, sum)
	}
	if c.AnomalyMinSamples < 2 {
		return fmt.Errorf("%w: anomaly min samples must be >= 2", resilience.ErrConfiguration)
	}
	if c.AnomalyWindow < c.AnomalyMinSamples {
		return fmt.Errorf("%w: anomaly window %d below min samples %d",
			resilience.ErrConfiguration, c.AnomalyWindow, c.AnomalyMinSamples)
	}
	if c.ActionTimeout <= 0 || c.RestartTimeout <= 0 {
		return fmt.Errorf("%w: action timeouts must be positive", resilience.ErrConfiguration)
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("%w: retention window must be positive", resilience.ErrConfiguration)
	}
	return nil
}

// UnresponsiveAfter is the gap after which an agent is considered
// unresponsive: 2x the heartbeat interval.
func (c *Config) UnresponsiveAfter() time.Duration {
	return 2 * c.HeartbeatInterval
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
