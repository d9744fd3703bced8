// Package config provides the console configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, the durable store path, the backend and realtime endpoints, the
// cross-session sync transport, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "ops-console")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BackendConfig points at the dispatch REST backend.
type BackendConfig struct {
	BaseURL string        // BACKEND_URL
	Timeout time.Duration // BACKEND_TIMEOUT, per request
}

// RealtimeConfig controls the websocket client and its reconnect policy.
type RealtimeConfig struct {
	URL          string        // REALTIME_URL; empty disables push updates
	MaxAttempts  int           // REALTIME_MAX_ATTEMPTS, dials per outage
	BaseDelay    time.Duration // REALTIME_BASE_DELAY, first backoff step
	MaxDelay     time.Duration // REALTIME_MAX_DELAY, backoff cap
	PingInterval time.Duration // REALTIME_PING_INTERVAL

	// REALTIME_RETRY_INTERVAL: after giving up, start a fresh dial cycle this
	// often; 0 leaves recovery to POST /realtime/reconnect.
	RetryInterval time.Duration
}

// SyncConfig selects how sessions sharing one store learn about each other's writes.
type SyncConfig struct {
	Transport    string        // auto|local|amqp|storage
	AMQPURL      string        // AMQP_URL
	Exchange     string        // SYNC_EXCHANGE (fanout)
	SignalPoll   time.Duration // SYNC_SIGNAL_POLL, storage fallback poll interval
	Origin       string        // SYNC_ORIGIN, empty = random per process
	PollInterval time.Duration // POLL_INTERVAL, fallback refresh period
	TriggerRPS   float64       // POLL_TRIGGER_RPS, manual refresh throttle
}

// Config holds all configuration values for the console.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Store
	DBPath    string // SQLite path shared by sessions on this host
	DBTracing bool   // GORM OpenTelemetry plugin

	// Session
	SessionToken    string        // SESSION_TOKEN (JWT issued by auth)
	MutationTimeout time.Duration // optimistic commit deadline
	Zones           []string      // DISPATCH_ZONES, one orders:zone:<z> room each
	AlertCapacity   int           // ALERT_CAPACITY

	Backend  BackendConfig
	Realtime RealtimeConfig
	Sync     SyncConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DBPath:    getenv("DB_PATH", "console.db"),
		DBTracing: getbool("DB_TRACING", false),

		// Session
		SessionToken:    getenv("SESSION_TOKEN", ""),
		MutationTimeout: getdur("MUTATION_TIMEOUT", 10*time.Second),
		Zones:           splitCSV(getenv("DISPATCH_ZONES", "")),
		AlertCapacity:   getint("ALERT_CAPACITY", 100),

		Backend: BackendConfig{
			BaseURL: strings.TrimRight(getenv("BACKEND_URL", "http://localhost:3000/api"), "/"),
			Timeout: getdur("BACKEND_TIMEOUT", 8*time.Second),
		},
		Realtime: RealtimeConfig{
			URL:           getenv("REALTIME_URL", ""),
			MaxAttempts:   getint("REALTIME_MAX_ATTEMPTS", 5),
			BaseDelay:     getdur("REALTIME_BASE_DELAY", time.Second),
			MaxDelay:      getdur("REALTIME_MAX_DELAY", 30*time.Second),
			PingInterval:  getdur("REALTIME_PING_INTERVAL", 25*time.Second),
			RetryInterval: getdur("REALTIME_RETRY_INTERVAL", 2*time.Minute),
		},
		Sync: SyncConfig{
			Transport:    strings.ToLower(getenv("SYNC_TRANSPORT", "auto")),
			AMQPURL:      getenv("AMQP_URL", ""),
			Exchange:     getenv("SYNC_EXCHANGE", "console.sync"),
			SignalPoll:   getdur("SYNC_SIGNAL_POLL", 500*time.Millisecond),
			Origin:       getenv("SYNC_ORIGIN", ""),
			PollInterval: getdur("POLL_INTERVAL", 30*time.Second),
			TriggerRPS:   getfloat("POLL_TRIGGER_RPS", 1.0),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "ops-console"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MutationTimeout <= 0 {
		return cfg, errors.New("MUTATION_TIMEOUT must be > 0")
	}
	if cfg.AlertCapacity < 1 {
		return cfg, errors.New("ALERT_CAPACITY must be >= 1")
	}
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return cfg, errors.New("BACKEND_URL must not be empty")
	}
	if cfg.Backend.Timeout <= 0 {
		return cfg, errors.New("BACKEND_TIMEOUT must be > 0")
	}
	if cfg.Realtime.MaxAttempts < 1 {
		return cfg, errors.New("REALTIME_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Realtime.BaseDelay <= 0 || cfg.Realtime.MaxDelay < cfg.Realtime.BaseDelay {
		return cfg, errors.New("REALTIME_BASE_DELAY must be > 0 and <= REALTIME_MAX_DELAY")
	}
	if cfg.Realtime.PingInterval <= 0 {
		return cfg, errors.New("REALTIME_PING_INTERVAL must be > 0")
	}
	if cfg.Realtime.RetryInterval < 0 {
		return cfg, errors.New("REALTIME_RETRY_INTERVAL must be >= 0")
	}
	switch cfg.Sync.Transport {
	case "auto", "local", "storage":
	case "amqp":
		if strings.TrimSpace(cfg.Sync.AMQPURL) == "" {
			return cfg, errors.New("AMQP_URL is required when SYNC_TRANSPORT=amqp")
		}
	default:
		return cfg, errors.New("SYNC_TRANSPORT must be one of: auto, local, amqp, storage")
	}
	if cfg.Sync.SignalPoll <= 0 || cfg.Sync.PollInterval <= 0 {
		return cfg, errors.New("SYNC_SIGNAL_POLL and POLL_INTERVAL must be > 0")
	}
	if cfg.Sync.TriggerRPS <= 0 {
		return cfg, errors.New("POLL_TRIGGER_RPS must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

// getenv and the typed helpers below fall back to def when the variable is
// unset, empty or unparsable.
func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// splitCSV splits on commas, trimming entries and dropping empty ones.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
