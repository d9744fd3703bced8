package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBasePath != "/api/v1" || cfg.DBPath != "console.db" {
		t.Fatalf("unexpected base defaults: %+v", cfg)
	}
	if cfg.MutationTimeout != 10*time.Second || cfg.AlertCapacity != 100 || cfg.Zones != nil {
		t.Fatalf("unexpected session defaults: %+v", cfg)
	}
	if cfg.Realtime.URL != "" || cfg.Realtime.MaxAttempts != 5 ||
		cfg.Realtime.BaseDelay != time.Second || cfg.Realtime.MaxDelay != 30*time.Second ||
		cfg.Realtime.RetryInterval != 2*time.Minute {
		t.Fatalf("unexpected realtime defaults: %+v", cfg.Realtime)
	}
	if cfg.Sync.Transport != "auto" || cfg.Sync.Exchange != "console.sync" ||
		cfg.Sync.PollInterval != 30*time.Second || cfg.Sync.TriggerRPS != 1.0 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Backend.BaseURL != "http://localhost:3000/api" || cfg.Backend.Timeout != 8*time.Second {
		t.Fatalf("unexpected backend defaults: %+v", cfg.Backend)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("SWAGGER_ENABLED", "on")
	t.Setenv("API_BASE_PATH", "console/") // -> "/console"

	t.Setenv("DB_PATH", "state.sqlite")
	t.Setenv("DB_TRACING", "1")
	t.Setenv("SESSION_TOKEN", "tok")
	t.Setenv("MUTATION_TIMEOUT", "3s")
	t.Setenv("DISPATCH_ZONES", " north, ,south ")
	t.Setenv("ALERT_CAPACITY", "7")

	t.Setenv("BACKEND_URL", "https://api.example.com/v2/")
	t.Setenv("BACKEND_TIMEOUT", "2s")
	t.Setenv("REALTIME_URL", "wss://rt.example.com/ws")
	t.Setenv("REALTIME_MAX_ATTEMPTS", "9")
	t.Setenv("REALTIME_BASE_DELAY", "500ms")
	t.Setenv("REALTIME_MAX_DELAY", "10s")
	t.Setenv("REALTIME_RETRY_INTERVAL", "0s")

	t.Setenv("SYNC_TRANSPORT", "AMQP")
	t.Setenv("AMQP_URL", "amqp://guest:guest@mq:5672/")
	t.Setenv("SYNC_ORIGIN", "desk-1")
	t.Setenv("POLL_INTERVAL", "5s")

	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_SERVICE_NAME", "svc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8088" || cfg.ReadTimeout != 2*time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty || !cfg.SwaggerEnabled || cfg.APIBasePath != "/console" {
		t.Fatalf("logging/docs unexpected: %+v", cfg)
	}
	if cfg.DBPath != "state.sqlite" || !cfg.DBTracing {
		t.Fatalf("store unexpected: %+v", cfg)
	}
	if cfg.SessionToken != "tok" || cfg.MutationTimeout != 3*time.Second || cfg.AlertCapacity != 7 {
		t.Fatalf("session unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Zones, []string{"north", "south"}) {
		t.Fatalf("zones unexpected: %#v", cfg.Zones)
	}
	if cfg.Backend.BaseURL != "https://api.example.com/v2" || cfg.Backend.Timeout != 2*time.Second {
		t.Fatalf("backend unexpected: %+v", cfg.Backend)
	}
	if cfg.Realtime.URL != "wss://rt.example.com/ws" || cfg.Realtime.MaxAttempts != 9 ||
		cfg.Realtime.BaseDelay != 500*time.Millisecond || cfg.Realtime.MaxDelay != 10*time.Second ||
		cfg.Realtime.RetryInterval != 0 {
		t.Fatalf("realtime unexpected: %+v", cfg.Realtime)
	}
	if cfg.Sync.Transport != "amqp" || cfg.Sync.Origin != "desk-1" || cfg.Sync.PollInterval != 5*time.Second {
		t.Fatalf("sync unexpected: %+v", cfg.Sync)
	}
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.ServiceName != "svc" {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"invalid LOG_LEVEL", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"empty PORT via spaces", map[string]string{"PORT": "   "}, "PORT must not be empty"},
		{"non-positive timeouts", map[string]string{"READ_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"max header bytes <= 0", map[string]string{"MAX_HEADER_BYTES": "0"}, "MAX_HEADER_BYTES"},
		{"empty DB_PATH", map[string]string{"DB_PATH": "   "}, "DB_PATH must not be empty"},
		{"mutation timeout", map[string]string{"MUTATION_TIMEOUT": "0s"}, "MUTATION_TIMEOUT"},
		{"alert capacity", map[string]string{"ALERT_CAPACITY": "0"}, "ALERT_CAPACITY"},
		{"backend timeout", map[string]string{"BACKEND_TIMEOUT": "-1s"}, "BACKEND_TIMEOUT"},
		{"realtime attempts", map[string]string{"REALTIME_MAX_ATTEMPTS": "0"}, "REALTIME_MAX_ATTEMPTS"},
		{"realtime delays inverted", map[string]string{"REALTIME_BASE_DELAY": "5s", "REALTIME_MAX_DELAY": "1s"}, "REALTIME_BASE_DELAY"},
		{"realtime retry negative", map[string]string{"REALTIME_RETRY_INTERVAL": "-1s"}, "REALTIME_RETRY_INTERVAL"},
		{"unknown transport", map[string]string{"SYNC_TRANSPORT": "pigeon"}, "SYNC_TRANSPORT"},
		{"amqp without url", map[string]string{"SYNC_TRANSPORT": "amqp"}, "AMQP_URL"},
		{"poll interval", map[string]string{"POLL_INTERVAL": "0s"}, "POLL_INTERVAL"},
		{"trigger rps", map[string]string{"POLL_TRIGGER_RPS": "0"}, "POLL_TRIGGER_RPS"},
		{"rate rps negative", map[string]string{"RATE_RPS": "-1"}, "RATE_RPS"},
		{"rate burst < 1", map[string]string{"RATE_BURST": "0"}, "RATE_BURST"},
		{"hsts max age negative", map[string]string{"HSTS_MAX_AGE": "-1s"}, "HSTS_MAX_AGE"},
		{"idempotency ttl non-positive", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL"},
		{"otel sample ratio out of range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil || !containsErr(err, tc.want) {
				t.Fatalf("expected error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}
	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}
	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on"} {
		t.Setenv("B_T", v)
		if !getbool("B_T", false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for _, v := range []string{"0", "false", " no ", "N", "off"} {
		t.Setenv("B_F", v)
		if getbool("B_F", true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV mismatch: got %#v", got)
	}
	for in, want := range map[string]string{"": "/", "v1": "/v1", "/v1/": "/v1", " / ": "/"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q; want %q", in, got, want)
		}
	}
}

// Ensure tests don't leak env to others.
func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Unsetenv("SESSION_TOKEN")
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
