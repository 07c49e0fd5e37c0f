package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"adkgw/cmd/internal/backend"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// History backends.
const (
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"
	HistorySQLite   = "sqlite"
	HistoryNone     = "none"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"60s"`
	// WriteTimeout must outlast REQUEST_TIMEOUT or streams are cut short.
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"11m"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MaxHeaderBytes  int           `env:"MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"67108864"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ADKHost           string        `env:"ADK_HOST" envDefault:"http://localhost:8000"`
	ADKAppName        string        `env:"ADK_APP_NAME" envDefault:"agent"`
	BackendTimeout    time.Duration `env:"BACKEND_TIMEOUT" envDefault:"300s"`
	BackendStreamMode string        `env:"BACKEND_STREAM_MODE" envDefault:"cumulative"`

	MaxFileSizeMB        int64         `env:"MAX_FILE_SIZE_MB" envDefault:"20"`
	DownloadTimeout      time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30s"`
	MaxConcurrentFetches int64         `env:"MAX_CONCURRENT_FETCHES" envDefault:"8"`
	StrictMultimodal     bool          `env:"STRICT_MULTIMODAL" envDefault:"false"`
	ResolveTextURLs      bool          `env:"RESOLVE_TEXT_URLS" envDefault:"false"`

	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10m"`
	SessionCreateRetries int           `env:"SESSION_CREATE_RETRIES" envDefault:"3"`
	SessionIdleTTL       time.Duration `env:"SESSION_IDLE_TTL" envDefault:"24h"`

	RequireAPIKey bool     `env:"REQUIRE_API_KEY" envDefault:"false"`
	APIKeys       []string `env:"API_KEYS" envSeparator:","`
	DefaultAPIKey string   `env:"DEFAULT_API_KEY" envDefault:"sk-adk-middleware-key"`
	TenantHashKey string   `env:"TENANT_HASH_KEY"`

	HistoryBackend     string `env:"HISTORY_BACKEND" envDefault:"memory"`
	DatabaseURL        string `env:"DATABASE_URL"`
	DBMaxConns         int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns         int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	SQLitePath         string `env:"SQLITE_PATH" envDefault:"data/sessions.db"`
	ReadinessRequireDB bool   `env:"READINESS_REQUIRE_DB" envDefault:"false"`
	NATSURL            string `env:"NATS_URL"`
	NATSSubject        string `env:"NATS_SUBJECT" envDefault:"adkgw.history"`

	WSAllowedOrigins     []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSOriginRequired     bool          `env:"WS_ORIGIN_REQUIRED" envDefault:"false"`
	WSInsecureSkipVerify bool          `env:"WS_INSECURE_SKIP_VERIFY" envDefault:"false"`
	WSSendQueue          int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	WSReadIdleTimeout    time.Duration `env:"WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	WSHeartbeatInterval  time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSRateEvents         int           `env:"WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow         time.Duration `env:"WS_RATE_WINDOW" envDefault:"10s"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"0"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`
}

// LoadConfig reads .env when present, parses the environment and clamps the
// result.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return ParseConfig(nil)
}

// ParseConfig parses cfg from the process environment, or from environ when it
// is non-nil.
func ParseConfig(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.HistoryBackend = strings.ToLower(strings.TrimSpace(c.HistoryBackend))
	switch c.HistoryBackend {
	case "":
		c.HistoryBackend = HistoryMemory
	case HistoryMemory, HistoryPostgres, HistorySQLite, HistoryNone:
	default:
		return fmt.Errorf("config: unknown HISTORY_BACKEND %q", c.HistoryBackend)
	}
	if c.HistoryBackend == HistoryPostgres && c.DatabaseURL == "" {
		return errors.New("config: HISTORY_BACKEND=postgres requires DATABASE_URL")
	}

	switch backend.StreamMode(strings.ToLower(c.BackendStreamMode)) {
	case backend.StreamCumulative, backend.StreamIncremental:
		c.BackendStreamMode = strings.ToLower(c.BackendStreamMode)
	default:
		return fmt.Errorf("config: unknown BACKEND_STREAM_MODE %q", c.BackendStreamMode)
	}

	c.APIKeys = trimList(c.APIKeys)
	c.WSAllowedOrigins = trimList(c.WSAllowedOrigins)
	c.CORSAllowedOrigins = trimList(c.CORSAllowedOrigins)

	// Clamp to sane values.
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = 20
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 8
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Minute
	}
	if c.WriteTimeout > 0 && c.WriteTimeout < c.RequestTimeout {
		c.WriteTimeout = c.RequestTimeout + 30*time.Second
	}
	if c.SessionCreateRetries < 0 {
		c.SessionCreateRetries = 0
	}
	if c.SessionCreateRetries > 10 {
		c.SessionCreateRetries = 10
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = 24 * time.Hour
	}
	if c.DBMinConns < 0 {
		c.DBMinConns = 0
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	return nil
}

// MaxFileBytes is MAX_FILE_SIZE_MB in bytes.
func (c Config) MaxFileBytes() int64 { return c.MaxFileSizeMB << 20 }

func trimList(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
