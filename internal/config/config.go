package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Authorization AuthorizationConfig
	Cache         CacheConfig
	Google        ProviderConfig `env:", prefix=GOOGLE_"`
	Kick          ProviderConfig `env:", prefix=KICK_"`
	Klpq          KlpqConfig
	Mongo         MongoConfig
	Observe       ObserveConfig
	Server        ServerConfig
	Twitch        ProviderConfig `env:", prefix=TWITCH_"`
	Youtube       YoutubeConfig
}

type ServerConfig struct {
	Port int `env:"API_PORT, default=8080"`

	// SocketPath, when set, listens on a unix socket instead of Port.
	SocketPath string `env:"API_SOCKET_PATH"`

	// LoginCallbackURL is the externally visible base URL of this service.
	LoginCallbackURL string `env:"API_LOGIN_CALLBACK_URL, default=http://localhost:8080"`

	ShutdownTimeoutSeconds int   `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`
	MaxRequestBytes        int64 `env:"SERVER_MAX_REQUEST_BYTES, default=1048576"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

type AuthorizationConfig struct {
	JWTSecret string `env:"JWT_SECRET, required"`

	// SessionTokenTTL is the lifetime of tokens issued by GET /auth.
	SessionTokenTTL time.Duration `env:"JWT_SESSION_TTL, default=24h"`

	// DelegatedTokenTTL is the lifetime of tokens wrapping an identity
	// authority token. Zero issues tokens without expiry.
	DelegatedTokenTTL time.Duration `env:"JWT_DELEGATED_TTL, default=0s"`
}

// ProviderConfig holds the client registration with one OAuth2 provider. The
// endpoint URLs default per provider and are only overridden for testing.
type ProviderConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	CallbackURL  string `env:"CALLBACK_URL"`
	AuthURL      string `env:"AUTH_URL"`
	TokenURL     string `env:"TOKEN_URL"`
}

// Enabled reports whether the provider has a client registration.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

type KlpqConfig struct {
	// LoginURL is the identity authority's login page.
	LoginURL string `env:"AUTH_SERVICE_LOGIN_URL"`

	// StateTTL bounds the time between redirecting to the identity authority
	// and receiving its callback.
	StateTTL time.Duration `env:"AUTH_SERVICE_STATE_TTL, default=5m"`

	MaxPendingSessions int `env:"AUTH_SERVICE_MAX_PENDING_SESSIONS, default=10000"`
}

type YoutubeConfig struct {
	APIKey string `env:"YOUTUBE_API_KEY"`

	// BaseURL overrides the YouTube Data API endpoint, for testing.
	BaseURL string `env:"YOUTUBE_BASE_URL"`
}

type MongoConfig struct {
	URI string `env:"DB_URI"`

	// Database overrides the database named in the URI path.
	Database string `env:"DB_NAME"`

	ConnectTimeoutSeconds int `env:"DB_CONNECT_TIMEOUT_SECS, default=10"`
}

// CacheConfig specifies storage for cached upstream responses.
type CacheConfig struct {
	// Type selects the store: "mongo" (default) or "memory".
	Type string `env:"CACHE_TYPE, default=mongo"`

	// RetryTTL is how long a failed upstream fetch is remembered before
	// upstream is tried again.
	RetryTTL time.Duration `env:"CACHE_RETRY_TTL, default=1m"`

	// MemoryMaxSize bounds the memory store.
	MemoryMaxSize int `env:"CACHE_MEMORY_MAX_SIZE, default=10000"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=chat-auth-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=false"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Cache.Validate(cfg.Mongo)
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	err = cfg.Observe.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid observe configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate(mongo MongoConfig) error {
	switch c.Type {
	case "memory":
	case "mongo":
		if mongo.URI == "" {
			return fmt.Errorf("DB_URI required when CACHE_TYPE=mongo")
		}
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q", c.Type)
	}

	if c.RetryTTL <= 0 {
		return fmt.Errorf("CACHE_RETRY_TTL must be positive")
	}

	return nil
}

// Validate checks that the exporter type is known.
func (o *ObserveConfig) Validate() error {
	if !o.Enabled {
		return nil
	}

	switch o.Type {
	case "grpc", "stdout":
		return nil
	default:
		return fmt.Errorf("unknown OBSERVE_TYPE %q", o.Type)
	}
}
