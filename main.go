package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/audit"
	"github.com/klpq/chat-auth-bridge/internal/cache"
	"github.com/klpq/chat-auth-bridge/internal/config"
	"github.com/klpq/chat-auth-bridge/internal/handoff"
	"github.com/klpq/chat-auth-bridge/internal/observe"
	"github.com/klpq/chat-auth-bridge/internal/push"
	"github.com/klpq/chat-auth-bridge/internal/registry"
	"github.com/klpq/chat-auth-bridge/internal/server"
	"github.com/klpq/chat-auth-bridge/internal/store"
	"github.com/klpq/chat-auth-bridge/internal/syncdoc"
	"github.com/klpq/chat-auth-bridge/internal/token"
	"github.com/klpq/chat-auth-bridge/internal/youtube"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/justinas/alice"
)

// dependencies are the long-lived components behind the routes.
type dependencies struct {
	registry *registry.Registry
	handoff  *handoff.Service
	tokens   *token.Service
	youtube  *youtube.Client
	sync     *syncdoc.Service
	push     *push.Server
}

func configureServerRoutes(cfg config.Config, deps dependencies) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()
	requestLimiter := maxRequestSize(cfg.Server.MaxRequestBytes)

	auditedRouteMiddleware := alice.New(requestLimiter, auditor, recoverer)
	standardRouteMiddleware := alice.New(requestLimiter)

	// sign-in handoff
	mux.Handle("GET /auth/{provider}", auditedRouteMiddleware.Then(handleAuthStart(deps.handoff)))
	mux.Handle("GET /auth/{provider}/callback", auditedRouteMiddleware.Then(handleAuthCallback(deps.handoff)))
	mux.Handle("GET /auth/{provider}/refresh", auditedRouteMiddleware.Then(handleAuthRefresh(deps.handoff)))
	mux.Handle("GET /auth", auditedRouteMiddleware.Then(handleSessionToken(deps.tokens, cfg.Authorization.SessionTokenTTL)))

	// cached upstream lookups
	mux.Handle("GET /youtube/channels", auditedRouteMiddleware.Then(handleYoutubeChannels(deps.tokens, deps.youtube)))
	mux.Handle("GET /youtube/streams", auditedRouteMiddleware.Then(handleYoutubeStreams(deps.tokens, deps.youtube)))

	// channel list sync
	mux.Handle("POST /sync", auditedRouteMiddleware.Then(handleSyncSave(deps.tokens, deps.sync)))
	mux.Handle("POST /sync/{id}", auditedRouteMiddleware.Then(handleSyncSave(deps.tokens, deps.sync)))
	mux.Handle("GET /sync/{id}", auditedRouteMiddleware.Then(handleSyncGet(deps.sync)))

	// the push channel is long-lived and hijacks the connection: spans and
	// audit entries would cover its whole lifetime
	mux.HandleUntraced("GET /socket", alice.New(recoverer).Then(deps.push))

	// healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	var db *mongo.Database
	if cfg.Mongo.URI != "" {
		client, database, err := store.Connect(ctx, cfg.Mongo)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		hooks.Add("mongo", client.Disconnect)
		db = database
	}

	deps, err := configureDependencies(ctx, cfg, db)
	if err != nil {
		return err
	}

	handler := configureServerRoutes(cfg, deps)

	// start the server
	srv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	// hooks run in order: clients first, telemetry last so the others are
	// still recorded
	hooks.AddCloser("push", deps.push)
	hooks.Add("telemetry", shutdownTelemetry)

	listener, err := server.Listen(cfg.Server)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.Serve(ctx, cfg.Server, srv, listener, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureDependencies(ctx context.Context, cfg config.Config, db *mongo.Database) (dependencies, error) {
	tokens, err := token.New(cfg.Authorization.JWTSecret)
	if err != nil {
		return dependencies{}, fmt.Errorf("token service configuration failed: %w", err)
	}

	reg := registry.New()
	baseURL := strings.TrimSuffix(cfg.Server.LoginCallbackURL, "/")

	handoffService := handoff.NewService(reg,
		configureProviders(cfg, tokens, baseURL),
		handoff.WithSecureCookies(strings.HasPrefix(baseURL, "https://")),
	)

	var cacheStore cache.Store
	switch cfg.Cache.Type {
	case "mongo":
		cacheStore = cache.NewInstrumented(cache.NewMongoStore(db.Collection(cache.Collection)), "mongo")
	default:
		cacheStore = cache.NewInstrumented(cache.NewMemory(cfg.Cache.MemoryMaxSize), "memory")
	}

	yt, err := youtube.New(ctx, cfg.Youtube, cache.NewReadThrough(cacheStore), cfg.Cache.RetryTTL, http.DefaultClient)
	if err != nil {
		return dependencies{}, fmt.Errorf("youtube configuration failed: %w", err)
	}

	var syncStore syncdoc.Store
	if db != nil {
		syncStore = syncdoc.NewMongoStore(db.Collection(syncdoc.Collection))
	} else {
		log.Warn().Msg("no database configured: sync documents are kept in memory")
		syncStore = syncdoc.NewMemory(cfg.Cache.MemoryMaxSize)
	}

	return dependencies{
		registry: reg,
		handoff:  handoffService,
		tokens:   tokens,
		youtube:  yt,
		sync:     syncdoc.NewService(syncStore),
		push:     push.NewServer(reg),
	}, nil
}

// configureProviders creates a provider for each configured identity
// service. Providers without a client id are disabled.
func configureProviders(cfg config.Config, tokens *token.Service, baseURL string) []handoff.Provider {
	withCallback := func(id string, p config.ProviderConfig) config.ProviderConfig {
		if p.CallbackURL == "" {
			p.CallbackURL = baseURL + "/auth/" + id + "/callback"
		}
		return p
	}

	client := handoff.WithHTTPClient(http.DefaultClient)

	var providers []handoff.Provider
	if cfg.Twitch.Enabled() {
		providers = append(providers, handoff.NewTwitch(withCallback("twitch", cfg.Twitch), client))
	}
	if cfg.Google.Enabled() {
		providers = append(providers, handoff.NewGoogle(withCallback("google", cfg.Google), client))
	}
	if cfg.Kick.Enabled() {
		providers = append(providers, handoff.NewKick(withCallback("kick", cfg.Kick), client))
	}
	if cfg.Klpq.LoginURL != "" {
		providers = append(providers, handoff.NewKlpq(tokens, handoff.KlpqOptions{
			LoginURL:     cfg.Klpq.LoginURL,
			CallbackURL:  baseURL + "/auth/klpq/callback",
			StateTTL:     cfg.Klpq.StateTTL,
			DelegatedTTL: cfg.Authorization.DelegatedTokenTTL,
			MaxSessions:  cfg.Klpq.MaxPendingSessions,
		}))
	}

	for _, p := range providers {
		log.Info().Str("provider", p.ID()).Msg("sign-in provider enabled")
	}

	return providers
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
