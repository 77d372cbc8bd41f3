package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatbus/chatbus-server/internal/api"
	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/config"
	"github.com/chatbus/chatbus-server/internal/deadletter"
	"github.com/chatbus/chatbus-server/internal/egress"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/gateway"
	"github.com/chatbus/chatbus-server/internal/history"
	"github.com/chatbus/chatbus-server/internal/httputil"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/postgres"
	"github.com/chatbus/chatbus-server/internal/publish"
	"github.com/chatbus/chatbus-server/internal/registry"
	"github.com/chatbus/chatbus-server/internal/sequence"
	"github.com/chatbus/chatbus-server/internal/telemetry"
	"github.com/chatbus/chatbus-server/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg        *config.Config
	db         *pgxpool.Pool
	rdb        *redis.Client
	verifier   auth.Verifier
	perms      permission.Store
	historyDB  history.Store
	publisher  *publish.Publisher
	hub        *gateway.Hub
	holder     *deadletter.Holder
	metrics    *telemetry.Metrics
	sink       *telemetry.Sink
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting chatbus server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Token verifier: OIDC against the configured issuer, or the HMAC
	// shared-secret mode for deployments without one.
	var verifier auth.Verifier
	if cfg.OIDCConfigured() {
		discoverCtx, discoverCancel := context.WithTimeout(ctx, 10*time.Second)
		oidcVerifier, vErr := auth.NewOIDCVerifier(discoverCtx, cfg.IssuerURL, cfg.Audience)
		discoverCancel()
		if vErr != nil {
			return fmt.Errorf("initialise OIDC verifier: %w", vErr)
		}
		verifier = oidcVerifier
		log.Info().Str("issuer", cfg.IssuerURL).Msg("OIDC token verification enabled")
	} else {
		verifier = auth.NewHMACVerifier(cfg.AuthHMACSecret, "", cfg.Audience)
		log.Warn().Msg("ISSUER_URL is not configured. Falling back to HMAC shared-secret token verification.")
	}

	// Observability
	metrics := telemetry.NewMetrics()
	sink := telemetry.NewSink(metrics, log.Logger)

	// Permission store with Valkey read-through cache
	permStore := permission.NewCachedStore(
		permission.NewPGStore(db),
		permission.NewValkeyCache(rdb),
		log.Logger,
	)

	// Bus topics and queue subscriptions: one egress queue for the session
	// channel plus one storage queue per topic.
	fifoTopic := &bus.Topic{Name: cfg.FIFOTopic, FIFO: true}
	standardTopic := &bus.Topic{Name: cfg.StandardTopic}

	egressFIFOSub := bus.Subscription{
		Stream: cfg.FIFOTopic + ".egress.session",
		Group:  "egress",
		Filter: bus.Filter{TargetChannel: envelope.ChannelSession},
	}
	egressStandardSub := bus.Subscription{
		Stream: cfg.StandardTopic + ".egress.session",
		Group:  "egress",
		Filter: bus.Filter{TargetChannel: envelope.ChannelSession},
	}
	storageFIFOSub := bus.Subscription{Stream: cfg.FIFOTopic + ".storage", Group: "storage"}
	storageStandardSub := bus.Subscription{Stream: cfg.StandardTopic + ".storage", Group: "storage"}

	fifoTopic.Subscribe(egressFIFOSub)
	fifoTopic.Subscribe(storageFIFOSub)
	standardTopic.Subscribe(egressStandardSub)
	standardTopic.Subscribe(storageStandardSub)

	messageBus := bus.New(rdb, fifoTopic, standardTopic, cfg.DedupWindow, log.Logger)

	// Core components
	seqCounter := sequence.NewCounter(rdb)
	holder := deadletter.NewHolder(rdb)
	publisher := publish.New(messageBus, seqCounter, permStore, metrics, cfg.PublishTimeout, log.Logger)
	sessionRegistry := registry.New(cfg.GatewayMaxConnections)
	hub := gateway.NewHub(cfg, verifier, permStore, sessionRegistry, publisher, log.Logger)
	historyStore := history.NewPGStore(db, log.Logger)

	// Queue consumers share a per-process consumer name within their groups.
	consumerName := consumerID()

	newConsumer := func(sub bus.Subscription) *bus.Consumer {
		return bus.NewConsumer(rdb, sub, consumerName, cfg.EgressRetryBudget, cfg.RedeliveryIdle, countingDeadLetterer{holder: holder, metrics: metrics}, log.Logger)
	}

	egressFIFO := egress.New(newConsumer(egressFIFOSub), sessionRegistry, hub, metrics, cfg.ValidityWindow, cfg.EgressBatchSize, log.Logger)
	egressStandard := egress.New(newConsumer(egressStandardSub), sessionRegistry, hub, metrics, cfg.ValidityWindow, cfg.EgressBatchSize, log.Logger)
	storageFIFO := history.NewProcessor(newConsumer(storageFIFOSub), historyStore, metrics, cfg.HistoryTTL, cfg.StorageBatchSize, log.Logger)
	storageStandard := history.NewProcessor(newConsumer(storageStandardSub), historyStore, metrics, cfg.HistoryTTL, cfg.StorageBatchSize, log.Logger)

	// Start processor loops with a shared cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go runWithBackoff(subCtx, "egress-fifo", egressFIFO.RunFIFO)
	go runWithBackoff(subCtx, "egress-standard", egressStandard.RunStandard)
	go runWithBackoff(subCtx, "storage-fifo", storageFIFO.Run)
	go runWithBackoff(subCtx, "storage-standard", storageStandard.Run)
	go runWithBackoff(subCtx, "history-reaper", func(ctx context.Context) error {
		return storageFIFO.RunReaper(ctx, cfg.HistoryReapInterval)
	})

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "chatbus",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierrors.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/healthz"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Global API rate limiter
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	// Register routes
	srv := &server{
		cfg:       cfg,
		db:        db,
		rdb:       rdb,
		verifier:  verifier,
		perms:     permStore,
		historyDB: historyStore,
		publisher: publisher,
		hub:       hub,
		holder:    holder,
		metrics:   metrics,
		sink:      sink,
	}
	srv.registerRoutes(app)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *server) registerRoutes(app *fiber.App) {
	requireAuth := auth.RequireAuth(s.verifier, s.cfg.TokenVerifyTimeout)

	health := &api.HealthHandler{DB: s.db, Valkey: s.rdb}
	app.Get("/healthz", health.Health)

	// Prometheus scrape and client latency ingest share the /metrics path,
	// split by method.
	telemetryHandler := api.NewTelemetryHandler(s.sink, log.Logger)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	app.Post("/metrics", telemetryHandler.Ingest)

	// Stateless publish path
	publishHandler := api.NewPublishHandler(s.publisher, log.Logger)
	app.Post("/v1/publish", requireAuth, publishHandler.Publish)

	// History range and gap-fill queries
	messageHandler := api.NewMessageHandler(s.historyDB, s.perms, log.Logger)
	app.Get("/v1/messages", requireAuth, messageHandler.List)

	// Permission admin
	permissionHandler := api.NewPermissionHandler(s.perms, log.Logger)
	permGroup := app.Group("/v1/permissions", requireAuth)
	permGroup.Post("/", permissionHandler.Grant)
	permGroup.Delete("/", permissionHandler.Revoke)
	permGroup.Get("/", permissionHandler.List)

	// Dead-letter inspection
	deadLetterHandler := api.NewDeadLetterHandler(s.holder, log.Logger)
	app.Get("/v1/deadletters", requireAuth, deadLetterHandler.List)

	// Gateway WebSocket endpoint. Authentication happens inside the handshake
	// via the token query parameter, not the bearer middleware.
	gatewayHandler := api.NewGatewayHandler(s.hub)
	app.Get("/v1/gateway", gatewayHandler.Upgrade)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// countingDeadLetterer moves envelopes to the dead-letter holder and records
// each successful move in the process metrics.
type countingDeadLetterer struct {
	holder  *deadletter.Holder
	metrics *telemetry.Metrics
}

func (d countingDeadLetterer) Add(ctx context.Context, env *envelope.Envelope, source string, deliveries int64) error {
	if err := d.holder.Add(ctx, env, source, deliveries); err != nil {
		return err
	}
	d.metrics.DeadLetters.Inc()
	return nil
}

// consumerID names this process inside the bus consumer groups.
func consumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chatbus"
	}
	return host + "-" + uuid.NewString()[:8]
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest API
// error code.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierrors.NotFound
	case fiber.StatusMethodNotAllowed:
		return apierrors.ValidationError
	case fiber.StatusTooManyRequests:
		return apierrors.RateLimited
	case fiber.StatusServiceUnavailable:
		return apierrors.ServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return apierrors.ValidationError
		}
		return apierrors.InternalError
	}
}
