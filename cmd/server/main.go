package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/api"
	"github.com/dennisdiepolder/monti/queueengine/internal/assignment"
	"github.com/dennisdiepolder/monti/queueengine/internal/auth"
	"github.com/dennisdiepolder/monti/queueengine/internal/availability"
	"github.com/dennisdiepolder/monti/queueengine/internal/config"
	"github.com/dennisdiepolder/monti/queueengine/internal/escalation"
	"github.com/dennisdiepolder/monti/queueengine/internal/events"
	"github.com/dennisdiepolder/monti/queueengine/internal/handletime"
	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/notification"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/rules"
	"github.com/dennisdiepolder/monti/queueengine/internal/scheduler"
	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/websocket"
	"github.com/dennisdiepolder/monti/queueengine/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store_mode", string(cfg.Store.Mode)).
		Dur("cycle_interval", cfg.CycleInterval).
		Msg("starting queue engine")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(ctx, cfg.Store, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	m := metrics.Get()

	// Queue rules: persisted rules first, then the seed file on top
	ruleStore := rules.NewStore(store, log.Logger)
	if err := ruleStore.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load queue rules")
	}
	if cfg.RulesFile != "" {
		if err := ruleStore.ApplyFile(ctx, cfg.RulesFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("failed to apply rules file")
		}
		if err := ruleStore.Watch(ctx, cfg.RulesFile, cfg.RulesWatchDebounce); err != nil {
			log.Warn().Err(err).Msg("rules hot reload disabled")
		}
	}

	tracker := availability.NewTracker(store, log.Logger)

	var handleTime queue.HandleTimeProvider
	if cfg.AHTURL != "" {
		handleTime = handletime.NewClient(cfg.AHTURL, cfg.AHTTimeout, log.Logger)
	}
	queues := queue.NewManager(store, ruleStore, tracker, handleTime, log.Logger)

	// Create WebSocket hubs
	agentHub := websocket.NewAgentHub(tracker, queues, m, log.Logger)
	go agentHub.Run(ctx)
	dashboardHub := websocket.NewHub(m, log.Logger)
	go dashboardHub.Run(ctx)

	publishers := events.Fanout{agentHub, dashboardHub}
	if cfg.RedisAddr != "" {
		redisPublisher, err := events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisPassword, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event bus")
		}
		defer redisPublisher.Close()
		publishers = append(publishers, redisPublisher)
	}

	engine := assignment.NewEngine(store, store, tracker, queues, ruleStore, publishers, m, log.Logger)
	notifier := notification.NewScheduler(store, store, queues, ruleStore, publishers, m, log.Logger)
	monitor := escalation.NewMonitor(store, store, queues, ruleStore, publishers, m, log.Logger)
	cycle := scheduler.New(scheduler.Config{Interval: cfg.CycleInterval, Workers: cfg.CycleWorkers},
		ruleStore, store, queues, engine, notifier, monitor, m, log.Logger)
	go cycle.Start(ctx)

	authenticator, err := auth.NewAuthenticator(cfg.OIDCIssuer, cfg.SkipAuth, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise authentication")
	}

	routes := api.Routes{
		Conversations: api.NewConversationHandler(queues, m, log.Logger),
		Agents:        api.NewAgentHandler(tracker, queues, log.Logger),
		Intents:       api.NewIntentHandler(store, queues.Now, log.Logger),
		Dashboard:     api.NewDashboardHandler(queues, ruleStore, log.Logger),
		Auth:          authenticator,
	}

	// The dashboard API is built first so CORS can allow exactly its methods
	apiRouter := chi.NewRouter()
	routes.API(apiRouter)
	corsMethods, err := middleware.AllowedMethods(apiRouter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to collect API methods")
	}

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins, corsMethods))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", m.Handler())

	// Internal routes (no auth - for the conversation, presence and messaging services)
	r.Route("/internal", routes.Internal)
	r.Get("/ws/agents", websocket.NewAgentHandler(agentHub, log.Logger).ServeHTTP)

	// Protected routes
	r.Mount("/api", apiRouter)
	r.Group(func(r chi.Router) {
		r.Use(authenticator.Middleware)
		r.Get("/ws/dashboard", websocket.NewHandler(dashboardHub, cfg, log.Logger).ServeHTTP)
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop the cycle, hubs and rule watcher
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"queue-engine"}`)
}
