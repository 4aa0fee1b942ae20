// replyhelper - welcome bot and webcam face overlay server
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

	"github.com/ashureev/replyhelper/internal/api"
	"github.com/ashureev/replyhelper/internal/bot"
	"github.com/ashureev/replyhelper/internal/config"
	"github.com/ashureev/replyhelper/internal/connector"
	"github.com/ashureev/replyhelper/internal/container"
	"github.com/ashureev/replyhelper/internal/face"
	"github.com/ashureev/replyhelper/internal/identity"
	"github.com/ashureev/replyhelper/internal/middleware"
	"github.com/ashureev/replyhelper/internal/overlay"
	"github.com/ashureev/replyhelper/internal/store"
	"github.com/ashureev/replyhelper/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "state_store", cfg.StateStore)

	repo, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("State store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("State store connected")

	card, err := bot.LoadCardTemplate(cfg.Bot.CardFile)
	if err != nil {
		slog.Error("Failed to load intro card", "error", err, "path", cfg.Bot.CardFile)
		os.Exit(1)
	}
	welcomeBot := bot.NewWelcomeUserBot(bot.NewUserState(repo), card, bot.Config{
		GreetingDelay: cfg.Bot.GreetingDelay,
		Logger:        logger,
	})

	transcript, err := connector.NewTranscriptLogger(connector.TranscriptLogConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}

	botHandler := connector.NewHandler(welcomeBot, transcript, cfg)

	healthHandler := api.NewHealthHandler(repo, cfg)

	sm := overlay.NewSessionManager()
	wsHandler := overlay.NewWebSocketHandler(sm, overlay.Settings{
		Tick: cfg.Overlay.Tick,
		Options: face.DetectOptions{
			InputSize:      cfg.Overlay.InputSize,
			ScoreThreshold: cfg.Overlay.ScoreThreshold,
		},
		MaxDimension: cfg.Overlay.MaxDimension,
	}, allowedOrigin(cfg), cfg.IsDevelopment())
	healthHandler.SetSessionCounter(sm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detectorReady := make(chan *face.GrpcDetector, 1)
	if cfg.OverlayEnabled() {
		go func() {
			det, err := startDetector(ctx, cfg, logger)
			if err != nil {
				slog.Error("Face overlay disabled", "error", err)
				return
			}
			wsHandler.SetDetector(det)
			healthHandler.SetDetector(det)
			detectorReady <- det
			slog.Info("Face overlay ready")
		}()
	} else {
		slog.Info("Face overlay disabled (DETECTOR_ADDR and DETECTOR_IMAGE not set)")
	}

	store.StartTTLWorker(ctx, repo, cfg.State.TTL, cfg.State.SweepInterval)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{allowedOrigin(cfg)}))

	healthHandler.RegisterHealth(r)
	botHandler.RegisterRoutes(r)
	r.With(identity.Middleware(cfg.IsDevelopment())).Get("/ws/overlay", wsHandler.ServeHTTP)

	r.Handle("/*", web.SPAHandler())

	// The activity stream and overlay socket are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	sm.CloseAll()
	botHandler.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	select {
	case det := <-detectorReady:
		if err := det.Close(); err != nil {
			slog.Warn("Failed to close detector connection", "error", err)
		}
	default:
	}

	slog.Info("Server stopped successfully")
}

func openStore(cfg *config.Config) (store.Repository, error) {
	if cfg.StateStore == config.StoreMemory {
		slog.Warn("Using in-memory state store; greetings will repeat after restart")
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.DBPath)
}

func allowedOrigin(cfg *config.Config) string {
	if cfg.FrontendURL == "" {
		return "*"
	}
	return cfg.FrontendURL
}

// startDetector connects to the model service, starting it as a sidecar when
// DETECTOR_IMAGE is set, and loads the models. Failures are not retried.
func startDetector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*face.GrpcDetector, error) {
	addr := cfg.Detector.Addr
	if cfg.Detector.Image != "" {
		mgr, err := container.NewDockerManager()
		if err != nil {
			return nil, err
		}
		networkID, err := mgr.EnsureNetwork(ctx)
		if err != nil {
			return nil, err
		}
		slog.Info("Detector network ready", "network_id", networkID)

		id, sidecarAddr, err := mgr.EnsureDetector(ctx, container.DetectorSpec{
			Image:       cfg.Detector.Image,
			Runtime:     cfg.Detector.Runtime,
			ModelsDir:   cfg.Detector.ModelsDir,
			PublishPort: !config.IsContainer(),
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Detector sidecar running", "container_id", id, "address", sidecarAddr)
		addr = sidecarAddr
	}

	detCfg := face.DefaultGrpcDetectorConfig(addr)
	if cfg.Detector.Image != "" {
		// A freshly created sidecar needs time to bind its port.
		detCfg.ConnectTimeout = 30 * time.Second
	}
	det, err := face.NewGrpcDetector(detCfg, logger)
	if err != nil {
		return nil, err
	}

	if err := det.LoadModels(ctx, cfg.Detector.ModelsURI); err != nil {
		if closeErr := det.Close(); closeErr != nil {
			slog.Debug("Failed to close detector connection", "error", closeErr)
		}
		return nil, err
	}
	return det, nil
}
