package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/replyhelper/internal/config"
	"github.com/ashureev/replyhelper/internal/face"
	"github.com/ashureev/replyhelper/internal/store"
	"github.com/go-chi/chi/v5"
)

// DetectorHealth is implemented by face.GrpcDetector.
type DetectorHealth interface {
	Health(ctx context.Context) (*face.HealthStatus, error)
}

// SessionCounter reports live overlay sockets.
type SessionCounter interface {
	Count() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
	cfg  *config.Config

	mu       sync.RWMutex
	detector DetectorHealth
	sessions SessionCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, cfg: cfg}
}

// SetDetector adds the model service to the health checks.
func (h *HealthHandler) SetDetector(d DetectorHealth) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detector = d
}

// SetSessionCounter reports the overlay session count under overlay_sessions.
func (h *HealthHandler) SetSessionCounter(c SessionCounter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions = c
}

// Health returns the health status of the API and its dependencies.
// The overlay is optional, so a missing or unready detector degrades the
// report without failing it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg != nil && h.cfg.Timeout.HealthCheck > 0 {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	h.mu.RLock()
	detector, sessions := h.detector, h.sessions
	h.mu.RUnlock()

	if sessions != nil {
		checks["overlay_sessions"] = strconv.Itoa(sessions.Count())
	}

	switch {
	case detector == nil:
		checks["detector"] = "disabled"
	default:
		hs, err := detector.Health(ctx)
		switch {
		case err != nil:
			slog.Warn("Detector health check failed", "error", err)
			checks["detector"] = "unreachable"
		case !hs.Ready:
			checks["detector"] = "loading"
		default:
			checks["detector"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
