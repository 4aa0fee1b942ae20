package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // webcam frames
	_ "image/png"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/face"
	"github.com/ashureev/replyhelper/internal/identity"
	"github.com/coder/websocket"
)

// maxFrameBytes bounds a single encoded frame sent by the page.
const maxFrameBytes = 4 << 20

// Error codes sent to the page as {"error": code}.
const (
	ErrDetectorUnavailable = "detector_unavailable"
	ErrInvalidDimensions   = "invalid_dimensions"
)

// Settings tune the per-socket overlay loop.
type Settings struct {
	Tick    time.Duration
	Options face.DetectOptions
	// MaxDimension bounds the play size and every decoded frame.
	MaxDimension int
}

var errFrameTooLarge = errors.New("frame too large")

// WebSocketHandler serves GET /ws/overlay.
type WebSocketHandler struct {
	sm            *SessionManager
	settings      Settings
	allowedOrigin string
	isDev         bool

	mu       sync.RWMutex
	detector face.Detector
}

// NewWebSocketHandler creates a new overlay handler. Until SetDetector is
// called, sockets are answered with detector_unavailable.
func NewWebSocketHandler(sm *SessionManager, settings Settings, allowedOrigin string, isDev bool) *WebSocketHandler {
	if settings.MaxDimension <= 0 {
		settings.MaxDimension = face.DefaultMaxDimension
	}
	return &WebSocketHandler{
		sm:            sm,
		settings:      settings,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// SetDetector makes the overlay available once models are loaded.
func (h *WebSocketHandler) SetDetector(d face.Detector) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detector = d
}

func (h *WebSocketHandler) currentDetector() face.Detector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.detector
}

// clientMessage is a text message from the page.
type clientMessage struct {
	Type        string `json:"type"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Detect      *bool  `json:"detect,omitempty"`
	Landmarks   *bool  `json:"landmarks,omitempty"`
	Expressions *bool  `json:"expressions,omitempty"`
}

// overlayMessage precedes each binary PNG overlay.
type overlayMessage struct {
	Type         string             `json:"type"`
	Faces        []domain.Detection `json:"faces,omitempty"`
	VideoVisible bool               `json:"video_visible"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Overlay connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(maxFrameBytes)

	detector := h.currentDetector()
	if detector == nil {
		slog.Warn("Face detector not ready", "user_id", userID)
		s := &session{ws: ws}
		if err := s.writeJSON(context.Background(), map[string]string{"error": ErrDetectorUnavailable}); err != nil {
			slog.Debug("Failed to send detector_unavailable error", "error", err)
		}
		return
	}

	h.sm.Register(userID, sessionID, ws)
	defer h.sm.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{ws: ws, userID: userID}
	loop, err := face.NewOverlayLoop(face.LoopConfig{
		Detector:     detector,
		Tick:         h.settings.Tick,
		Options:      h.settings.Options,
		MaxDimension: h.settings.MaxDimension,
		Emit:         s.emit,
		Logger:       slog.Default().With("user_id", userID, "session_id", sessionID),
	})
	if err != nil {
		slog.Error("Failed to create overlay loop", "error", err)
		return
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	h.inputLoop(ctx, s, loop, &wg)
	slog.Info("Overlay session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

//nolint:gocognit // Message dispatch keeps socket and loop state together.
func (h *WebSocketHandler) inputLoop(ctx context.Context, s *session, loop *face.OverlayLoop, wg *sync.WaitGroup) {
	running := false
	for {
		typ, message, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", s.userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", s.userID)
			}
			return
		}

		if typ == websocket.MessageBinary {
			frame, err := decodeFrame(message, h.settings.MaxDimension)
			if err != nil {
				slog.Debug("Ignoring frame", "error", err, "user_id", s.userID, "bytes", len(message))
				continue
			}
			loop.PushFrame(frame)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed message", "error", err, "user_id", s.userID)
			continue
		}

		switch msg.Type {
		case "play":
			if err := loop.Play(domain.Dimensions{Width: msg.Width, Height: msg.Height}); err != nil {
				slog.Warn("Rejected play dimensions", "error", err, "width", msg.Width, "height", msg.Height)
				s.sendError(ctx, ErrInvalidDimensions)
				continue
			}
			if !running {
				running = true
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
						slog.Warn("Overlay loop stopped", "error", err, "user_id", s.userID)
					}
				}()
			}
		case "toggles":
			loop.SetToggles(mergeToggles(loop.Toggles(), msg))
		case "ping":
			if err := s.writeJSON(ctx, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			slog.Debug("Ignoring unknown message type", "type", msg.Type, "user_id", s.userID)
		}
	}
}

// decodeFrame decodes an encoded video frame after checking its header
// against maxDim, so a small payload cannot inflate into a huge image.
func decodeFrame(data []byte, maxDim int) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	dims := domain.Dimensions{Width: cfg.Width, Height: cfg.Height}
	if !dims.Valid() || !dims.Within(maxDim) {
		return nil, fmt.Errorf("%w: %dx%d", errFrameTooLarge, cfg.Width, cfg.Height)
	}
	frame, _, err := image.Decode(bytes.NewReader(data))
	return frame, err
}

func mergeToggles(t domain.Toggles, msg clientMessage) domain.Toggles {
	if msg.Detect != nil {
		t.Detect = *msg.Detect
	}
	if msg.Landmarks != nil {
		t.Landmarks = *msg.Landmarks
	}
	if msg.Expressions != nil {
		t.Expressions = *msg.Expressions
	}
	return t
}

// session serializes writes so an overlay header and its PNG stay adjacent.
type session struct {
	ws     *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (s *session) emit(ctx context.Context, frame face.OverlayFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frame.Cleared {
		return s.writeJSONLocked(ctx, overlayMessage{Type: "clear", VideoVisible: frame.VideoVisible})
	}
	if err := s.writeJSONLocked(ctx, overlayMessage{Type: "overlay", Faces: frame.Faces, VideoVisible: frame.VideoVisible}); err != nil {
		return err
	}
	return s.ws.Write(ctx, websocket.MessageBinary, frame.PNG)
}

func (s *session) sendError(ctx context.Context, code string) {
	if err := s.writeJSON(ctx, map[string]string{"error": code}); err != nil {
		slog.Debug("Failed to send error", "error", err, "code", code)
	}
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONLocked(ctx, v)
}

func (s *session) writeJSONLocked(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.ws.Write(ctx, websocket.MessageText, data)
}
