// Package connector exposes the bot over HTTP: an activity endpoint and an
// SSE stream of outbound activities per conversation.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/replyhelper/internal/api"
	"github.com/ashureev/replyhelper/internal/bot"
	"github.com/ashureev/replyhelper/internal/config"
	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

const defaultStreamWriteTimeout = 10 * time.Second

// Handler receives activities and streams the bot's replies.
type Handler struct {
	bot         bot.Handler
	hub         *Hub
	locks       *conversationLocks
	rateLimiter *RateLimiter
	log         TranscriptLogger
	cfg         *config.Config
}

// NewHandler creates a connector for b. A nil transcript logger disables transcripts.
func NewHandler(b bot.Handler, transcript TranscriptLogger, cfg *config.Config) *Handler {
	if transcript == nil {
		transcript = noopTranscriptLogger{}
	}

	rateLimitRequests := 30
	rateLimitWindow := time.Minute
	replayQueueSize := 100
	writeTimeout := defaultStreamWriteTimeout
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		replayQueueSize = cfg.SSE.ReplayQueueSize
		if cfg.SSE.WriteTimeout > 0 {
			writeTimeout = cfg.SSE.WriteTimeout
		}
	}

	return &Handler{
		bot:         b,
		hub:         NewHub(replayQueueSize, writeTimeout),
		locks:       newConversationLocks(),
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		log:         transcript,
		cfg:         cfg,
	}
}

// RegisterRoutes registers connector routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/messages", h.HandleMessages)
	r.Get("/api/conversations/{conversationID}/stream", h.HandleStream)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.hub.Close()
	h.rateLimiter.Stop()
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close transcript logger", "error", err)
	}
}

const (
	turnErrorMessage         = "The bot encountered an error or bug."
	turnErrorDeliveryTimeout = 5 * time.Second
)

// repliesResponse is the body returned for expectReplies delivery.
type repliesResponse struct {
	Activities []*domain.Activity `json:"activities"`
}

// HandleMessages handles POST /api/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var activity domain.Activity
	if err := json.NewDecoder(r.Body).Decode(&activity); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if activity.Type == "" {
		api.Error(w, http.StatusBadRequest, "type is required")
		return
	}
	if activity.Conversation.ID == "" {
		api.Error(w, http.StatusBadRequest, "conversation.id is required")
		return
	}

	// from.id is caller-chosen, so the limit is per client address.
	if !h.rateLimiter.Allow(identity.IPFromRequest(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.Timestamp == nil {
		now := time.Now().UTC()
		activity.Timestamp = &now
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Activity received",
		"type", activity.Type,
		"channel_id", activity.ChannelID,
		"conversation_id", activity.Conversation.ID,
		"user_id", activity.From.ID,
		"request_id", reqID,
	)
	inbound := transcriptEvent(&activity, DirectionInbound)
	inbound.Meta = withRequestID(inbound.Meta, reqID)
	h.log.Log(inbound)

	unlock, err := h.locks.Lock(r.Context(), activity.Conversation.ID)
	if err != nil {
		slog.Warn("Turn abandoned while waiting for conversation", "conversation_id", activity.Conversation.ID, "error", err)
		api.Error(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	defer unlock()

	turn := newTurnContext(&activity, h.deliver)
	if err := h.bot.OnTurn(r.Context(), turn); err != nil {
		slog.Error("Turn failed",
			"error", err,
			"conversation_id", activity.Conversation.ID,
			"activity_id", activity.ID,
			"request_id", reqID,
		)
		h.notifyTurnError(&activity)
		api.Error(w, http.StatusInternalServerError, turnErrorMessage)
		return
	}

	if activity.ExpectsReplies() {
		replies := turn.Replies()
		if replies == nil {
			replies = []*domain.Activity{}
		}
		api.JSON(w, http.StatusOK, repliesResponse{Activities: replies})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// deliver logs an outgoing activity and hands it to the hub.
func (h *Handler) deliver(ctx context.Context, activity *domain.Activity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.log.Log(transcriptEvent(activity, DirectionOutbound))
	if err := h.hub.Publish(ctx, activity); err != nil {
		return fmt.Errorf("publish activity: %w", err)
	}
	return nil
}

// notifyTurnError tells the conversation stream that the turn failed.
func (h *Handler) notifyTurnError(in *domain.Activity) {
	reply := in.CreateReply(turnErrorMessage)
	reply.ID = uuid.NewString()
	now := time.Now().UTC()
	reply.Timestamp = &now
	ctx, cancel := context.WithTimeout(context.Background(), turnErrorDeliveryTimeout)
	defer cancel()
	if err := h.deliver(ctx, reply); err != nil {
		slog.Warn("failed to deliver turn error notice", "error", err, "conversation_id", in.Conversation.ID)
	}
}

func withRequestID(meta map[string]any, reqID string) map[string]any {
	if reqID == "" {
		return meta
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_id"] = reqID
	return meta
}

// HandleStream handles GET /api/conversations/{conversationID}/stream.
// Clients reconnecting with Last-Event-ID receive the activities they missed.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		api.Error(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"conversation_id", conversationID,
				"last_event_id", lastEventID,
			)
		}
	}

	if _, ok := w.(http.Flusher); !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	retryDelayMs := int64(5000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	writeTimeout := h.hub.writeTimeout

	conn := newSSEConnection(h.hub.nextConnectionID(), conversationID, lastEventID, w)

	// Hold the connection lock until the connected event is written so a
	// concurrent broadcast cannot interleave with the replay.
	conn.mu.Lock()
	err := conn.writeLocked(writeTimeout, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "retry: %d\n\n", retryDelayMs)
		return err
	})
	if err != nil {
		conn.mu.Unlock()
		slog.Warn("failed to write SSE retry header", "error", err, "conversation_id", conversationID)
		return
	}

	h.hub.register(conn)
	defer func() {
		h.hub.unregister(conn)
		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()
		slog.Info("SSE connection closed", "conversation_id", conversationID, "conn_id", conn.ID)
	}()

	replayed := 0
	if lastEventID > 0 {
		for _, msg := range h.hub.messageQueue.GetMissedMessages(conversationID, lastEventID) {
			data, err := json.Marshal(msg.Activity)
			if err != nil {
				continue
			}
			err = conn.writeLocked(writeTimeout, func(w io.Writer) error {
				return writeSSEWithID(w, msg.EventID, "activity", string(data))
			})
			if err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to replay SSE activity", "error", err, "conversation_id", conversationID)
				return
			}
			replayed++
		}
	}

	eventID := h.hub.nextEventID()
	conn.EventID = eventID
	connectedData := fmt.Sprintf(`{"status":"connected","conversation_id":%q,"event_id":%d,"replayed":%d}`,
		conversationID, eventID, replayed)
	err = conn.writeLocked(writeTimeout, func(w io.Writer) error {
		return writeSSEWithID(w, eventID, "connected", connectedData)
	})
	conn.mu.Unlock()
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "conversation_id", conversationID)
		return
	}

	slog.Info("SSE connection established",
		"conversation_id", conversationID,
		"event_id", eventID,
		"reconnect", lastEventID > 0,
		"replayed", replayed,
	)

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Conversation stream disconnected", "conversation_id", conversationID)
			return
		case <-h.hub.done:
			return
		case <-conn.Failed():
			slog.Warn("Conversation stream dropped after failed write", "conversation_id", conversationID)
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := conn.writeLocked(writeTimeout, func(w io.Writer) error {
				return writeSSE(w, "ping", `{"status":"alive"}`)
			})
			conn.mu.Unlock()
			if err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "conversation_id", conversationID)
				return
			}
		}
	}
}
