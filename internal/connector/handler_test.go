package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/replyhelper/internal/bot"
	"github.com/ashureev/replyhelper/internal/config"
	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type botFunc func(ctx context.Context, turn bot.TurnContext) error

func (f botFunc) OnTurn(ctx context.Context, turn bot.TurnContext) error { return f(ctx, turn) }

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		SSE: config.SSEConfig{
			KeepaliveInterval:  time.Hour,
			RetryDelay:         time.Second,
			MaxRequestBodySize: 1 << 20,
			ReplayQueueSize:    10,
		},
	}
}

func newWelcomeBot(t *testing.T) *bot.WelcomeUserBot {
	t.Helper()
	card, err := bot.LoadCardTemplate("")
	require.NoError(t, err)
	return bot.NewWelcomeUserBot(bot.NewUserState(store.NewMemory()), card, bot.Config{})
}

func newTestHandler(t *testing.T, b bot.Handler, cfg *config.Config) *Handler {
	t.Helper()
	h := NewHandler(b, nil, cfg)
	t.Cleanup(h.Close)
	return h
}

func activityBody(t *testing.T, text, deliveryMode string) *bytes.Reader {
	t.Helper()
	return activityBodyFrom(t, "user-1", text, deliveryMode)
}

func activityBodyFrom(t *testing.T, fromID, text, deliveryMode string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(domain.Activity{
		Type:         domain.ActivityTypeMessage,
		ID:           "incoming-1",
		ChannelID:    "webchat",
		From:         domain.ChannelAccount{ID: fromID, Name: "Ada"},
		Recipient:    domain.ChannelAccount{ID: "bot-1", Name: "ReplyHelper"},
		Conversation: domain.ConversationAccount{ID: "conv-1"},
		Text:         text,
		DeliveryMode: deliveryMode,
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestHandleMessagesExpectRepliesReturnsInline(t *testing.T) {
	h := newTestHandler(t, newWelcomeBot(t), testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/messages", activityBody(t, "Ada", domain.DeliveryModeExpectReplies))
	w := httptest.NewRecorder()
	h.HandleMessages(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp repliesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Activities, 2)

	first := resp.Activities[0]
	assert.Equal(t, "Thanks Ada. Let me see how you day looks like...", first.Text)
	assert.Equal(t, "bot-1", first.From.ID)
	assert.Equal(t, "user-1", first.Recipient.ID)
	assert.Equal(t, "conv-1", first.Conversation.ID)
	assert.Equal(t, "incoming-1", first.ReplyToID)
	assert.Equal(t, "webchat", first.ChannelID)
	assert.NotEmpty(t, first.ID)
	assert.NotNil(t, first.Timestamp)

	require.Len(t, resp.Activities[1].Attachments, 1)
	assert.Equal(t, domain.ContentTypeHeroCard, resp.Activities[1].Attachments[0].ContentType)
}

func TestHandleMessagesAcceptsWithoutExpectReplies(t *testing.T) {
	h := newTestHandler(t, newWelcomeBot(t), testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/messages", activityBody(t, "Ada", ""))
	w := httptest.NewRecorder()
	h.HandleMessages(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleMessagesRejectsInvalidActivities(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"type":`},
		{name: "missing type", body: `{"conversation":{"id":"c"}}`},
		{name: "missing conversation", body: `{"type":"message"}`},
	}

	h := newTestHandler(t, newWelcomeBot(t), testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.HandleMessages(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleMessagesRejectsOversizedBody(t *testing.T) {
	cfg := testConfig()
	cfg.SSE.MaxRequestBodySize = 16
	h := newTestHandler(t, newWelcomeBot(t), cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", activityBody(t, strings.Repeat("x", 64), ""))
	w := httptest.NewRecorder()
	h.HandleMessages(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleMessagesRateLimitsPerClientAddress(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 1
	h := newTestHandler(t, botFunc(func(context.Context, bot.TurnContext) error { return nil }), cfg)

	post := func(remoteAddr, fromID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", activityBodyFrom(t, fromID, "hi", ""))
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		h.HandleMessages(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, post("203.0.113.7:40000", "user-1"))
	assert.Equal(t, http.StatusTooManyRequests, post("203.0.113.7:40001", "user-2"),
		"a new from.id on the same address shares the limit")
	assert.Equal(t, http.StatusAccepted, post("198.51.100.9:40000", "user-1"))
}

func TestHandleMessagesBotErrorReturns500(t *testing.T) {
	h := newTestHandler(t, botFunc(func(context.Context, bot.TurnContext) error {
		return errors.New("boom")
	}), testConfig())

	w := httptest.NewRecorder()
	h.HandleMessages(w, httptest.NewRequest(http.MethodPost, "/api/messages", activityBody(t, "a", "")))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

type sseEvent struct {
	ID    int64
	Event string
	Data  string
}

// readEvents parses SSE frames from r into the returned channel.
func readEvents(r *bufio.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if ev.Event != "" {
					ch <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, "id: "):
				ev.ID, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func openStream(t *testing.T, srv *httptest.Server, conversationID string, lastEventID int64) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/conversations/"+conversationID+"/stream", nil)
	require.NoError(t, err)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return readEvents(bufio.NewReader(resp.Body))
}

func newTestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamDeliversRepliesForConversation(t *testing.T) {
	h := newTestHandler(t, newWelcomeBot(t), testConfig())
	srv := newTestServer(t, h)

	events := openStream(t, srv, "conv-1", 0)
	connected := nextEvent(t, events)
	require.Equal(t, "connected", connected.Event)
	assert.Contains(t, connected.Data, `"conversation_id":"conv-1"`)

	resp, err := srv.Client().Post(srv.URL+"/api/messages", "application/json", activityBody(t, "Ada", ""))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	first := nextEvent(t, events)
	require.Equal(t, "activity", first.Event)
	var activity domain.Activity
	require.NoError(t, json.Unmarshal([]byte(first.Data), &activity))
	assert.Equal(t, "Thanks Ada. Let me see how you day looks like...", activity.Text)
	assert.Greater(t, first.ID, connected.ID)

	second := nextEvent(t, events)
	require.Equal(t, "activity", second.Event)
	assert.Greater(t, second.ID, first.ID)
}

func TestStreamReplaysOnlyEventsAfterLastEventID(t *testing.T) {
	h := newTestHandler(t, newWelcomeBot(t), testConfig())
	srv := newTestServer(t, h)

	for _, text := range []string{"one", "two", "three"} {
		a := domain.NewMessageActivity(text)
		a.Conversation.ID = "conv-replay"
		require.NoError(t, h.hub.Publish(context.Background(), a))
	}
	require.Eventually(t, func() bool {
		return len(h.hub.messageQueue.GetMissedMessages("conv-replay", 0)) == 3
	}, time.Second, 10*time.Millisecond)

	queued := h.hub.messageQueue.GetMissedMessages("conv-replay", 0)
	events := openStream(t, srv, "conv-replay", queued[0].EventID)

	var texts []string
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, events)
		require.Equal(t, "activity", ev.Event)
		var a domain.Activity
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &a))
		texts = append(texts, a.Text)
		assert.Greater(t, ev.ID, queued[0].EventID)
	}
	assert.Equal(t, []string{"two", "three"}, texts)

	connected := nextEvent(t, events)
	assert.Equal(t, "connected", connected.Event)
	assert.Contains(t, connected.Data, `"replayed":2`)
}

func TestStreamIgnoresOtherConversations(t *testing.T) {
	h := newTestHandler(t, newWelcomeBot(t), testConfig())
	srv := newTestServer(t, h)

	events := openStream(t, srv, "conv-a", 0)
	require.Equal(t, "connected", nextEvent(t, events).Event)

	other := domain.NewMessageActivity("not yours")
	other.Conversation.ID = "conv-b"
	require.NoError(t, h.hub.Publish(context.Background(), other))

	mine := domain.NewMessageActivity("yours")
	mine.Conversation.ID = "conv-a"
	require.NoError(t, h.hub.Publish(context.Background(), mine))

	ev := nextEvent(t, events)
	var a domain.Activity
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &a))
	assert.Equal(t, "yours", a.Text)
}

func TestTurnsOfOneConversationAreSerialized(t *testing.T) {
	var active, overlaps atomic.Int32
	gate := make(chan struct{})
	h := newTestHandler(t, botFunc(func(context.Context, bot.TurnContext) error {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		<-gate
		active.Add(-1)
		return nil
	}), testConfig())

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", activityBody(t, "x", ""))
		go func() {
			w := httptest.NewRecorder()
			h.HandleMessages(w, req)
			done <- w.Code
		}()
	}

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		gate <- struct{}{}
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusAccepted, <-done)
	}
	assert.Zero(t, overlaps.Load())
	assert.Equal(t, 0, h.locks.size())
}
