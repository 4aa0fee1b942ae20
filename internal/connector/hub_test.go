package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEMessageQueueEvictsPerConversation(t *testing.T) {
	q := NewSSEMessageQueue(2)

	for i := int64(1); i <= 3; i++ {
		q.Enqueue("busy", i, domain.NewMessageActivity("busy"))
	}
	q.Enqueue("quiet", 4, domain.NewMessageActivity("quiet"))

	busy := q.GetMissedMessages("busy", 0)
	require.Len(t, busy, 2)
	assert.Equal(t, int64(2), busy[0].EventID)
	assert.Equal(t, int64(3), busy[1].EventID)

	assert.Len(t, q.GetMissedMessages("quiet", 0), 1, "eviction must not cross conversations")
}

func TestSSEMessageQueueMissedAfterEventID(t *testing.T) {
	q := NewSSEMessageQueue(10)
	for i := int64(1); i <= 5; i++ {
		q.Enqueue("c", i, domain.NewMessageActivity("m"))
	}

	missed := q.GetMissedMessages("c", 3)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(4), missed[0].EventID)
	assert.Equal(t, int64(5), missed[1].EventID)

	assert.Empty(t, q.GetMissedMessages("c", 5))
	assert.Nil(t, q.GetMissedMessages("unknown", 0))
}

func TestSSEMessageQueuePruneIdle(t *testing.T) {
	q := NewSSEMessageQueue(10)
	q.Enqueue("idle", 1, domain.NewMessageActivity("m"))
	q.Enqueue("watched", 2, domain.NewMessageActivity("m"))

	dropped := q.PruneIdle(time.Now().Add(time.Second), func(id string) bool { return id == "watched" })
	assert.Equal(t, 1, dropped)
	assert.Nil(t, q.GetMissedMessages("idle", 0))
	assert.Len(t, q.GetMissedMessages("watched", 0), 1)

	assert.Zero(t, q.PruneIdle(time.Now().Add(-time.Hour), nil), "fresh queues are kept")
}

func TestHubPublishAfterCloseFails(t *testing.T) {
	h := NewHub(10, time.Second)
	h.Close()
	h.Close()
	assert.Error(t, h.Publish(context.Background(), domain.NewMessageActivity("late")))
}

func TestHubPublishHonorsContext(t *testing.T) {
	// No broadcast loop drains this hub.
	h := &Hub{outbound: make(chan *domain.Activity), done: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Publish(ctx, domain.NewMessageActivity("stuck"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// stalledWriter is a stream whose reader stopped reading: every write
// blocks until the write deadline passes.
type stalledWriter struct {
	header   http.Header
	mu       sync.Mutex
	deadline time.Time
	release  chan struct{}
}

func newStalledWriter(t *testing.T) *stalledWriter {
	t.Helper()
	w := &stalledWriter{header: http.Header{}, release: make(chan struct{})}
	t.Cleanup(func() { close(w.release) })
	return w
}

func (w *stalledWriter) Header() http.Header { return w.header }

func (w *stalledWriter) WriteHeader(int) {}

func (w *stalledWriter) Write([]byte) (int, error) {
	w.mu.Lock()
	deadline := w.deadline
	w.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		expired = time.After(time.Until(deadline))
	}
	select {
	case <-expired:
		return 0, os.ErrDeadlineExceeded
	case <-w.release:
		return 0, io.ErrClosedPipe
	}
}

func (w *stalledWriter) Flush() {}

func (w *stalledWriter) SetWriteDeadline(d time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deadline = d
	return nil
}

func TestHubDropsStalledStream(t *testing.T) {
	h := NewHub(10, 20*time.Millisecond)
	t.Cleanup(h.Close)

	conn := newSSEConnection(h.nextConnectionID(), "conv-stalled", 0, newStalledWriter(t))
	h.register(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 250; i++ {
		a := domain.NewMessageActivity("m")
		a.Conversation.ID = "conv-stalled"
		require.NoError(t, h.Publish(ctx, a), "publish %d must not wait on a stalled reader", i)
	}

	select {
	case <-conn.Failed():
	case <-ctx.Done():
		t.Fatal("stalled stream was never dropped")
	}
	assert.False(t, h.hasConnections("conv-stalled"))
}

func TestStreamHandlerReturnsOnStalledReader(t *testing.T) {
	cfg := testConfig()
	cfg.SSE.WriteTimeout = 20 * time.Millisecond
	h := newTestHandler(t, newWelcomeBot(t), cfg)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-stalled/stream", nil)
	w := newStalledWriter(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeHTTP(w, req)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler blocked on a stalled reader")
	}
	assert.False(t, h.hub.hasConnections("conv-stalled"))
}

func TestConversationLocksReleaseAndCancel(t *testing.T) {
	l := newConversationLocks()

	unlock, err := l.Lock(context.Background(), "c")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "c")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "other")
	require.NoError(t, err, "other conversations are independent")
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, l.size())

	again, err := l.Lock(context.Background(), "c")
	require.NoError(t, err)
	again()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterEvictsStaleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	rl.Allow("stale")
	rl.evict(time.Now().Add(2 * time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.requests, "stale")
}
