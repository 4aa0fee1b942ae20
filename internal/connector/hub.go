package connector

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
)

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID             int64
	ConversationID string
	EventID        int64
	ConnectedAt    time.Time
	LastEventID    int64
	Writer         http.ResponseWriter
	Controller     *http.ResponseController
	Done           chan struct{}
	mu             sync.Mutex

	failed   chan struct{}
	failOnce sync.Once
}

func newSSEConnection(id int64, conversationID string, lastEventID int64, w http.ResponseWriter) *SSEConnection {
	return &SSEConnection{
		ID:             id,
		ConversationID: conversationID,
		ConnectedAt:    time.Now(),
		LastEventID:    lastEventID,
		Writer:         w,
		Controller:     http.NewResponseController(w),
		Done:           make(chan struct{}),
		failed:         make(chan struct{}),
	}
}

// Failed is closed once a write to the connection fails or times out.
func (c *SSEConnection) Failed() <-chan struct{} {
	return c.failed
}

// writeLocked writes one event under a write deadline and flushes it.
// The caller holds c.mu. Any error marks the connection failed.
func (c *SSEConnection) writeLocked(timeout time.Duration, write func(io.Writer) error) error {
	if timeout > 0 {
		if err := c.Controller.SetWriteDeadline(time.Now().Add(timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			c.fail()
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	err := write(c.Writer)
	if err == nil {
		err = c.Controller.Flush()
	}
	if err != nil {
		c.fail()
		return err
	}
	if timeout > 0 {
		_ = c.Controller.SetWriteDeadline(time.Time{})
	}
	return nil
}

func (c *SSEConnection) fail() {
	c.failOnce.Do(func() { close(c.failed) })
}

// QueuedActivity is an outbound activity kept for replay.
type QueuedActivity struct {
	EventID   int64
	Activity  *domain.Activity
	Timestamp time.Time
}

// SSEMessageQueue buffers outbound activities per conversation so a
// reconnecting client can catch up from its Last-Event-ID.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewSSEMessageQueue creates a new per-conversation message queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an activity to the conversation queue, evicting the oldest past maxSize.
func (q *SSEMessageQueue) Enqueue(conversationID string, eventID int64, activity *domain.Activity) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[conversationID]
	if !ok {
		l = list.New()
		q.queues[conversationID] = l
	}
	l.PushBack(&QueuedActivity{
		EventID:   eventID,
		Activity:  activity,
		Timestamp: time.Now(),
	})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages returns queued activities with an event ID after afterEventID.
func (q *SSEMessageQueue) GetMissedMessages(conversationID string, afterEventID int64) []*QueuedActivity {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[conversationID]
	if !ok {
		return nil
	}
	var missed []*QueuedActivity
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedActivity)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune drops the queue of a conversation.
func (q *SSEMessageQueue) Prune(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, conversationID)
}

// PruneIdle drops queues whose newest activity is older than cutoff,
// except those for which keep returns true. It returns the number dropped.
func (q *SSEMessageQueue) PruneIdle(cutoff time.Time, keep func(conversationID string) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for id, l := range q.queues {
		back := l.Back()
		if back != nil && back.Value.(*QueuedActivity).Timestamp.After(cutoff) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(q.queues, id)
		dropped++
	}
	return dropped
}

// replayRetention is how long an idle conversation keeps its replay queue.
const replayRetention = 15 * time.Minute

// Hub fans outbound activities out to the SSE connections of their conversation.
type Hub struct {
	outbound      chan *domain.Activity
	writeTimeout  time.Duration
	connections   map[string]map[int64]*SSEConnection
	messageQueue  *SSEMessageQueue
	connectionsMu sync.RWMutex
	eventCounter  int64
	connectionID  int64
	counterMu     sync.Mutex
	done          chan struct{}
	closeOnce     sync.Once
}

// NewHub creates a hub and starts its broadcast loop. A stream write that
// takes longer than writeTimeout drops that stream.
func NewHub(replayQueueSize int, writeTimeout time.Duration) *Hub {
	h := &Hub{
		outbound:     make(chan *domain.Activity, 100),
		writeTimeout: writeTimeout,
		connections:  make(map[string]map[int64]*SSEConnection),
		messageQueue: NewSSEMessageQueue(replayQueueSize),
		done:         make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// Publish queues an activity for broadcast.
func (h *Hub) Publish(ctx context.Context, activity *domain.Activity) error {
	select {
	case <-h.done:
		return fmt.Errorf("hub closed")
	case <-ctx.Done():
		return ctx.Err()
	case h.outbound <- activity:
		return nil
	}
}

// Close stops the broadcast loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) nextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

func (h *Hub) nextConnectionID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.connectionID++
	return h.connectionID
}

func (h *Hub) broadcastLoop() {
	slog.Info("[BROADCAST] Broadcast loop started")
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-h.done:
			slog.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case <-prune.C:
			if n := h.messageQueue.PruneIdle(time.Now().Add(-replayRetention), h.hasConnections); n > 0 {
				slog.Debug("[BROADCAST] Pruned idle replay queues", "count", n)
			}
		case activity := <-h.outbound:
			if activity == nil {
				slog.Warn("[BROADCAST] Nil activity received, skipping")
				continue
			}
			h.broadcast(activity)
		}
	}
}

func (h *Hub) broadcast(activity *domain.Activity) {
	conversationID := activity.Conversation.ID
	eventID := h.nextEventID()
	h.messageQueue.Enqueue(conversationID, eventID, activity)

	h.connectionsMu.RLock()
	convConns, exists := h.connections[conversationID]
	if !exists {
		h.connectionsMu.RUnlock()
		slog.Debug("[BROADCAST] No stream for conversation", "conversation_id", conversationID)
		return
	}
	conns := make([]*SSEConnection, 0, len(convConns))
	for _, c := range convConns {
		conns = append(conns, c)
	}
	h.connectionsMu.RUnlock()

	for _, conn := range conns {
		h.sendToConnection(conn, eventID, activity)
	}
}

func (h *Hub) register(conn *SSEConnection) {
	h.connectionsMu.Lock()
	defer h.connectionsMu.Unlock()
	if _, exists := h.connections[conn.ConversationID]; !exists {
		h.connections[conn.ConversationID] = make(map[int64]*SSEConnection)
	}
	h.connections[conn.ConversationID][conn.ID] = conn
}

func (h *Hub) unregister(conn *SSEConnection) {
	h.connectionsMu.Lock()
	defer h.connectionsMu.Unlock()
	if convConns, exists := h.connections[conn.ConversationID]; exists {
		delete(convConns, conn.ID)
		if len(convConns) == 0 {
			delete(h.connections, conn.ConversationID)
		}
	}
}

func (h *Hub) connectionCount(conversationID string) int {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	return len(h.connections[conversationID])
}

func (h *Hub) hasConnections(conversationID string) bool {
	return h.connectionCount(conversationID) > 0
}

// sendToConnection writes one activity event to a connection.
func (h *Hub) sendToConnection(conn *SSEConnection, eventID int64, activity *domain.Activity) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	case <-conn.failed:
		return
	default:
	}

	data, err := json.Marshal(activity)
	if err != nil {
		slog.Error("[SEND] Failed to marshal activity", "error", err, "conn_id", conn.ID)
		return
	}
	err = conn.writeLocked(h.writeTimeout, func(w io.Writer) error {
		return writeSSEWithID(w, eventID, "activity", string(data))
	})
	if err != nil {
		slog.Warn("[SEND] Dropping SSE connection after failed write",
			"error", err,
			"conn_id", conn.ID,
			"conversation_id", conn.ConversationID,
		)
		h.unregister(conn)
		return
	}
	conn.EventID = eventID
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
