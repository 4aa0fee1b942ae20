package connector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
)

// Transcript directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// TranscriptLogConfig controls transcript persistence.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptEvent is one line of a conversation transcript.
type TranscriptEvent struct {
	Timestamp      string         `json:"ts"`
	ChannelID      string         `json:"channel_id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id,omitempty"`
	Direction      string         `json:"direction"`
	ActivityType   string         `json:"activity_type"`
	ActivityID     string         `json:"activity_id,omitempty"`
	ContentRaw     string         `json:"content_raw,omitempty"`
	Content        string         `json:"content,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// TranscriptLogger records activities exchanged with the bot.
type TranscriptLogger interface {
	Log(event TranscriptEvent)
	Close() error
}

type noopTranscriptLogger struct{}

func (noopTranscriptLogger) Log(TranscriptEvent) {}
func (noopTranscriptLogger) Close() error        { return nil }

// NewNoopTranscriptLogger returns a logger that discards everything.
func NewNoopTranscriptLogger() TranscriptLogger { return noopTranscriptLogger{} }

// fileTranscriptLogger appends NDJSON lines to dir/<channel>/<conversation>.ndjson
// from a single writer goroutine.
type fileTranscriptLogger struct {
	dir    string
	queue  chan TranscriptEvent
	done   chan struct{}
	logger *slog.Logger
	files  map[string]*os.File

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewTranscriptLogger creates a transcript logger. A disabled config yields a noop logger.
func NewTranscriptLogger(cfg TranscriptLogConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return noopTranscriptLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}

	l := &fileTranscriptLogger{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	go l.run()
	return l, nil
}

// Log enqueues an event without blocking. Events are dropped when the queue is full.
func (l *fileTranscriptLogger) Log(event TranscriptEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"conversation_id", event.ConversationID,
			"direction", event.Direction,
		)
	}
}

// Close drains the queue and closes every open file.
func (l *fileTranscriptLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done

	var firstErr error
	for path, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close transcript %s: %w", path, err)
		}
	}
	l.files = map[string]*os.File{}
	return firstErr
}

func (l *fileTranscriptLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write transcript event",
				"error", err,
				"conversation_id", event.ConversationID,
			)
		}
	}
}

func (l *fileTranscriptLogger) write(event TranscriptEvent) error {
	path := filepath.Join(l.dir, safePathSegment(event.ChannelID), safePathSegment(event.ConversationID)+".ndjson")
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create transcript dir: %w", err)
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path segments are sanitized
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		l.files[path] = f
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transcript event: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write transcript event: %w", err)
	}
	return nil
}

// transcriptEvent describes an activity for the transcript.
func transcriptEvent(activity *domain.Activity, direction string) TranscriptEvent {
	userID := activity.From.ID
	if direction == DirectionOutbound {
		userID = activity.Recipient.ID
	}
	raw := activity.Text
	meta := map[string]any{}
	if len(activity.Attachments) > 0 {
		types := make([]string, 0, len(activity.Attachments))
		for _, att := range activity.Attachments {
			types = append(types, att.ContentType)
		}
		meta["attachments"] = types
	}
	if len(activity.MembersAdded) > 0 {
		meta["members_added"] = len(activity.MembersAdded)
	}
	if len(meta) == 0 {
		meta = nil
	}
	return TranscriptEvent{
		ChannelID:      activity.ChannelID,
		ConversationID: activity.Conversation.ID,
		UserID:         userID,
		Direction:      direction,
		ActivityType:   activity.Type,
		ActivityID:     activity.ID,
		ContentRaw:     raw,
		Meta:           meta,
	}
}

var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*(\x07|\x1b\\)`)
	unsafeSegments = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// cleanForReadability strips ANSI escapes and control characters other than newline and tab.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func safePathSegment(s string) string {
	s = unsafeSegments.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "default"
	}
	return s
}
