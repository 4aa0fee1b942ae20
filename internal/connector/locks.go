package connector

import (
	"context"
	"sync"
)

// conversationLocks serializes turns of the same conversation.
// Entries are dropped once nobody holds or waits for them.
type conversationLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{entries: make(map[string]*lockEntry)}
}

// Lock blocks until the conversation is free or ctx is done.
// The returned func releases the lock.
func (l *conversationLocks) Lock(ctx context.Context, conversationID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[conversationID]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(conversationID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.release(conversationID, entry)
		})
	}, nil
}

func (l *conversationLocks) release(conversationID string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, conversationID)
	}
}

func (l *conversationLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
