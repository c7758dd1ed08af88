package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// ConversationLocks provides per-conversation mutual exclusion with a
// bounded wait. Resolution runs under this lock; a timeout degrades to
// keep_both rather than blocking the pipeline.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	sem  chan struct{}
	refs int
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*convLock)}
}

// Acquire takes the lock for conversationID, waiting at most maxWait.
// Returns the release func, or domain.ErrConflictLockTimeout when the lock
// could not be acquired in time.
func (l *ConversationLocks) Acquire(ctx context.Context, conversationID string, maxWait time.Duration) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[conversationID]
	if !ok {
		entry = &convLock{sem: make(chan struct{}, 1)}
		l.locks[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.release(conversationID, entry)
		}, nil
	case <-timer.C:
		l.release(conversationID, entry)
		return nil, domain.ErrConflictLockTimeout
	case <-ctx.Done():
		l.release(conversationID, entry)
		return nil, domain.ErrConflictLockTimeout
	}
}

func (l *ConversationLocks) release(conversationID string, entry *convLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, conversationID)
	}
	l.mu.Unlock()
}
