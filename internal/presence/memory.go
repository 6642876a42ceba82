// ABOUTME: In-process typing tracker backed by a TTL map
// ABOUTME: A background goroutine periodically drops entries past their TTL

package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type entry struct {
	typing       bool
	lastActivity time.Time
}

// MemoryTracker keeps presence in a map guarded by a RWMutex. It suits a
// single gateway process; use RedisTracker when several processes share
// threads.
type MemoryTracker struct {
	mu      sync.RWMutex
	threads map[string]map[string]entry // threadID -> userID -> entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// NewMemoryTracker creates a tracker with the given TTL (DefaultTTL when
// zero). Pass nil logger for default.
func NewMemoryTracker(ttl time.Duration, logger *slog.Logger) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &MemoryTracker{
		threads: make(map[string]map[string]entry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "presence"),
		done:    make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// SetClock replaces the time source. Used by tests.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetTyping records the caller's typing state for the thread.
func (t *MemoryTracker) SetTyping(ctx context.Context, userID, threadID string, isTyping bool) error {
	if err := validate(userID, threadID); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users, ok := t.threads[threadID]
	if !ok {
		users = make(map[string]entry)
		t.threads[threadID] = users
	}
	// Last write wins by activity time; a late write carrying an older
	// timestamp never overrides a fresher one.
	if prev, ok := users[userID]; ok && prev.lastActivity.After(now) {
		return nil
	}
	users[userID] = entry{typing: isTyping, lastActivity: now}
	return nil
}

// ListTyping returns the fresh typers in the thread other than callerID,
// sorted for stable output.
func (t *MemoryTracker) ListTyping(ctx context.Context, threadID, callerID string) ([]string, error) {
	if err := validate(callerID, threadID); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	typing := []string{}
	for userID, e := range t.threads[threadID] {
		if userID == callerID || !e.typing {
			continue
		}
		if now.Sub(e.lastActivity) >= t.ttl {
			continue
		}
		typing = append(typing, userID)
	}
	sort.Strings(typing)
	return typing, nil
}

// Len returns the number of entries held, fresh or not.
func (t *MemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, users := range t.threads {
		n += len(users)
	}
	return n
}

func (t *MemoryTracker) cleanup() {
	interval := t.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runCleanup()
		case <-t.done:
			return
		}
	}
}

// runCleanup removes expired entries and empty thread maps.
func (t *MemoryTracker) runCleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for threadID, users := range t.threads {
		for userID, e := range users {
			if now.Sub(e.lastActivity) >= t.ttl {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.threads, threadID)
		}
	}
	if removed > 0 {
		t.logger.Debug("expired presence entries", "count", removed)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (t *MemoryTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
	return nil
}
