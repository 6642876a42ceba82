// ABOUTME: In-memory fan-out event broadcaster for live thread subscriptions
// ABOUTME: Publishes gateway events to every subscriber of a thread without blocking

package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub keyed by thread ID. Subscribers
// register for a thread and receive events as operations complete, so
// clients stay current without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // threadID -> subID -> ch
	dropped     atomic.Int64
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given thread.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, threadID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan *Event)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"thread_id", threadID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(threadID, subID)
	}()

	return ch, subID
}

// Publish implements Publisher by broadcasting to every subscriber of the
// event's thread.
func (b *Broadcaster) Publish(_ context.Context, ev *Event) error {
	b.Broadcast(ev.ThreadID, ev, "")
	return nil
}

// Broadcast sends an event to all subscribers of the given thread.
// If excludeSubID is non-empty, that subscriber is skipped.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Broadcast(threadID string, ev *Event, excludeSubID string) {
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; every send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[threadID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropped event for slow subscriber",
				"thread_id", threadID,
				"event_id", ev.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(threadID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("subscriber removed",
		"thread_id", threadID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions across all threads.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Dropped returns how many events were dropped for slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for threadID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("broadcaster closed")
}
