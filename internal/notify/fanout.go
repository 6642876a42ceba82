// ABOUTME: Fan-out publisher combining the live broadcaster and external buses
// ABOUTME: Delivery failures are logged and never fail the originating operation

package notify

import (
	"context"
	"log/slog"
)

// Fanout publishes each event to every wrapped publisher in order.
type Fanout struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewFanout combines publishers. Nil entries are skipped.
func NewFanout(logger *slog.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger.With("component", "notify")}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Publish implements Publisher. It always returns nil.
func (f *Fanout) Publish(ctx context.Context, ev *Event) error {
	for _, p := range f.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			f.logger.Warn("failed to publish event",
				"event_id", ev.ID,
				"type", ev.Type,
				"thread_id", ev.ThreadID,
				"error", err)
		}
	}
	return nil
}

// Compile-time checks.
var (
	_ Publisher = (*Fanout)(nil)
	_ Publisher = (*Broadcaster)(nil)
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
)
