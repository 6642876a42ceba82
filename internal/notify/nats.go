// ABOUTME: NATS publisher forwarding gateway events to the external notification bus
// ABOUTME: Subjects are <prefix>.<thread_id>.<event_type> with a JSON body

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "coven.messaging"

// NATSOptions configures the NATS connection.
type NATSOptions struct {
	URL           string
	Name          string
	SubjectPrefix string
}

// NATSPublisher publishes events on a core NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to NATS with unlimited reconnects and returns a publisher.
func DialNATS(opts NATSOptions, logger *slog.Logger) (*NATSPublisher, error) {
	if opts.Name == "" {
		opts.Name = "coven-messaging"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", opts.URL, err)
	}
	return NewNATSPublisher(nc, opts.SubjectPrefix, logger), nil
}

// NewNATSPublisher wraps an existing connection. Pass nil logger for default.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		nc:     nc,
		prefix: prefix,
		logger: logger.With("component", "nats"),
	}
}

// Subject returns the subject an event is published on.
func Subject(prefix string, ev *Event) string {
	return prefix + "." + ev.ThreadID + "." + string(ev.Type)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, ev))
	msg.Data = data
	msg.Header.Set("Coven-Event-Id", ev.ID)
	msg.Header.Set("Coven-Event-Type", string(ev.Type))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
