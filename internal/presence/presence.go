// ABOUTME: Typing presence tracking keyed by (thread, user) with time-based expiry
// ABOUTME: Defines the Tracker contract shared by the in-memory and Redis backends

package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-messaging/internal/store"
)

// DefaultTTL is how long a typing indicator stays fresh without a refresh.
const DefaultTTL = 8 * time.Second

// Tracker records who is typing in which thread. Writes are last-write-wins
// and nothing is durable: a restart simply starts from empty.
type Tracker interface {
	// SetTyping upserts the (user, thread) entry with lastActivity = now.
	SetTyping(ctx context.Context, userID, threadID string, isTyping bool) error

	// ListTyping returns users currently typing in the thread, excluding
	// callerID. Entries older than the TTL are treated as absent.
	ListTyping(ctx context.Context, threadID, callerID string) ([]string, error)

	Close() error
}

func validate(userID, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return fmt.Errorf("thread id is required: %w", store.ErrValidation)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required: %w", store.ErrValidation)
	}
	return nil
}
