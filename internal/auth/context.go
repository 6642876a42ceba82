// ABOUTME: Caller identity for tracking who is acting through request handlers
// ABOUTME: Provides WithCaller/FromContext for propagating the caller via context

package auth

import (
	"context"
	"slices"

	"github.com/2389/coven-messaging/internal/store"
)

// Role names with moderator powers.
const (
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// Caller holds the authenticated identity extracted from a request.
type Caller struct {
	ID        string   // user ID from the token subject
	Roles     []string // roles carried by the token or granted by config
	IPAddress string
	UserAgent string
}

// IsModerator returns true if the caller has the moderator or admin role.
func (c *Caller) IsModerator() bool {
	return slices.Contains(c.Roles, RoleModerator) || slices.Contains(c.Roles, RoleAdmin)
}

// Audit returns a fresh audit entry attributed to the caller. The store fills
// in the action target and timestamp.
func (c *Caller) Audit() *store.AuditEntry {
	return &store.AuditEntry{
		ActorID:   c.ID,
		IPAddress: c.IPAddress,
		UserAgent: c.UserAgent,
	}
}

type callerContextKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerContextKey{}).(*Caller)
	return c
}
