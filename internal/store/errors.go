// ABOUTME: Error taxonomy shared by the store and every service built on it
// ABOUTME: Specific errors wrap a category sentinel so callers can errors.Is either one

package store

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Transport layers map these to status codes.
var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not perform the operation
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState is returned when an operation is not valid for the
	// entity's current state machine position. Never retried.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict is returned when a concurrent mutation invalidated a precondition
	ErrConflict = errors.New("conflict")

	// ErrTransient marks failures that are safe to retry
	ErrTransient = errors.New("transient failure")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")
)

var (
	ErrThreadNotFound     = fmt.Errorf("thread %w", ErrNotFound)
	ErrMessageNotFound    = fmt.Errorf("message %w", ErrNotFound)
	ErrAttachmentNotFound = fmt.Errorf("attachment %w", ErrNotFound)
	ErrReportNotFound     = fmt.Errorf("report %w", ErrNotFound)
	ErrExportNotFound     = fmt.Errorf("export job %w", ErrNotFound)

	ErrInvalidParticipants = fmt.Errorf("thread needs at least two distinct participants: %w", ErrValidation)
	ErrInvalidCursor       = fmt.Errorf("invalid cursor: %w", ErrValidation)

	ErrNotParticipant = fmt.Errorf("not a thread participant: %w", ErrForbidden)
	ErrNotSender      = fmt.Errorf("only the sender may change a message: %w", ErrForbidden)

	ErrThreadArchived    = fmt.Errorf("thread is archived: %w", ErrInvalidState)
	ErrMessageDeleted    = fmt.Errorf("message is deleted: %w", ErrInvalidState)
	ErrMessageRemoved    = fmt.Errorf("message was removed by moderation: %w", ErrInvalidState)
	ErrAlreadyResolved   = fmt.Errorf("report already resolved: %w", ErrInvalidState)
	ErrIllegalTransition = fmt.Errorf("illegal moderation transition: %w", ErrInvalidState)
	ErrRetriesExhausted  = fmt.Errorf("attachment retries exhausted: %w", ErrInvalidState)
)

// IsRetryable reports whether err is safe to retry. Deadline expiry counts
// as transient; invalid state and authorization failures never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
