// Package conversation is the gateway every client operation goes through.
//
// # Overview
//
// The Service sits between the transport handlers and the domain
// components: the store, the presence tracker, the attachment pipeline,
// the moderation workflow and the exporter. Every operation follows the
// same path:
//
//  1. bound the call with the request timeout
//  2. resolve the caller from the context (see auth.WithCaller)
//  3. load the thread the operation touches and authorize the action
//  4. run the operation, passing an audit entry built from the caller
//  5. publish a change event for live subscribers
//
// A deadline hit anywhere on that path surfaces as store.ErrTransient so
// clients know the call is safe to retry.
//
// # Record first
//
// SendMessage persists the message before its attachments are ingested.
// Scans run in the background and can never leave an attachment without
// its message; their results arrive as attachment_scanned events.
//
// A send may carry an idempotency key. Sends sharing a (caller, thread, key)
// triple are serialized, and while the key is remembered every repeat gets
// the first message back.
//
// # Events
//
// Events are hints. Subscribers re-read state through the Service rather
// than trusting payloads, and a failed publish never fails the operation.
package conversation
