// Package api serves the messaging service over HTTP.
//
// # Overview
//
// Every /api route runs behind bearer-token authentication and a per-caller
// token bucket, then calls straight into the conversation service. The
// service decides authorization; this package only translates JSON and maps
// errors to status codes:
//
//	not found       404
//	forbidden       403
//	validation      400
//	invalid state   409
//	conflict        409
//	transient       503 (with Retry-After)
//	anything else   500
//
// Error bodies are {"error": "..."}.
//
// POST /api/threads/{id}/messages accepts an Idempotency-Key header. A retry
// with the same key returns the message the first attempt created.
//
// # Live Events
//
// GET /api/threads/{id}/events is a Server-Sent Events stream of the thread's
// change events. Browsers using EventSource cannot set headers, so GET
// requests may pass the token as ?access_token=.
//
// # Health
//
// /health always answers OK while the process runs. /health/ready runs the
// configured readiness check.
package api
