// Package dedupe remembers idempotency keys so a client retrying a request
// after a lost response gets the original result back.
//
// Keys live for a fixed TTL in a size-bounded cache held in process memory;
// a restart forgets them.
package dedupe
