// Package server wires the coven-messaging components into one process.
//
// # Overview
//
// New builds every component from configuration: the SQLite store, the
// typing tracker (memory or Redis), the live event broadcaster and optional
// NATS publisher, the attachment pipeline, moderation, exports, the retention
// enforcer, the conversation gateway and the HTTP API.
//
// Run binds the HTTP listener and, when server.grpc_addr is set, a gRPC
// listener serving the standard grpc.health.v1 service. It then starts the
// background workers and blocks until the context is canceled.
//
// # Shutdown
//
// On cancel the server closes live event streams, drains HTTP and gRPC,
// stops the pipeline, exporter and retention workers, then closes NATS, the
// tracker and the store, all bounded by server.shutdown_timeout.
package server
