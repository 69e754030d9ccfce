// Package timeouts defines shared timeout constants used across the relay.
// Centralizing these values prevents drift between transport and aggregation
// code paths and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// ExternalFetch caps one profile, flight, or decrypt lookup so a single slow
// collaborator cannot stall assembly of the rest of an overview snapshot.
const ExternalFetch = 3 * time.Second

// AccessCheck caps the session access validation performed during the
// websocket handshake.
const AccessCheck = 3 * time.Second
