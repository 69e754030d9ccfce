// Package errors provides structured error handling for the relay core.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeAccessDenied marks a connection handshake with a bad or missing
	// session credential. The connection is closed and no state is created.
	CodeAccessDenied Code = "ACCESS_DENIED"

	// CodeTransientFetchFailure marks a profile, flight, or decrypt lookup
	// that failed for one item. It degrades that item only and never aborts
	// the surrounding batch.
	CodeTransientFetchFailure Code = "TRANSIENT_FETCH_FAILURE"

	// CodeRateLimited marks a broadcast attempt suppressed by policy. It is
	// not surfaced to users; the attempt is dropped, not queued.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeCompensatedDelete marks a chat delete that was optimistically
	// applied and then rejected upstream.
	CodeCompensatedDelete Code = "COMPENSATED_DELETE"

	// CodeLeaderConflict marks two peers briefly both believing they lead.
	// It resolves passively on the next heartbeat observation.
	CodeLeaderConflict Code = "LEADER_CONFLICT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)
