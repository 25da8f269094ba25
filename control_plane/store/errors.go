package store

import "errors"

var (
	// ErrStoreUnavailable signals a transient connectivity loss. Callers retry
	// with backoff; the store itself performs no silent retries that could
	// reorder writes.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAgentNotFound is returned for reads and writes against an unknown
	// agent_id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidTransition flags a heartbeat whose self-reported state is a
	// disallowed transition (e.g. Active after Stopped). The heartbeat itself
	// is still persisted; the contradiction is evidence for the issue
	// detector, not a write error.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrHeartbeatOutOfOrder rejects a heartbeat whose timestamp is not
	// strictly after the newest stored beat. Unlike ErrInvalidTransition,
	// nothing is persisted.
	ErrHeartbeatOutOfOrder = errors.New("heartbeat out of order")
)
