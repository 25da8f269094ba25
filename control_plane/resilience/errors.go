package resilience

import "errors"

// Failure taxonomy shared across the coordinator, recovery engine and API.
// StoreUnavailable lives in the store package next to the backends that raise
// it; the rest of the taxonomy is defined here.
var (
	// ErrAgentUnresponsive marks a liveness failure: no heartbeat within the
	// unresponsive threshold.
	ErrAgentUnresponsive = errors.New("agent unresponsive")

	// ErrRecoveryActionFailed marks an action whose execution returned failure
	// or timed out. Never silently swallowed; triggers rollback or escalation.
	ErrRecoveryActionFailed = errors.New("recovery action failed")

	// ErrConfiguration marks missing or invalid thresholds at startup. Fatal:
	// the coordinator loop must not start with a broken configuration.
	ErrConfiguration = errors.New("configuration error")
)
