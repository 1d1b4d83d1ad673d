// ABOUTME: Sentinel errors for tunnel state and correlation failures.
// ABOUTME: Callers match these with errors.Is to map failures onto API responses.

package tunnel

import "errors"

var (
	// ErrConnectionUnavailable means no live tunnel connection exists.
	ErrConnectionUnavailable = errors.New("tunnel connection unavailable")

	// ErrTunnelLost means the connection carrying a pending request died
	// before the request completed.
	ErrTunnelLost = errors.New("tunnel connection lost")

	// ErrDuplicateID means a correlation id was registered twice. This is an
	// internal invariant violation, not a caller-facing condition.
	ErrDuplicateID = errors.New("duplicate correlation id")
)
