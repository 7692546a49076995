package live

import "errors"

var (
	// ErrInvariant reports state the queue guarantees can never occur. It is never
	// converted into an empty or degraded response.
	ErrInvariant        = errors.New("live queue invariant violated")
	ErrUnknownEventType = errors.New("unknown event type")
)
