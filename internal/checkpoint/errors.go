package checkpoint

import "errors"

// ErrExpiredCheckpoint means the requested position is older than the retention window.
// The caller must resynchronize from current state instead of catching up incrementally.
var ErrExpiredCheckpoint = errors.New("checkpoint expired")
