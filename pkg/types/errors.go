// This file defines the standard error values.

package types

import "errors"

// Lock errors. Callers may retry ErrLocked with a backoff; ErrNotLocked is
// always a programming error in the caller.
var (
	ErrLocked    = errors.New("snapshot is locked by another process")
	ErrNotLocked = errors.New("operation requires the snapshot lock")
)

// Store errors.
var (
	ErrDuplicatePaths  = errors.New("snapshot file paths must be unique")
	ErrMalformedRecord = errors.New("malformed sequence record")
	ErrInvalidSeq      = errors.New("invalid sequence leader")
)

// Remote query errors. ErrDataError is recoverable per item; ErrResourceLimitReached
// ends the current batch.
var (
	ErrDataError            = errors.New("malformed factoring database result")
	ErrResourceLimitReached = errors.New("factoring database resource limit reached")
)

// ErrInvariant marks an internal consistency failure. It is never swallowed.
var ErrInvariant = errors.New("internal invariant violated")
