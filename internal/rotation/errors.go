package rotation

import "errors"

// Sentinel errors for turn state machine and session control preconditions.
// Claim validation errors (NotYourTurn, QuotaExceeded, ...) live in the
// allocation package next to the strategies that raise them.
var (
	ErrAlreadyStarted       = errors.New("rotation year already started")
	ErrNotStarted           = errors.New("rotation year not started")
	ErrRotationCompleted    = errors.New("rotation year already completed")
	ErrStaleState           = errors.New("stale turn state version, re-read and retry")
	ErrInvalidRotationOrder = errors.New("invalid rotation order")
	ErrInvalidPeriods       = errors.New("requested periods must be positive")
	ErrGroupNotInRotation   = errors.New("group not part of this rotation year")
	ErrIdempotencyConflict  = errors.New("idempotency token reused with a different request")
)
