package kernel

import "errors"

// Expected runtime conditions. These are returned to the caller and leave all
// scheduler state consistent.
var (
	ErrTimedOut        = errors.New("kernel: timed out")
	ErrNoMemory        = errors.New("kernel: out of memory")
	ErrThreadDetached  = errors.New("kernel: thread detached")
	ErrNotBlocked      = errors.New("kernel: thread not blocked")
	ErrNotSuspended    = errors.New("kernel: thread not suspended")
	ErrObjectDestroyed = errors.New("kernel: object destroyed")
	ErrInvalidArgs     = errors.New("kernel: invalid arguments")
	ErrAlreadyStarted  = errors.New("kernel: already started")
	ErrHalted          = errors.New("kernel: halted")
)
