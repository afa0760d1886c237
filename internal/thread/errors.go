package thread

import "errors"

// Error taxonomy for registry and supervisor operations.
//
// ErrNotFound, ErrArchived and ErrInvalidState are caller errors and are
// surfaced immediately. ErrSpawnFailed and ErrCrashed are recovered
// locally: the thread reverts to idle with the reason attached.
// ErrPersistence is retried internally; only after exhausting retries is
// it surfaced, and never as loss of in-memory state.
var (
	ErrNotFound     = errors.New("thread not found")
	ErrArchived     = errors.New("thread is archived")
	ErrInvalidState = errors.New("operation invalid in current thread state")
	ErrSpawnFailed  = errors.New("worker process failed to start")
	ErrCrashed      = errors.New("worker process crashed")
	ErrPersistence  = errors.New("persistence failure")
)
