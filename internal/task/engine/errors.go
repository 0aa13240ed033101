package engine

import "github.com/cockroachdb/errors"

var (
	ErrStopped  = errors.New("worker pool stopped")
	ErrPoolFull = errors.New("worker pool full")
	// ErrNameBusy means the job name is at its concurrency limit.
	ErrNameBusy = errors.New("job name at concurrency limit")
)
