package job

import "github.com/cockroachdb/errors"

var (
	ErrInvalidJob      = errors.New("invalid job")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotFound        = errors.New("job not found")
	ErrLockContention  = errors.New("job lock contention")
	ErrHandlerFailure  = errors.New("job handler failed")
	ErrHandlerTimeout  = errors.New("job handler exceeded lock lifetime")
	ErrNoHandler       = errors.New("no handler defined for job name")
)
