package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotRunnable means the job cannot be picked up by this task: wrong
// owner, no original, or not processing. The job is left untouched.
var ErrNotRunnable = errors.New("job not runnable")

// ResourceError is a scratch-space failure.
type ResourceError struct {
	Op   string
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("scratch %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("scratch %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// StageError is the failure that stopped a job.
type StageError struct {
	Stage Stage
	Err   error
}

// Error is the verbatim underlying message; it is what gets persisted as
// the job's error_message.
func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }
