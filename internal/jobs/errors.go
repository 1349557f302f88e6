package jobs

import (
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
)

var (
	// ErrForbidden is returned by Cancel when the caller lacks the job's
	// cancel right.
	ErrForbidden = errors.New("jobs: caller lacks the right to cancel this job")

	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("jobs: job not found")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("jobs: scheduler is shut down")
)

// Error attaches an ErrorCode to a work failure. The code is stored on the
// job row when the work returns it.
type Error struct {
	Code models.ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(code models.ErrorCode, format string, args ...interface{}) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches code to err. A nil err stays nil, and an err that already
// carries a code keeps it.
func Wrap(code models.ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	var je *Error
	if errors.As(err, &je) {
		return err
	}
	return &Error{Code: code, Err: err}
}

// ConflictError rejects a submission whose exclusive slot is held by
// another running job.
type ConflictError struct {
	InstanceID uint
	Slot       string
	JobID      uint
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("jobs: %s already in progress for instance %d as job %d", e.Slot, e.InstanceID, e.JobID)
}

// CodeOf extracts the ErrorCode carried by err, defaulting to Internal.
func CodeOf(err error) models.ErrorCode {
	var je *Error
	if errors.As(err, &je) {
		return je.Code
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return models.ErrorCodeDeploymentConflict
	}
	return models.ErrorCodeInternal
}
