package ota

import (
	"errors"
	"fmt"
)

// RestoreFailedError indicates every post-flash config restore attempt
// failed. The upload itself already succeeded when this is reported, so
// callers surface it as a warning rather than a failure.
type RestoreFailedError struct {
	Attempts int
	Err      error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("config restore failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }

// IsRestoreFailed reports whether err wraps a RestoreFailedError.
func IsRestoreFailed(err error) bool {
	var re *RestoreFailedError
	return errors.As(err, &re)
}
