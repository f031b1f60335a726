package queue

import "errors"

// PermanentError marks a handler failure that redelivery cannot fix, such as
// a malformed payload or a missing upstream record. The worker acks the
// message instead of leaving it for redelivery.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker pool treats the failure as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
