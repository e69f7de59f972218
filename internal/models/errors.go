package models

import "errors"

// ErrNotFound covers missing requests and media. Ownership failures are
// deliberately reported as ErrNotFound so callers cannot probe for existence
// of other users' rows.
var ErrNotFound = errors.New("not found")

// ErrDeleted is the cooperative-cancellation signal: a sub-task observed
// deleted=true at a checkpoint. It is not a user-visible failure; the
// dispatcher treats it as a silent no-op.
var ErrDeleted = errors.New("request deleted")

// ValidationError rejects a submission synchronously, before a job exists.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
