package notify

import (
	"context"
	"errors"
)

// Rejection is the error value of an expected validation or business-rule
// failure. Err is the sentinel callers match with errors.Is.
type Rejection struct {
	Code    string
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	return r.Message
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Reject publishes the failure into the current scope and returns it as an error.
func Reject(ctx context.Context, sentinel error, code, message string) error {
	Publish(ctx, code, message)
	return &Rejection{Code: code, Message: message, Err: sentinel}
}

// IsRejection reports whether err is an expected failure rather than an
// infrastructure error.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}
