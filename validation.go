package diddoc

import "errors"

// ServiceValidationError is returned when a service entry fails validation or deserialization.
//
// Message is fixed per entry point, not per failure cause. The underlying cause
// (usually a *SchemaError) is available through errors.Unwrap or errors.As.
type ServiceValidationError struct {
	Message string
	Err     error
}

func (e *ServiceValidationError) Error() string {
	return e.Message
}

func (e *ServiceValidationError) Unwrap() error {
	return e.Err
}

// wrapValidationError runs fn, replacing any error it returns with a
// *ServiceValidationError carrying message.
func wrapValidationError[T any](message string, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err != nil {
		var zero T
		return zero, &ServiceValidationError{Message: message, Err: err}
	}
	return out, nil
}

// ValidationDetail returns err's message followed by the underlying schema
// failure, if there is one. Useful for logs and API responses, where the fixed
// ServiceValidationError message alone is not actionable.
func ValidationDetail(err error) string {
	var se *SchemaError
	if errors.As(err, &se) {
		return err.Error() + ": " + se.Error()
	}
	return err.Error()
}
