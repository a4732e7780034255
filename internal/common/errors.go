package common

import "errors"

// AppError carries a stable machine code, an operator-readable message and
// the HTTP status the API answers with. Code values are API contract.
type AppError struct {
	Code    string
	Message string
	// Status is the HTTP response code; zero renders as 500.
	Status int
	Err    error
	// Details feeds the response envelope's details field when set.
	Details any
}

// NewAppError wraps err under a stable code and status.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// WithDetails attaches a structured payload for the response envelope.
func (e *AppError) WithDetails(details any) *AppError {
	if e == nil {
		return nil
	}
	e.Details = details
	return e
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	switch {
	case cause == "":
		return e.Message
	case e.Message == "":
		return cause
	default:
		return e.Message + ": " + cause
	}
}

func (e *AppError) Unwrap() error {
	if e != nil {
		return e.Err
	}
	return nil
}

// IsAppError reports whether err has an AppError anywhere in its chain.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}
