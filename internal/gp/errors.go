package gp

import "fmt"

// Error is the error type returned by the gp package. It carries the
// operation that failed so callers see context without string surgery.
type Error struct {
	// Op is the operation that caused the error, e.g. "Model.Fit".
	Op string
	// Message describes what went wrong.
	Message string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Message
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return "gp: " + s
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func errorf(op, format string, args ...interface{}) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrap(op string, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Message: message, Err: err}
}
