package stage

import (
	"errors"
	"fmt"
)

// Code classifies a stage failure for audit rows and alerting.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeUnknownJobType Code = "UNKNOWN_JOB_TYPE"
	CodeTimeout        Code = "STAGE_TIMEOUT"
	CodeExternal       Code = "EXTERNAL_ERROR"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// Error is the failure a stage reports. Field and Rule are set for
// validation failures and name exactly what was rejected.
type Error struct {
	Code    Code
	Stage   Name
	Field   string
	Rule    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(field, rule, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

func external(err error, format string, args ...any) *Error {
	return &Error{Code: CodeExternal, Message: fmt.Sprintf(format, args...) + ": " + err.Error(), Err: err}
}

// CodeOf returns the code carried by err, INTERNAL_ERROR for anything else.
func CodeOf(err error) Code {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr.Code
	}
	return CodeInternal
}
