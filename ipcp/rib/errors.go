package rib

import (
	"errors"
	"fmt"
)

// Code classifies a RIB failure. It travels as the result code of negative CDAP responses.
type Code int32

const (
	CodeOK                  Code = 0
	CodeOperationNotAllowed Code = -1
	CodeNotFound            Code = -2
	CodeInvalidArguments    Code = -3
	CodeAlreadyExists       Code = -4
	CodeResourceUnavailable Code = -5
	CodeInternal            Code = -6
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeOperationNotAllowed:
		return "OPERATION_NOT_ALLOWED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeInvalidArguments:
		return "INVALID_ARGUMENTS"
	case CodeAlreadyExists:
		return "ALREADY_EXISTS"
	case CodeResourceUnavailable:
		return "RESOURCE_UNAVAILABLE"
	case CodeInternal:
		return "INTERNAL"
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Error is the uniform RIB error.
// Two Errors match under errors.Is if their codes are equal, so callers can test against the sentinels below
// regardless of the reason attached.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Reason
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrOperationNotAllowed = &Error{Code: CodeOperationNotAllowed}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInvalidArguments    = &Error{Code: CodeInvalidArguments}
	ErrAlreadyExists       = &Error{Code: CodeAlreadyExists}
	ErrResourceUnavailable = &Error{Code: CodeResourceUnavailable}
	ErrInternal            = &Error{Code: CodeInternal}
)

// Errorf returns an Error of the given code with a formatted reason.
func Errorf(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, a...)}
}

func errNotAllowed(op Operation, o *Object) *Error {
	return Errorf(CodeOperationNotAllowed, "%v is not allowed on %s (%s)", op, o.name, o.class)
}

func errNotFound(t Target) *Error {
	return Errorf(CodeNotFound, "no object %v", t)
}

// ResultOf maps err onto a CDAP result code and reason.
// A nil error is success; errors that are not RIB Errors map to CodeInternal.
func ResultOf(err error) (result int32, reason string) {
	if err == nil {
		return int32(CodeOK), ""
	}
	var re *Error
	if errors.As(err, &re) {
		return int32(re.Code), err.Error()
	}
	return int32(CodeInternal), err.Error()
}
