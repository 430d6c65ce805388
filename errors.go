package wq

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a device/library status code.
type Code int

const (
	OK               Code = 0
	Fail             Code = 1
	InvalidParams    Code = 2
	InvalidState     Code = 3
	Unauthorized     Code = 5
	FileIO           Code = 6
	FileOOS          Code = 7
	TimeOut          Code = 8
	ConnectionFailed Code = 62
	Unavailable      Code = -8
)

var codeNames = map[Code]string{
	OK:               "ok",
	Fail:             "fail",
	InvalidParams:    "invalid params",
	InvalidState:     "invalid state",
	Unauthorized:     "unauthorized",
	FileIO:           "file io",
	FileOOS:          "file out of space",
	TimeOut:          "timeout",
	ConnectionFailed: "connection failed",
	Unavailable:      "unavailable",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries a Code and a short message.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Msg)
}

var (
	ErrRejected      = &Error{Fail, "transport rejected operation"}
	ErrRequestFailed = &Error{Fail, "request failed"}
	ErrTimeout       = &Error{TimeOut, "request timed out"}
	ErrUnsupported   = &Error{Unavailable, "not supported by device"}
	ErrClosed        = &Error{InvalidState, "service closed"}
	ErrCancelled     = &Error{InvalidState, "request cancelled"}
)

// CodeOf returns the Code carried by err, Fail for foreign errors and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}
	return Fail
}
