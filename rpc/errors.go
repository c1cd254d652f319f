// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

import "fmt"

// ErrorCode numbers a Silicon Heaven RPC error. Numbering follows this
// port's own error table, not the newer numbering used by later revisions
// of the reference implementation.
type ErrorCode int

const (
	ErrNone               ErrorCode = 0
	ErrInvalidRequest     ErrorCode = 1
	ErrMethodNotFound     ErrorCode = 2
	ErrInvalidParam       ErrorCode = 3
	ErrMethodCallException ErrorCode = 5
	ErrLoginRequired      ErrorCode = 6
	ErrUserIDRequired     ErrorCode = 7
	ErrNotImplemented     ErrorCode = 8
	ErrTryAgainLater      ErrorCode = 9
	ErrRequestInvalid     ErrorCode = 10
)

var errorCodeNames = map[ErrorCode]string{
	ErrNone:                "NoError",
	ErrInvalidRequest:      "InvalidRequest",
	ErrMethodNotFound:      "MethodNotFound",
	ErrInvalidParam:        "InvalidParam",
	ErrMethodCallException: "MethodCallException",
	ErrLoginRequired:       "LoginRequired",
	ErrUserIDRequired:      "UserIDRequired",
	ErrNotImplemented:      "NotImplemented",
	ErrTryAgainLater:       "TryAgainLater",
	ErrRequestInvalid:      "RequestInvalid",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is an SHV RPC error result: a numbered code with a human-readable
// message, carried in a Response's error Key.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
