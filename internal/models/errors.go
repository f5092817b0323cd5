package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure reported by the action gateway.
type ErrorKind string

// Error kinds.
const (
	ConnectionError ErrorKind = "ConnectionError"
	AuthError       ErrorKind = "AuthError"
	ReadOnlyError   ErrorKind = "ReadOnlyError"
	ValidationError ErrorKind = "ValidationError"
	IoError         ErrorKind = "IoError"
	ArchiveError    ErrorKind = "ArchiveError"
)

// ActionError is a classified failure with a human-readable detail.
type ActionError struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

// NewError builds an ActionError.
func NewError(kind ErrorKind, op, detail string, err error) *ActionError {
	return &ActionError{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *ActionError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not an ActionError.
func KindOf(err error) ErrorKind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether err is an ActionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
