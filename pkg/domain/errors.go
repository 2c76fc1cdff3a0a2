package domain

import (
	"gitlab.com/tozd/go/errors"
)

// Error kinds. Every error returned by a driver wraps exactly one of these so
// callers can branch with errors.Is.
var (
	// ErrParse marks a malformed description, a missing required element or an unknown unit.
	ErrParse = errors.Base("parse error")
	// ErrPrecondition marks an operation refused because of the record's current state.
	ErrPrecondition = errors.Base("precondition failed")
	// ErrOperational marks a failed process, signal or file operation.
	ErrOperational = errors.Base("operational failure")
	// ErrChannel marks a failed or unanswered exchange on a control socket.
	ErrChannel = errors.Base("channel failure")
)
