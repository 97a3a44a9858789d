package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict means the row's version moved between the
	// caller's read and write.
	ErrVersionConflict = errors.New("version conflict: record was modified by someone else")

	// ErrCycleLocked means the cycle already executed its assignment
	// plan and no longer accepts mutation.
	ErrCycleLocked = errors.New("cycle is locked")
)

// Rejection codes surfaced in RejectionError.Code.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeRoleDenied        = "role_denied"
	CodeNotesRequired     = "notes_required"
	CodeProtectedStatus   = "protected_status"
	CodeAlreadyDeleted    = "already_deleted"
)

// RejectionError is a workflow rule refusing an operation, as opposed to
// an infrastructure failure.
type RejectionError struct {
	Code    string
	Message string
}

func (e RejectionError) Error() string {
	return e.Message
}

// LockHeldError reports a live edit lock held by another actor.
type LockHeldError struct {
	Holder string
	Since  string
}

func (e LockHeldError) Error() string {
	return fmt.Sprintf("story is being edited by %s since %s", e.Holder, e.Since)
}
