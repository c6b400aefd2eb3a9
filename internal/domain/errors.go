package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the application.
var (
	ErrNotFound               = errors.New("resource not found")
	ErrForbidden              = errors.New("forbidden")
	ErrConflict               = errors.New("resource already exists")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidParticipants    = errors.New("invalid participants")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrExternalService        = errors.New("external service failure")
)

// TransitionError reports an action that has no edge from the current phase.
type TransitionError struct {
	Kind   Kind
	From   Phase
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s conversation: no %q edge from %s", e.Kind, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}
