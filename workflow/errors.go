package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not found"
	KindState        Kind = "state"
	KindConcurrency  Kind = "concurrency"
	KindCollaborator Kind = "collaborator"
)

// Error is returned by every engine operation that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("workflow %s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("workflow %s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrValidation) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrState        = &Error{Kind: KindState}
	ErrCollaborator = &Error{Kind: KindCollaborator}
)

// Standard error definitions
var (
	ErrGeneratorRequired  = errors.New("generator is required")
	ErrNoNodes            = errors.New("flow definition has no nodes")
	ErrNoApprovers        = errors.New("no approvers resolved")
	ErrNotApprover        = errors.New("operator is not the approver of the node instance")
	ErrNotInitiator       = errors.New("operator is not the initiator")
	ErrNotPending         = errors.New("node instance is not pending")
	ErrNotRunning         = errors.New("flow instance is not running")
	ErrDefinitionDisabled = errors.New("flow definition is disabled")
	ErrRouteTooDeep       = errors.New("maximum route depth exceeded")
	ErrAlreadyApproved    = errors.New("an approver already acted on the flow")
	ErrBadRollbackTarget  = errors.New("rollback target has not been completed")
	ErrNotRoutable        = errors.New("target is not routable")
	ErrFreeFlowNotAllowed = errors.New("node does not allow free flow")
	ErrActionNotFound     = errors.New("action not registered")
)

func wrap(kind Kind, op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsState reports whether err is an illegal state transition.
func IsState(err error) bool { return errors.Is(err, ErrState) }
