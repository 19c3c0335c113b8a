// Package nodeerr defines the error taxonomy shared by every component of
// the intent lifecycle engine.
package nodeerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind distinguishes the categories of failure a caller may need to branch on.
type Kind string

const (
	KindIntentInvalid        Kind = "intent_invalid"
	KindPlanningFailed       Kind = "planning_failed"
	KindExecutionFailed      Kind = "execution_failed"
	KindNegotiationRejected  Kind = "negotiation_rejected"
	KindTimeout              Kind = "timeout"
	KindConstraintViolation  Kind = "constraint_violation"
	KindBudgetExceeded       Kind = "budget_exceeded"
	KindStateError           Kind = "state_error"
	KindSerializationError   Kind = "serialization_error"
	KindCryptoError          Kind = "crypto_error"
	KindNotFound             Kind = "not_found"
	KindConnectionError      Kind = "connection_error"
	KindInternal             Kind = "internal"
)

// Sentinel errors for errors.Is comparisons against well-known failure shapes.
var (
	ErrNoCurrentProposal = errors.New("no current proposal")
	ErrProposalMismatch  = errors.New("proposal id mismatch")
	ErrProposalExpired   = errors.New("proposal expired")
	ErrUnknownFork       = errors.New("unknown fork id")
)

// NodeError is the structured error carried across every package boundary in
// this module. It implements error and Unwrap: errors.As recovers the
// NodeError (and its Kind) from a wrapped chain, and errors.Is matches
// whatever cause is stored in Err.
type NodeError struct {
	Kind        Kind
	IntentID    *uuid.UUID
	StepID      *uuid.UUID
	Message     string
	Recoverable bool
	Err         error
}

func (e *NodeError) Error() string {
	if e.IntentID != nil {
		return fmt.Sprintf("%s [intent=%s]: %s", e.Kind, e.IntentID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, msg string) *NodeError {
	return &NodeError{Kind: kind, Message: msg}
}

func NewIntentInvalidError(intentID *uuid.UUID, message string) *NodeError {
	e := newErr(KindIntentInvalid, message)
	e.IntentID = intentID
	return e
}

func NewPlanningFailedError(intentID uuid.UUID, message string) *NodeError {
	e := newErr(KindPlanningFailed, message)
	e.IntentID = &intentID
	return e
}

func NewExecutionFailedError(intentID, stepID uuid.UUID, message string, recoverable bool) *NodeError {
	e := newErr(KindExecutionFailed, message)
	e.IntentID = &intentID
	e.StepID = &stepID
	e.Recoverable = recoverable
	return e
}

func NewNegotiationRejectedError(intentID uuid.UUID, reason string) *NodeError {
	e := newErr(KindNegotiationRejected, reason)
	e.IntentID = &intentID
	return e
}

func NewTimeoutError(durationMs int64, message string) *NodeError {
	e := newErr(KindTimeout, fmt.Sprintf("%s (after %dms)", message, durationMs))
	e.Recoverable = true
	return e
}

func NewConstraintViolationError(intentID uuid.UUID, constraint string) *NodeError {
	e := newErr(KindConstraintViolation, constraint)
	e.IntentID = &intentID
	return e
}

func NewBudgetExceededError(intentID uuid.UUID, spent, limit float64) *NodeError {
	e := newErr(KindBudgetExceeded, fmt.Sprintf("spent %.2f exceeds limit %.2f", spent, limit))
	e.IntentID = &intentID
	return e
}

func NewStateError(message string) *NodeError {
	return newErr(KindStateError, message)
}

func NewSerializationError(message string) *NodeError {
	return newErr(KindSerializationError, message)
}

func NewCryptoError(message string) *NodeError {
	return newErr(KindCryptoError, message)
}

func NewNotFoundError(resourceType, id string) *NodeError {
	return newErr(KindNotFound, fmt.Sprintf("%s %s not found", resourceType, id))
}

func NewConnectionError(message string) *NodeError {
	e := newErr(KindConnectionError, message)
	e.Recoverable = true
	return e
}

func NewInternalError(message string) *NodeError {
	return newErr(KindInternal, message)
}

// IsRetryable reports whether err carries a NodeError with Recoverable set
// (timeout and connection errors are constructed that way).
func IsRetryable(err error) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Recoverable
	}
	return false
}

// IsNotFound reports whether err is a NotFound NodeError.
func IsNotFound(err error) bool {
	var ne *NodeError
	return errors.As(err, &ne) && ne.Kind == KindNotFound
}

// IsStateError reports whether err is a StateError NodeError.
func IsStateError(err error) bool {
	var ne *NodeError
	return errors.As(err, &ne) && ne.Kind == KindStateError
}

// IsBudgetExceeded reports whether err is a BudgetExceeded NodeError.
func IsBudgetExceeded(err error) bool {
	var ne *NodeError
	return errors.As(err, &ne) && ne.Kind == KindBudgetExceeded
}

// StatusCode maps a NodeError (or nil/plain error) to the HTTP status the
// transport layer should answer with.
func StatusCode(err error) int {
	var ne *NodeError
	if !errors.As(err, &ne) {
		return 500
	}
	switch ne.Kind {
	case KindIntentInvalid, KindConstraintViolation:
		return 400
	case KindNotFound:
		return 404
	case KindNegotiationRejected, KindStateError:
		return 409
	default:
		return 500
	}
}
