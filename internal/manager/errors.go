package manager

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned once Close has started.
var ErrClosed = errors.New("manager closed")

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct {
	modelID string
	reason  string
}

func (e tooBusyError) Error() string { return "too busy: " + e.modelID + " (" + e.reason + ")" }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// TooBusyReason returns the backpressure reason carried by err, if any.
func TooBusyReason(err error) string {
	var e tooBusyError
	if errors.As(err, &e) {
		return e.reason
	}
	return ""
}

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error when a requested model id is not present in the registry.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// ResourceExhaustedError is returned while the guard refuses new work.
type ResourceExhaustedError struct{ Reason string }

func (e *ResourceExhaustedError) Error() string { return "resource exhausted: " + e.Reason }

// IsResourceExhausted reports whether err is a ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var e *ResourceExhaustedError
	return errors.As(err, &e)
}

// budgetExceededError signals the model memory budget cannot fit a load even
// after evicting every idle instance.
type budgetExceededError struct {
	modelID string
	need    int64
	budget  int64
}

func (e budgetExceededError) Error() string {
	return fmt.Sprintf("model budget exceeded for %q: need %d bytes, budget %d", e.modelID, e.need, e.budget)
}

// IsBudgetExceeded reports whether err is a model budget failure.
func IsBudgetExceeded(err error) bool {
	var e budgetExceededError
	return errors.As(err, &e)
}

// TimeoutError reports which bounded operation ran out of time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out after %s", e.Op, e.After) }

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// InvalidStateError is returned when an operation does not apply to the
// instance's current state.
type InvalidStateError struct {
	ModelID string
	State   State
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %q in state %s", e.Op, e.ModelID, e.State)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

// UnsupportedCapabilityError is returned when a model cannot serve a request
// kind (e.g. generating with an embedding-only model).
type UnsupportedCapabilityError struct {
	ModelID    string
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("model %q does not support %s", e.ModelID, e.Capability)
}

// IsUnsupportedCapability reports whether err is an UnsupportedCapabilityError.
func IsUnsupportedCapability(err error) bool {
	var e *UnsupportedCapabilityError
	return errors.As(err, &e)
}
