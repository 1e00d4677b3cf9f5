package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUniqueViolation      = errors.New("slot already exists for this master and time")
	ErrAlreadyReserved      = errors.New("slot already reserved")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrNothingToReset       = errors.New("nothing to reset")
	ErrStateInconsistency   = errors.New("state inconsistency")
	ErrSlotNotFound         = fmt.Errorf("slot not found: %w", ErrStateInconsistency)
	ErrUserNotFound         = fmt.Errorf("user not found: %w", ErrStateInconsistency)
	ErrNotifyFailure        = errors.New("notification failed")
	ErrBanThresholdExceeded = errors.New("flood ban threshold exceeded")
	ErrValidation           = errors.New("validation failed")
)

// ValidationError reports a rejected user input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// CapacityScope names the limit that was hit.
type CapacityScope string

const (
	ScopeClientDay   CapacityScope = "client_day"
	ScopeMasterDay   CapacityScope = "master_day"
	ScopeMasterMonth CapacityScope = "master_month"
)

// CapacityError is returned when a cap would be exceeded. Nothing is written
// when it is returned.
type CapacityError struct {
	Scope        CapacityScope
	Limit        int
	Requested    int
	AdminContact string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s limit %d exceeded (requested %d), contact %s",
		e.Scope, e.Limit, e.Requested, e.AdminContact)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// ConflictError lists the datetimes that collided with existing slots.
type ConflictError struct {
	MasterID int64
	Times    []time.Time
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Times))
	for _, t := range e.Times {
		parts = append(parts, t.Format("2006-01-02 15:04"))
	}
	return fmt.Sprintf("master %d: %d slot(s) already exist: %s",
		e.MasterID, len(e.Times), strings.Join(parts, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrUniqueViolation
}

// NotifyError wraps a delivery failure to a single recipient.
type NotifyError struct {
	UserID int64
	Err    error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify user %d: %v", e.UserID, e.Err)
}

func (e *NotifyError) Is(target error) bool {
	return target == ErrNotifyFailure
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// AsCapacity extracts a CapacityError from err.
func AsCapacity(err error) (*CapacityError, bool) {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsValidation extracts a ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
