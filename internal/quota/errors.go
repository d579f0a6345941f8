package quota

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrPoolExhausted       = errors.New("quota: pool exhausted")
	ErrWindowExhausted     = errors.New("quota: window exhausted")
	ErrInvalidScope        = errors.New("quota: invalid scope configuration")
	ErrReservationConflict = errors.New("quota: concurrent reservation conflict")
	ErrKeyNotFound         = errors.New("quota: key not found")
	ErrModelNotFound       = errors.New("quota: model not found")
	ErrModelExists         = errors.New("quota: model already exists")
	ErrModelDisabled       = errors.New("quota: model disabled")
	ErrInvalidLimit        = errors.New("quota: invalid limit")
	ErrInvalidPriority     = errors.New("quota: invalid priority")
	ErrEmptySecret         = errors.New("quota: empty credential secret")
)

// WindowExhaustedError reports the horizon that refused a reservation.
// It never leaves the pool; callers only see that a model was skipped.
type WindowExhaustedError struct {
	Horizon Horizon
	Used    int64
	Limit   int64
}

func (e *WindowExhaustedError) Error() string {
	return fmt.Sprintf("quota: %s window exhausted (%d/%d)", e.Horizon, e.Used, e.Limit)
}

func (e *WindowExhaustedError) Unwrap() error {
	return ErrWindowExhausted
}

// Exhaustion reasons reported by ExhaustedError.Reason.
const (
	ReasonNoKeys      = "no_keys"
	ReasonInactive    = "keys_inactive"
	ReasonNoModels    = "no_models"
	ReasonAllDisabled = "all_disabled"
	ReasonRateLimited = "rate_limited"
)

// ExhaustedError is returned by Acquire when no key/model combination has
// capacity. It is a routine outcome, not a fault.
type ExhaustedError struct {
	Scope          Scope
	Model          string
	KeysExamined   int
	KeysInactive   int
	ModelsExamined int
	ModelsDisabled int
	ModelsLimited  int
	Conflicts      int
	InvalidKeys    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("quota: pool exhausted for %s (reason=%s keys=%d inactive_keys=%d models=%d disabled=%d limited=%d conflicts=%d invalid_keys=%d)",
		e.Scope, e.Reason(), e.KeysExamined, e.KeysInactive, e.ModelsExamined, e.ModelsDisabled, e.ModelsLimited, e.Conflicts, e.InvalidKeys)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrPoolExhausted
}

// Reason distinguishes "nothing exists" from "everything is disabled"
// from "everything is rate limited". A scope whose keys all exist but are
// inactive reports keys_inactive.
func (e *ExhaustedError) Reason() string {
	switch {
	case e.KeysExamined == 0 && e.KeysInactive > 0:
		return ReasonInactive
	case e.KeysExamined == 0:
		return ReasonNoKeys
	case e.ModelsExamined == 0:
		return ReasonNoModels
	case e.ModelsDisabled == e.ModelsExamined:
		return ReasonAllDisabled
	default:
		return ReasonRateLimited
	}
}

// ScopeError reports a key whose scope and tenant assignment disagree.
type ScopeError struct {
	KeyID string
	Scope Scope
}

func (e *ScopeError) Error() string {
	if e.KeyID == "" {
		return fmt.Sprintf("quota: invalid scope configuration: kind=%s tenant=%q", e.Scope.Kind, e.Scope.TenantID)
	}
	return fmt.Sprintf("quota: invalid scope configuration on key %s: kind=%s tenant=%q", e.KeyID, e.Scope.Kind, e.Scope.TenantID)
}

func (e *ScopeError) Unwrap() error {
	return ErrInvalidScope
}

// IsExhausted reports whether err means the pool had no capacity.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}
