// Package models defines conversation state structures for HabitPipe.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ClarificationKind identifies the question a pending clarification is waiting on.
type ClarificationKind string

const (
	ClarificationUnitConversion      ClarificationKind = "unit_conversion"
	ClarificationHabitSelection      ClarificationKind = "habit_selection"
	ClarificationMetricValue         ClarificationKind = "metric_value_needed"
	ClarificationBooleanConfirmation ClarificationKind = "boolean_confirmation_needed"
)

// ErrUnknownClarificationKind is returned when a persisted clarification cannot be decoded.
var ErrUnknownClarificationKind = errors.New("unknown clarification kind")

// ClarificationContext is the kind-specific payload of a pending clarification.
// The set of implementations is closed: UnitConversionContext, HabitSelectionContext,
// MetricValueContext and BooleanConfirmationContext.
type ClarificationContext interface {
	Kind() ClarificationKind
	isClarificationContext()
}

// UnitConversionContext holds a value given in the user's own unit, waiting for a ratio.
type UnitConversionContext struct {
	HabitName  string  `json:"habit_name"`
	UserUnit   string  `json:"user_unit"`
	UserValue  float64 `json:"user_value"`
	TargetUnit string  `json:"target_unit"`
}

// HabitSelectionContext holds the candidates of an ambiguous message and any value it carried.
type HabitSelectionContext struct {
	Candidates []string `json:"candidates"`
	Value      *float64 `json:"value,omitempty"`
	Completed  *bool    `json:"completed,omitempty"`
}

// MetricValueContext names a metric habit still missing its number.
type MetricValueContext struct {
	HabitName string `json:"habit_name"`
	Unit      string `json:"unit,omitempty"`
}

// BooleanConfirmationContext names a boolean habit waiting for yes or no.
type BooleanConfirmationContext struct {
	HabitName string `json:"habit_name"`
}

func (UnitConversionContext) Kind() ClarificationKind      { return ClarificationUnitConversion }
func (HabitSelectionContext) Kind() ClarificationKind      { return ClarificationHabitSelection }
func (MetricValueContext) Kind() ClarificationKind         { return ClarificationMetricValue }
func (BooleanConfirmationContext) Kind() ClarificationKind { return ClarificationBooleanConfirmation }

func (UnitConversionContext) isClarificationContext()      {}
func (HabitSelectionContext) isClarificationContext()      {}
func (MetricValueContext) isClarificationContext()         {}
func (BooleanConfirmationContext) isClarificationContext() {}

// PendingClarification represents an open engine question for a user.
type PendingClarification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Context   ClarificationContext `json:"-"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Kind returns the kind of the clarification's context.
func (p *PendingClarification) Kind() ClarificationKind {
	if p.Context == nil {
		return ""
	}
	return p.Context.Kind()
}

// Expired reports whether the clarification is inert at now.
func (p *PendingClarification) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// EncodeClarificationContext serializes a context for storage.
func EncodeClarificationContext(c ClarificationContext) (ClarificationKind, string, error) {
	if c == nil {
		return "", "", ErrUnknownClarificationKind
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode %s context: %w", c.Kind(), err)
	}
	return c.Kind(), string(data), nil
}

// DecodeClarificationContext restores a stored context. Unknown kinds and payloads that do not
// decode return ErrUnknownClarificationKind.
func DecodeClarificationContext(kind ClarificationKind, data string) (ClarificationContext, error) {
	var (
		ctx ClarificationContext
		err error
	)
	switch kind {
	case ClarificationUnitConversion:
		var c UnitConversionContext
		err = json.Unmarshal([]byte(data), &c)
		ctx = c
	case ClarificationHabitSelection:
		var c HabitSelectionContext
		err = json.Unmarshal([]byte(data), &c)
		ctx = c
	case ClarificationMetricValue:
		var c MetricValueContext
		err = json.Unmarshal([]byte(data), &c)
		ctx = c
	case ClarificationBooleanConfirmation:
		var c BooleanConfirmationContext
		err = json.Unmarshal([]byte(data), &c)
		ctx = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClarificationKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrUnknownClarificationKind, kind, err)
	}
	return ctx, nil
}
