// Package models defines the core data structures for HabitPipe.
//
// It includes the habit registry projections, logged entries, conversation records and
// message logs shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// DateFormat is the layout of a local calendar date key.
const DateFormat = "2006-01-02"

// HabitKind defines how a habit is tracked.
type HabitKind string

const (
	// HabitKindBoolean habits are logged as done / not done.
	HabitKindBoolean HabitKind = "boolean"
	// HabitKindMetric habits are logged as a number against an optional target.
	HabitKindMetric HabitKind = "metric"
)

// IsValidHabitKind checks if the given habit kind is supported.
func IsValidHabitKind(k HabitKind) bool {
	switch k {
	case HabitKindBoolean, HabitKindMetric:
		return true
	default:
		return false
	}
}

// EntrySource records how an entry was logged.
type EntrySource string

const (
	// EntrySourceFollowup marks entries resolved by the deterministic parser against a follow-up.
	EntrySourceFollowup EntrySource = "sms_followup"
	// EntrySourceClarification marks entries resolved from a pending clarification.
	EntrySourceClarification EntrySource = "sms_clarification"
	// EntrySourceSmart marks entries interpreted by the smart parser.
	EntrySourceSmart EntrySource = "sms_smart"
)

// Validation errors for registry records
var (
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyPhone       = errors.New("phone cannot be empty")
	ErrEmptyHabitName   = errors.New("habit name cannot be empty")
	ErrInvalidHabitKind = errors.New("invalid habit kind")
	ErrInvalidWeekday   = errors.New("weekday must be between 0 and 6")
	ErrEmptyEntryValue  = errors.New("entry must carry either completed or metric value")
	ErrInvalidDate      = errors.New("date must be formatted as YYYY-MM-DD")
)

// User is the registry projection of a product user reachable over SMS.
type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	Phone     string `json:"phone"`    // E.164, matched exactly against the inbound sender
	Timezone  string `json:"timezone"` // IANA name, e.g. "America/New_York"
}

// Validate checks that the user can be addressed.
func (u *User) Validate() error {
	if u.ID == "" {
		return ErrEmptyUserID
	}
	if u.Phone == "" {
		return ErrEmptyPhone
	}
	return nil
}

// HabitConfig is the tracking configuration of one habit for one user.
type HabitConfig struct {
	UserID    string    `json:"user_id"`
	HabitName string    `json:"habit_name"`
	Enabled   bool      `json:"enabled"`
	Kind      HabitKind `json:"kind"`
	Unit      string    `json:"unit,omitempty"`
	Target    *float64  `json:"target,omitempty"`
	Position  int       `json:"position"` // registry order, used when chaining
}

// Validate performs validation on a HabitConfig.
func (h *HabitConfig) Validate() error {
	if h.UserID == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(h.HabitName) == "" {
		return ErrEmptyHabitName
	}
	if !IsValidHabitKind(h.Kind) {
		return ErrInvalidHabitKind
	}
	return nil
}

// ScheduledHabit marks a habit as due on a weekday (0 = Sunday).
type ScheduledHabit struct {
	UserID    string       `json:"user_id"`
	HabitName string       `json:"habit_name"`
	Weekday   time.Weekday `json:"weekday"`
}

// Validate performs validation on a ScheduledHabit.
func (s *ScheduledHabit) Validate() error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if s.HabitName == "" {
		return ErrEmptyHabitName
	}
	if s.Weekday < time.Sunday || s.Weekday > time.Saturday {
		return ErrInvalidWeekday
	}
	return nil
}

// HabitEntry is one logged value per (user, habit, local date).
// Exactly one of Completed and MetricValue is meaningful, chosen by the habit's kind.
type HabitEntry struct {
	UserID      string      `json:"user_id"`
	HabitName   string      `json:"habit_name"`
	Date        string      `json:"date"`
	Completed   *bool       `json:"completed,omitempty"`
	MetricValue *float64    `json:"metric_value,omitempty"`
	Source      EntrySource `json:"source"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate performs validation on a HabitEntry before it is upserted.
func (e *HabitEntry) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	if e.HabitName == "" {
		return ErrEmptyHabitName
	}
	if _, err := time.Parse(DateFormat, e.Date); err != nil {
		return ErrInvalidDate
	}
	if e.Completed == nil && e.MetricValue == nil {
		return ErrEmptyEntryValue
	}
	return nil
}

// Answered reports whether the entry holds a logged answer. A completed=false entry counts.
func (e *HabitEntry) Answered() bool {
	return e != nil && (e.MetricValue != nil || e.Completed != nil)
}

// FollowupLogEntry records one proactive chained question sent to a user.
type FollowupLogEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	HabitName string    `json:"habit_name"`
	Date      string    `json:"date"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// MessageDirection tells inbound from outbound message log rows.
type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "inbound"
	MessageDirectionOutbound MessageDirection = "outbound"
)

// MessageStatus represents the provider status of a logged message.
type MessageStatus string

const (
	// MessageStatusReceived indicates an inbound message was accepted by the webhook.
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusSent indicates the message was handed to the gateway.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusRateLimited indicates an inbound message was shed by the sender rate limit.
	MessageStatusRateLimited MessageStatus = "rate_limited"
)

// MessageLog is the audit row written for every inbound message and every send attempt.
type MessageLog struct {
	ID         string           `json:"id"`
	Direction  MessageDirection `json:"direction"`
	UserID     string           `json:"user_id,omitempty"`
	Address    string           `json:"address"`
	Body       string           `json:"body"`
	ProviderID string           `json:"provider_id,omitempty"`
	Status     MessageStatus    `json:"status"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
