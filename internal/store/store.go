// Package store provides storage backends for HabitPipe.
//
// It holds the habit registry projection, logged entries, pending clarifications, follow-up
// logs, message logs and inbound dedup records. SQLite, PostgreSQL and in-memory
// implementations share the same interfaces.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports whether dsn addresses PostgreSQL ("postgres") or an SQLite file ("sqlite").
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// UserRepo resolves inbound senders to registry users.
type UserRepo interface {
	// FindUserByPhone returns the user whose phone equals phone exactly, or ErrNotFound.
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
}

// HabitRegistry is the read side of the habit registry.
type HabitRegistry interface {
	// ListHabitConfigs returns all tracking configs of a user in registry order.
	ListHabitConfigs(ctx context.Context, userID string) ([]models.HabitConfig, error)
	// GetHabitConfig returns one tracking config, or ErrNotFound.
	GetHabitConfig(ctx context.Context, userID, habitName string) (*models.HabitConfig, error)
	// ListScheduledHabits returns the names of habits scheduled on weekday.
	ListScheduledHabits(ctx context.Context, userID string, weekday time.Weekday) ([]string, error)
}

// RegistryWriter populates the registry. The engine never calls it.
type RegistryWriter interface {
	UpsertUser(ctx context.Context, u models.User) error
	UpsertHabitConfig(ctx context.Context, h models.HabitConfig) error
	// SetSchedule replaces the weekdays a habit is scheduled on.
	SetSchedule(ctx context.Context, userID, habitName string, weekdays []time.Weekday) error
}

// EntryStore persists one logged value per (user, habit, local date).
type EntryStore interface {
	// UpsertEntry inserts the entry or overwrites the existing one with the same key.
	UpsertEntry(ctx context.Context, e models.HabitEntry) error
	// GetEntry returns the entry for the key, or ErrNotFound.
	GetEntry(ctx context.Context, userID, habitName, date string) (*models.HabitEntry, error)
	// ListEntries returns all entries of a user for a local date.
	ListEntries(ctx context.Context, userID, date string) ([]models.HabitEntry, error)
}

// PendingStore holds at most one pending clarification per user.
type PendingStore interface {
	// SavePending stores p, replacing any row the user already has.
	SavePending(ctx context.Context, p models.PendingClarification) error
	// GetPending returns the user's unexpired row without removing it, or ErrNotFound.
	GetPending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error)
	// TakePending atomically removes and returns the user's unexpired row, or ErrNotFound.
	// A row whose context cannot be decoded is still removed and reported with
	// models.ErrUnknownClarificationKind.
	TakePending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error)
	// PurgeExpiredPending hard-deletes rows expired at now.
	PurgeExpiredPending(ctx context.Context, now time.Time) (int64, error)
}

// FollowupStore is the append-only log of chained questions.
type FollowupStore interface {
	AddFollowup(ctx context.Context, f models.FollowupLogEntry) error
	// LatestFollowup returns the most recent follow-up of a user for a local date, or ErrNotFound.
	LatestFollowup(ctx context.Context, userID, date string) (*models.FollowupLogEntry, error)
}

// MessageLogger records inbound and outbound messages.
type MessageLogger interface {
	LogMessage(ctx context.Context, m models.MessageLog) error
	// ListMessageLogs returns logged messages for an address, oldest first.
	ListMessageLogs(ctx context.Context, address string) ([]models.MessageLog, error)
}

// Store combines every repository HabitPipe needs.
type Store interface {
	UserRepo
	HabitRegistry
	RegistryWriter
	EntryStore
	PendingStore
	FollowupStore
	MessageLogger
	DedupRepo
	Close() error
}

// New returns the store addressed by the options: PostgreSQL for a Postgres DSN, SQLite for any
// other non-empty DSN and an in-memory store otherwise.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
