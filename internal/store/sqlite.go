// Package store provides storage backends for HabitPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteBusyTimeoutMillis bounds how long a writer waits on a locked database
	sqliteBusyTimeoutMillis = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	path := strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:")
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	if !strings.Contains(dsn, "?") {
		dsn = fmt.Sprintf("%s?_busy_timeout=%d", dsn, sqliteBusyTimeoutMillis)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers; TakePending relies on it together with RETURNING.
	db.SetMaxOpenConns(1)
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// --- registry ---

func (s *SQLiteStore) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, first_name, phone, timezone FROM users WHERE phone = ?`, phone)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore FindUserByPhone not found", "phone", phone)
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore FindUserByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find user by phone: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, u models.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, phone, timezone) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, phone = excluded.phone, timezone = excluded.timezone`,
		u.ID, u.FirstName, u.Phone, u.Timezone)
	if err != nil {
		slog.Error("SQLiteStore UpsertUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	slog.Debug("SQLiteStore UpsertUser succeeded", "userID", u.ID)
	return nil
}

func (s *SQLiteStore) UpsertHabitConfig(ctx context.Context, h models.HabitConfig) error {
	if err := h.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habit_configs (user_id, habit_name, enabled, kind, unit, target, position) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, habit_name) DO UPDATE SET enabled = excluded.enabled, kind = excluded.kind,
			unit = excluded.unit, target = excluded.target, position = excluded.position`,
		h.UserID, h.HabitName, h.Enabled, string(h.Kind), h.Unit, nullableFloat(h.Target), h.Position)
	if err != nil {
		slog.Error("SQLiteStore UpsertHabitConfig failed", "error", err, "userID", h.UserID, "habit", h.HabitName)
		return fmt.Errorf("failed to upsert habit config %s: %w", h.HabitName, err)
	}
	slog.Debug("SQLiteStore UpsertHabitConfig succeeded", "userID", h.UserID, "habit", h.HabitName)
	return nil
}

func (s *SQLiteStore) SetSchedule(ctx context.Context, userID, habitName string, weekdays []time.Weekday) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schedule transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM habit_schedules WHERE user_id = ? AND habit_name = ?`, userID, habitName); err != nil {
		return fmt.Errorf("failed to clear schedule for %s: %w", habitName, err)
	}
	for _, wd := range weekdays {
		sh := models.ScheduledHabit{UserID: userID, HabitName: habitName, Weekday: wd}
		if err := sh.Validate(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO habit_schedules (user_id, habit_name, weekday) VALUES (?, ?, ?)`,
			userID, habitName, int(wd)); err != nil {
			return fmt.Errorf("failed to schedule %s on %s: %w", habitName, wd, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore SetSchedule commit failed", "error", err, "userID", userID, "habit", habitName)
		return fmt.Errorf("failed to commit schedule for %s: %w", habitName, err)
	}
	slog.Debug("SQLiteStore SetSchedule succeeded", "userID", userID, "habit", habitName, "days", len(weekdays))
	return nil
}

func (s *SQLiteStore) ListHabitConfigs(ctx context.Context, userID string) ([]models.HabitConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, habit_name, enabled, kind, unit, target, position
		FROM habit_configs WHERE user_id = ? ORDER BY position, habit_name`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListHabitConfigs query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query habit configs: %w", err)
	}
	defer rows.Close()

	var configs []models.HabitConfig
	for rows.Next() {
		h, err := scanHabitConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan habit config row: %w", err)
		}
		configs = append(configs, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate habit config rows: %w", err)
	}
	slog.Debug("SQLiteStore ListHabitConfigs succeeded", "userID", userID, "count", len(configs))
	return configs, nil
}

func (s *SQLiteStore) GetHabitConfig(ctx context.Context, userID, habitName string) (*models.HabitConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, habit_name, enabled, kind, unit, target, position
		FROM habit_configs WHERE user_id = ? AND habit_name = ?`, userID, habitName)
	h, err := scanHabitConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetHabitConfig failed", "error", err, "userID", userID, "habit", habitName)
		return nil, fmt.Errorf("failed to get habit config: %w", err)
	}
	return &h, nil
}

func (s *SQLiteStore) ListScheduledHabits(ctx context.Context, userID string, weekday time.Weekday) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.habit_name FROM habit_schedules s
		LEFT JOIN habit_configs c ON c.user_id = s.user_id AND c.habit_name = s.habit_name
		WHERE s.user_id = ? AND s.weekday = ?
		ORDER BY COALESCE(c.position, 0), s.habit_name`, userID, int(weekday))
	if err != nil {
		slog.Error("SQLiteStore ListScheduledHabits query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- entries ---

func (s *SQLiteStore) UpsertEntry(ctx context.Context, e models.HabitEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habit_entries (user_id, habit_name, entry_date, completed, metric_value, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, habit_name, entry_date) DO UPDATE SET completed = excluded.completed,
			metric_value = excluded.metric_value, source = excluded.source, updated_at = excluded.updated_at`,
		e.UserID, e.HabitName, e.Date, nullableBool(e.Completed), nullableFloat(e.MetricValue), string(e.Source), e.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore UpsertEntry failed", "error", err, "userID", e.UserID, "habit", e.HabitName, "date", e.Date)
		return fmt.Errorf("failed to upsert entry for %s on %s: %w", e.HabitName, e.Date, err)
	}
	slog.Debug("SQLiteStore UpsertEntry succeeded", "userID", e.UserID, "habit", e.HabitName, "date", e.Date, "source", e.Source)
	return nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, userID, habitName, date string) (*models.HabitEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, habit_name, entry_date, completed, metric_value, source, updated_at
		FROM habit_entries WHERE user_id = ? AND habit_name = ? AND entry_date = ?`, userID, habitName, date)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetEntry failed", "error", err, "userID", userID, "habit", habitName)
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) ListEntries(ctx context.Context, userID, date string) ([]models.HabitEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, habit_name, entry_date, completed, metric_value, source, updated_at
		FROM habit_entries WHERE user_id = ? AND entry_date = ? ORDER BY habit_name`, userID, date)
	if err != nil {
		slog.Error("SQLiteStore ListEntries query failed", "error", err, "userID", userID, "date", date)
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []models.HabitEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- pending clarifications ---

func (s *SQLiteStore) SavePending(ctx context.Context, p models.PendingClarification) error {
	kind, data, err := encodePending(p)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = util.GeneratePendingID()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_clarifications (id, user_id, kind, context, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET id = excluded.id, kind = excluded.kind, context = excluded.context,
			created_at = excluded.created_at, expires_at = excluded.expires_at`,
		p.ID, p.UserID, kind, data, p.CreatedAt.UTC(), p.ExpiresAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SavePending failed", "error", err, "userID", p.UserID, "kind", kind)
		return fmt.Errorf("failed to save pending clarification: %w", err)
	}
	slog.Debug("SQLiteStore SavePending succeeded", "userID", p.UserID, "kind", kind, "expiresAt", p.ExpiresAt)
	return nil
}

func (s *SQLiteStore) GetPending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, context, created_at, expires_at
		FROM pending_clarifications WHERE user_id = ? AND expires_at > ?`, userID, now.UTC())
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) TakePending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM pending_clarifications WHERE user_id = ? AND expires_at > ?
		RETURNING id, user_id, kind, context, created_at, expires_at`, userID, now.UTC())
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Warn("SQLiteStore TakePending returned undecodable row", "error", err, "userID", userID)
		return p, err
	}
	slog.Debug("SQLiteStore TakePending succeeded", "userID", userID, "kind", p.Kind())
	return p, nil
}

func (s *SQLiteStore) PurgeExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_clarifications WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		slog.Error("SQLiteStore PurgeExpiredPending failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired pending rows: %w", err)
	}
	return res.RowsAffected()
}

// --- follow-ups ---

func (s *SQLiteStore) AddFollowup(ctx context.Context, f models.FollowupLogEntry) error {
	if f.ID == "" {
		f.ID = util.GenerateFollowupID()
	}
	if f.SentAt.IsZero() {
		f.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followup_logs (id, user_id, habit_name, followup_date, body, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.HabitName, f.Date, f.Body, f.SentAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore AddFollowup failed", "error", err, "userID", f.UserID, "habit", f.HabitName)
		return fmt.Errorf("failed to add follow-up: %w", err)
	}
	slog.Debug("SQLiteStore AddFollowup succeeded", "userID", f.UserID, "habit", f.HabitName, "date", f.Date)
	return nil
}

func (s *SQLiteStore) LatestFollowup(ctx context.Context, userID, date string) (*models.FollowupLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, habit_name, followup_date, body, sent_at FROM followup_logs
		WHERE user_id = ? AND followup_date = ? ORDER BY sent_at DESC, rowid DESC LIMIT 1`, userID, date)
	f, err := scanFollowup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore LatestFollowup failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get latest follow-up: %w", err)
	}
	return f, nil
}

// --- message logs ---

func (s *SQLiteStore) LogMessage(ctx context.Context, m models.MessageLog) error {
	if m.ID == "" {
		m.ID = util.GenerateMessageLogID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (id, direction, user_id, address, body, provider_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Direction), nilIfEmpty(m.UserID), m.Address, m.Body, nilIfEmpty(m.ProviderID),
		string(m.Status), nilIfEmpty(m.Error), m.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore LogMessage failed", "error", err, "direction", m.Direction, "address", m.Address)
		return fmt.Errorf("failed to log message: %w", err)
	}
	slog.Debug("SQLiteStore LogMessage succeeded", "direction", m.Direction, "status", m.Status)
	return nil
}

func (s *SQLiteStore) ListMessageLogs(ctx context.Context, address string) ([]models.MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, direction, user_id, address, body, provider_id, status, error, created_at
		FROM message_logs WHERE address = ? ORDER BY created_at, rowid`, address)
	if err != nil {
		slog.Error("SQLiteStore ListMessageLogs query failed", "error", err)
		return nil, fmt.Errorf("failed to query message logs: %w", err)
	}
	defer rows.Close()

	var logs []models.MessageLog
	for rows.Next() {
		m, err := scanMessageLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message log row: %w", err)
		}
		logs = append(logs, m)
	}
	return logs, rows.Err()
}
