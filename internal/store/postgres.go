// Package store provides storage backends for HabitPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// --- registry ---

func (s *PostgresStore) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, first_name, phone, timezone FROM users WHERE phone = $1`, phone)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore FindUserByPhone not found", "phone", phone)
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore FindUserByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find user by phone: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u models.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, phone, timezone) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name, phone = excluded.phone, timezone = excluded.timezone`,
		u.ID, u.FirstName, u.Phone, u.Timezone)
	if err != nil {
		slog.Error("PostgresStore UpsertUser failed", "error", err, "userID", u.ID)
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	slog.Debug("PostgresStore UpsertUser succeeded", "userID", u.ID)
	return nil
}

func (s *PostgresStore) UpsertHabitConfig(ctx context.Context, h models.HabitConfig) error {
	if err := h.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habit_configs (user_id, habit_name, enabled, kind, unit, target, position) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, habit_name) DO UPDATE SET enabled = excluded.enabled, kind = excluded.kind,
			unit = excluded.unit, target = excluded.target, position = excluded.position`,
		h.UserID, h.HabitName, h.Enabled, string(h.Kind), h.Unit, nullableFloat(h.Target), h.Position)
	if err != nil {
		slog.Error("PostgresStore UpsertHabitConfig failed", "error", err, "userID", h.UserID, "habit", h.HabitName)
		return fmt.Errorf("failed to upsert habit config %s: %w", h.HabitName, err)
	}
	slog.Debug("PostgresStore UpsertHabitConfig succeeded", "userID", h.UserID, "habit", h.HabitName)
	return nil
}

func (s *PostgresStore) SetSchedule(ctx context.Context, userID, habitName string, weekdays []time.Weekday) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schedule transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM habit_schedules WHERE user_id = $1 AND habit_name = $2`, userID, habitName); err != nil {
		return fmt.Errorf("failed to clear schedule for %s: %w", habitName, err)
	}
	for _, wd := range weekdays {
		sh := models.ScheduledHabit{UserID: userID, HabitName: habitName, Weekday: wd}
		if err := sh.Validate(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO habit_schedules (user_id, habit_name, weekday) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			userID, habitName, int(wd)); err != nil {
			return fmt.Errorf("failed to schedule %s on %s: %w", habitName, wd, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore SetSchedule commit failed", "error", err, "userID", userID, "habit", habitName)
		return fmt.Errorf("failed to commit schedule for %s: %w", habitName, err)
	}
	slog.Debug("PostgresStore SetSchedule succeeded", "userID", userID, "habit", habitName, "days", len(weekdays))
	return nil
}

func (s *PostgresStore) ListHabitConfigs(ctx context.Context, userID string) ([]models.HabitConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, habit_name, enabled, kind, unit, target, position
		FROM habit_configs WHERE user_id = $1 ORDER BY position, habit_name`, userID)
	if err != nil {
		slog.Error("PostgresStore ListHabitConfigs query failed", "error", err, "userID", userID)
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
	slog.Debug("PostgresStore ListHabitConfigs succeeded", "userID", userID, "count", len(configs))
	return configs, nil
}

func (s *PostgresStore) GetHabitConfig(ctx context.Context, userID, habitName string) (*models.HabitConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, habit_name, enabled, kind, unit, target, position
		FROM habit_configs WHERE user_id = $1 AND habit_name = $2`, userID, habitName)
	h, err := scanHabitConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetHabitConfig failed", "error", err, "userID", userID, "habit", habitName)
		return nil, fmt.Errorf("failed to get habit config: %w", err)
	}
	return &h, nil
}

func (s *PostgresStore) ListScheduledHabits(ctx context.Context, userID string, weekday time.Weekday) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.habit_name FROM habit_schedules s
		LEFT JOIN habit_configs c ON c.user_id = s.user_id AND c.habit_name = s.habit_name
		WHERE s.user_id = $1 AND s.weekday = $2
		ORDER BY COALESCE(c.position, 0), s.habit_name`, userID, int(weekday))
	if err != nil {
		slog.Error("PostgresStore ListScheduledHabits query failed", "error", err, "userID", userID)
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

func (s *PostgresStore) UpsertEntry(ctx context.Context, e models.HabitEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habit_entries (user_id, habit_name, entry_date, completed, metric_value, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, habit_name, entry_date) DO UPDATE SET completed = excluded.completed,
			metric_value = excluded.metric_value, source = excluded.source, updated_at = excluded.updated_at`,
		e.UserID, e.HabitName, e.Date, nullableBool(e.Completed), nullableFloat(e.MetricValue), string(e.Source), e.UpdatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore UpsertEntry failed", "error", err, "userID", e.UserID, "habit", e.HabitName, "date", e.Date)
		return fmt.Errorf("failed to upsert entry for %s on %s: %w", e.HabitName, e.Date, err)
	}
	slog.Debug("PostgresStore UpsertEntry succeeded", "userID", e.UserID, "habit", e.HabitName, "date", e.Date, "source", e.Source)
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, userID, habitName, date string) (*models.HabitEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, habit_name, entry_date, completed, metric_value, source, updated_at
		FROM habit_entries WHERE user_id = $1 AND habit_name = $2 AND entry_date = $3`, userID, habitName, date)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetEntry failed", "error", err, "userID", userID, "habit", habitName)
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, userID, date string) ([]models.HabitEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, habit_name, entry_date, completed, metric_value, source, updated_at
		FROM habit_entries WHERE user_id = $1 AND entry_date = $2 ORDER BY habit_name`, userID, date)
	if err != nil {
		slog.Error("PostgresStore ListEntries query failed", "error", err, "userID", userID, "date", date)
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

func (s *PostgresStore) SavePending(ctx context.Context, p models.PendingClarification) error {
	kind, data, err := encodePending(p)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = util.GeneratePendingID()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_clarifications (id, user_id, kind, context, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET id = excluded.id, kind = excluded.kind, context = excluded.context,
			created_at = excluded.created_at, expires_at = excluded.expires_at`,
		p.ID, p.UserID, kind, data, p.CreatedAt.UTC(), p.ExpiresAt.UTC())
	if err != nil {
		slog.Error("PostgresStore SavePending failed", "error", err, "userID", p.UserID, "kind", kind)
		return fmt.Errorf("failed to save pending clarification: %w", err)
	}
	slog.Debug("PostgresStore SavePending succeeded", "userID", p.UserID, "kind", kind, "expiresAt", p.ExpiresAt)
	return nil
}

func (s *PostgresStore) GetPending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, context, created_at, expires_at
		FROM pending_clarifications WHERE user_id = $1 AND expires_at > $2`, userID, now.UTC())
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) TakePending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM pending_clarifications WHERE user_id = $1 AND expires_at > $2
		RETURNING id, user_id, kind, context, created_at, expires_at`, userID, now.UTC())
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Warn("PostgresStore TakePending returned undecodable row", "error", err, "userID", userID)
		return p, err
	}
	slog.Debug("PostgresStore TakePending succeeded", "userID", userID, "kind", p.Kind())
	return p, nil
}

func (s *PostgresStore) PurgeExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_clarifications WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		slog.Error("PostgresStore PurgeExpiredPending failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired pending rows: %w", err)
	}
	return res.RowsAffected()
}

// --- follow-ups ---

func (s *PostgresStore) AddFollowup(ctx context.Context, f models.FollowupLogEntry) error {
	if f.ID == "" {
		f.ID = util.GenerateFollowupID()
	}
	if f.SentAt.IsZero() {
		f.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followup_logs (id, user_id, habit_name, followup_date, body, sent_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.UserID, f.HabitName, f.Date, f.Body, f.SentAt.UTC())
	if err != nil {
		slog.Error("PostgresStore AddFollowup failed", "error", err, "userID", f.UserID, "habit", f.HabitName)
		return fmt.Errorf("failed to add follow-up: %w", err)
	}
	slog.Debug("PostgresStore AddFollowup succeeded", "userID", f.UserID, "habit", f.HabitName, "date", f.Date)
	return nil
}

func (s *PostgresStore) LatestFollowup(ctx context.Context, userID, date string) (*models.FollowupLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, habit_name, followup_date, body, sent_at FROM followup_logs
		WHERE user_id = $1 AND followup_date = $2 ORDER BY sent_at DESC LIMIT 1`, userID, date)
	f, err := scanFollowup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore LatestFollowup failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get latest follow-up: %w", err)
	}
	return f, nil
}

// --- message logs ---

func (s *PostgresStore) LogMessage(ctx context.Context, m models.MessageLog) error {
	if m.ID == "" {
		m.ID = util.GenerateMessageLogID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (id, direction, user_id, address, body, provider_id, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, string(m.Direction), nilIfEmpty(m.UserID), m.Address, m.Body, nilIfEmpty(m.ProviderID),
		string(m.Status), nilIfEmpty(m.Error), m.CreatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore LogMessage failed", "error", err, "direction", m.Direction, "address", m.Address)
		return fmt.Errorf("failed to log message: %w", err)
	}
	slog.Debug("PostgresStore LogMessage succeeded", "direction", m.Direction, "status", m.Status)
	return nil
}

func (s *PostgresStore) ListMessageLogs(ctx context.Context, address string) ([]models.MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, direction, user_id, address, body, provider_id, status, error, created_at
		FROM message_logs WHERE address = $1 ORDER BY created_at`, address)
	if err != nil {
		slog.Error("PostgresStore ListMessageLogs query failed", "error", err)
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
