package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.FirstName, &u.Phone, &u.Timezone); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanHabitConfig(row rowScanner) (models.HabitConfig, error) {
	var h models.HabitConfig
	var kind string
	var target sql.NullFloat64
	if err := row.Scan(&h.UserID, &h.HabitName, &h.Enabled, &kind, &h.Unit, &target, &h.Position); err != nil {
		return h, err
	}
	h.Kind = models.HabitKind(kind)
	if target.Valid {
		h.Target = models.Float64Ptr(target.Float64)
	}
	return h, nil
}

func scanEntry(row rowScanner) (models.HabitEntry, error) {
	var e models.HabitEntry
	var completed sql.NullBool
	var metric sql.NullFloat64
	var source string
	if err := row.Scan(&e.UserID, &e.HabitName, &e.Date, &completed, &metric, &source, &e.UpdatedAt); err != nil {
		return e, err
	}
	if completed.Valid {
		e.Completed = models.BoolPtr(completed.Bool)
	}
	if metric.Valid {
		e.MetricValue = models.Float64Ptr(metric.Float64)
	}
	e.Source = models.EntrySource(source)
	return e, nil
}

// scanPending scans a pending row and decodes its context. On a decode failure the row is
// returned without context together with an error wrapping models.ErrUnknownClarificationKind.
func scanPending(row rowScanner) (*models.PendingClarification, error) {
	var p models.PendingClarification
	var kind, data string
	var createdAt, expiresAt flexTime
	if err := row.Scan(&p.ID, &p.UserID, &kind, &data, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	p.CreatedAt, p.ExpiresAt = createdAt.Time, expiresAt.Time
	c, err := models.DecodeClarificationContext(models.ClarificationKind(kind), data)
	if err != nil {
		return &p, fmt.Errorf("pending %s for user %s: %w", p.ID, p.UserID, err)
	}
	p.Context = c
	return &p, nil
}

func scanFollowup(row rowScanner) (*models.FollowupLogEntry, error) {
	var f models.FollowupLogEntry
	if err := row.Scan(&f.ID, &f.UserID, &f.HabitName, &f.Date, &f.Body, &f.SentAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanMessageLog(row rowScanner) (models.MessageLog, error) {
	var m models.MessageLog
	var direction, status string
	var userID, providerID, errText sql.NullString
	if err := row.Scan(&m.ID, &direction, &userID, &m.Address, &m.Body, &providerID, &status, &errText, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Direction = models.MessageDirection(direction)
	m.Status = models.MessageStatus(status)
	m.UserID = userID.String
	m.ProviderID = providerID.String
	m.Error = errText.String
	return m, nil
}

// encodePending validates p and returns its stored kind and context payload.
func encodePending(p models.PendingClarification) (string, string, error) {
	if p.UserID == "" {
		return "", "", models.ErrEmptyUserID
	}
	kind, data, err := models.EncodeClarificationContext(p.Context)
	if err != nil {
		return "", "", err
	}
	return string(kind), data, nil
}

// sqliteTimeLayouts are the layouts go-sqlite3 writes time values with.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

// flexTime scans a timestamp returned either as time.Time or as text. SQLite reports RETURNING
// columns without a declared type, so the driver hands them back as strings.
type flexTime struct {
	Time time.Time
}

func (t *flexTime) Scan(src interface{}) error {
	var text string
	switch v := src.(type) {
	case time.Time:
		t.Time = v
		return nil
	case string:
		text = v
	case []byte:
		text = string(v)
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", text)
}
