package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type habitKey struct {
	userID    string
	habitName string
}

type entryKey struct {
	userID    string
	habitName string
	date      string
}

// InMemoryStore keeps all records in process memory. It is used when no database DSN is
// configured and in tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	configs   map[habitKey]models.HabitConfig
	schedules map[habitKey]map[time.Weekday]bool
	entries   map[entryKey]models.HabitEntry
	pending   map[string]models.PendingClarification
	followups []models.FollowupLogEntry
	messages  []models.MessageLog
	dedup     map[string]DedupRecord
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]models.User),
		configs:   make(map[habitKey]models.HabitConfig),
		schedules: make(map[habitKey]map[time.Weekday]bool),
		entries:   make(map[entryKey]models.HabitEntry),
		pending:   make(map[string]models.PendingClarification),
		dedup:     make(map[string]DedupRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Phone == phone {
			found := u
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) UpsertUser(ctx context.Context, u models.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) UpsertHabitConfig(ctx context.Context, h models.HabitConfig) error {
	if err := h.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[habitKey{h.UserID, h.HabitName}] = h
	return nil
}

func (s *InMemoryStore) SetSchedule(ctx context.Context, userID, habitName string, weekdays []time.Weekday) error {
	days := make(map[time.Weekday]bool, len(weekdays))
	for _, wd := range weekdays {
		sh := models.ScheduledHabit{UserID: userID, HabitName: habitName, Weekday: wd}
		if err := sh.Validate(); err != nil {
			return err
		}
		days[wd] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[habitKey{userID, habitName}] = days
	return nil
}

func (s *InMemoryStore) ListHabitConfigs(ctx context.Context, userID string) ([]models.HabitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var configs []models.HabitConfig
	for k, h := range s.configs {
		if k.userID == userID {
			configs = append(configs, h)
		}
	}
	sortConfigs(configs)
	return configs, nil
}

func (s *InMemoryStore) GetHabitConfig(ctx context.Context, userID, habitName string) (*models.HabitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.configs[habitKey{userID, habitName}]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (s *InMemoryStore) ListScheduledHabits(ctx context.Context, userID string, weekday time.Weekday) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var scheduled []models.HabitConfig
	for k, days := range s.schedules {
		if k.userID != userID || !days[weekday] {
			continue
		}
		// Schedules without a config sort first, as in the SQL backends.
		h := models.HabitConfig{UserID: userID, HabitName: k.habitName}
		if cfg, ok := s.configs[k]; ok {
			h.Position = cfg.Position
		}
		scheduled = append(scheduled, h)
	}
	sortConfigs(scheduled)
	names := make([]string, 0, len(scheduled))
	for _, h := range scheduled {
		names = append(names, h.HabitName)
	}
	return names, nil
}

func sortConfigs(configs []models.HabitConfig) {
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Position != configs[j].Position {
			return configs[i].Position < configs[j].Position
		}
		return configs[i].HabitName < configs[j].HabitName
	})
}

func (s *InMemoryStore) UpsertEntry(ctx context.Context, e models.HabitEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entryKey{e.UserID, e.HabitName, e.Date}] = e
	slog.Debug("InMemoryStore UpsertEntry succeeded", "userID", e.UserID, "habit", e.HabitName, "date", e.Date)
	return nil
}

func (s *InMemoryStore) GetEntry(ctx context.Context, userID, habitName, date string) (*models.HabitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryKey{userID, habitName, date}]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *InMemoryStore) ListEntries(ctx context.Context, userID, date string) ([]models.HabitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.HabitEntry
	for k, e := range s.entries {
		if k.userID == userID && k.date == date {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].HabitName < entries[j].HabitName })
	return entries, nil
}

func (s *InMemoryStore) SavePending(ctx context.Context, p models.PendingClarification) error {
	if _, _, err := encodePending(p); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = util.GeneratePendingID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.UserID] = p
	slog.Debug("InMemoryStore SavePending succeeded", "userID", p.UserID, "kind", p.Kind())
	return nil
}

func (s *InMemoryStore) GetPending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[userID]
	if !ok || p.Expired(now) {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) TakePending(ctx context.Context, userID string, now time.Time) (*models.PendingClarification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[userID]
	if !ok || p.Expired(now) {
		return nil, ErrNotFound
	}
	delete(s.pending, userID)
	return &p, nil
}

func (s *InMemoryStore) PurgeExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for userID, p := range s.pending {
		if p.Expired(now) {
			delete(s.pending, userID)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddFollowup(ctx context.Context, f models.FollowupLogEntry) error {
	if f.ID == "" {
		f.ID = util.GenerateFollowupID()
	}
	if f.SentAt.IsZero() {
		f.SentAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followups = append(s.followups, f)
	return nil
}

func (s *InMemoryStore) LatestFollowup(ctx context.Context, userID, date string) (*models.FollowupLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.FollowupLogEntry
	for i := range s.followups {
		f := s.followups[i]
		if f.UserID != userID || f.Date != date {
			continue
		}
		if latest == nil || !f.SentAt.Before(latest.SentAt) {
			found := f
			latest = &found
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *InMemoryStore) LogMessage(ctx context.Context, m models.MessageLog) error {
	if m.ID == "" {
		m.ID = util.GenerateMessageLogID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) ListMessageLogs(ctx context.Context, address string) ([]models.MessageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []models.MessageLog
	for _, m := range s.messages {
		if m.Address == address {
			logs = append(logs, m)
		}
	}
	return logs, nil
}

func (s *InMemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.dedup[messageID]
	return ok && r.ProcessedAt != nil, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	r.ProcessedAt = &now
	s.dedup[messageID] = r
	return nil
}
