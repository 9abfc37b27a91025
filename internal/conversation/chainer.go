package conversation

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/util"
)

// nextDueHabit returns the first enabled habit scheduled for the local weekday that has no
// answered entry for the local date, in registry order.
func (e *Engine) nextDueHabit(ctx context.Context, t *turn) (*models.HabitConfig, error) {
	scheduled, err := e.store.ListScheduledHabits(ctx, t.user.ID, t.day.Weekday)
	if err != nil {
		return nil, err
	}
	if len(scheduled) == 0 {
		return nil, nil
	}
	due := make(map[string]bool, len(scheduled))
	for _, name := range scheduled {
		due[name] = true
	}

	entries, err := e.store.ListEntries(ctx, t.user.ID, t.day.Date)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Answered() {
			delete(due, entries[i].HabitName)
		}
	}

	configs, err := e.store.ListHabitConfigs(ctx, t.user.ID)
	if err != nil {
		return nil, err
	}
	for i := range configs {
		if configs[i].Enabled && due[configs[i].HabitName] {
			return &configs[i], nil
		}
	}
	return nil, nil
}

// chainNext asks about the next habit still due today. Failures are logged and end the turn.
func (e *Engine) chainNext(ctx context.Context, t *turn) {
	next, err := e.nextDueHabit(ctx, t)
	if err != nil {
		slog.Error("Engine.chainNext: failed to find next habit", "userID", t.user.ID, "error", err)
		return
	}
	if next == nil {
		slog.Debug("Engine.chainNext: all habits answered for today", "userID", t.user.ID, "date", t.day.Date)
		return
	}

	body := habitQuestion(*next)
	if !e.send(ctx, t.user, body) {
		return
	}
	err = e.store.AddFollowup(context.WithoutCancel(ctx), models.FollowupLogEntry{
		ID:        util.GenerateFollowupID(),
		UserID:    t.user.ID,
		HabitName: next.HabitName,
		Date:      t.day.Date,
		Body:      body,
		SentAt:    e.now(),
	})
	if err != nil {
		slog.Error("Engine.chainNext: failed to record follow-up", "userID", t.user.ID, "habit", next.HabitName, "error", err)
		return
	}
	slog.Info("Engine.chainNext: follow-up sent", "userID", t.user.ID, "habit", next.HabitName, "date", t.day.Date)
}
