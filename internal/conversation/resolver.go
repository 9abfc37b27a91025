package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/store"
)

// resolvePending answers a clarification that was just taken from the store. The row is already
// deleted: an unusable reply re-saves the same question with a fresh expiry, and any store failure
// before the answer is written restores the original row before returning the error.
func (e *Engine) resolvePending(ctx context.Context, t *turn, p *models.PendingClarification) (bool, error) {
	slog.Debug("Engine.resolvePending: resolving", "userID", t.user.ID, "kind", p.Kind())

	switch c := p.Context.(type) {
	case models.UnitConversionContext:
		return true, e.resolveUnitConversion(ctx, t, p, c)
	case models.HabitSelectionContext:
		return true, e.resolveHabitSelection(ctx, t, p, c)
	case models.MetricValueContext:
		return true, e.resolveMetricValue(ctx, t, p, c)
	case models.BooleanConfirmationContext:
		return true, e.resolveBooleanConfirmation(ctx, t, p, c)
	default:
		slog.Warn("Engine.resolvePending: unhandled clarification kind", "userID", t.user.ID, "kind", p.Kind())
		return false, nil
	}
}

func (e *Engine) resolveUnitConversion(ctx context.Context, t *turn, p *models.PendingClarification, c models.UnitConversionContext) error {
	ratio, _, ok := ParseNumber(t.body)
	if !ok || ratio <= 0 {
		return e.reprompt(ctx, t, p, c)
	}
	cfg, err := e.habitForPending(ctx, t, c.HabitName)
	if err != nil {
		return e.restorePending(ctx, p, err)
	}
	if cfg == nil {
		return nil
	}
	reply := Reply{MetricValue: models.Float64Ptr(c.UserValue * ratio)}
	return e.completePending(ctx, t, p, *cfg, reply)
}

func (e *Engine) resolveHabitSelection(ctx context.Context, t *turn, p *models.PendingClarification, c models.HabitSelectionContext) error {
	name, ok := SelectCandidate(t.body, c.Candidates)
	if !ok {
		return e.reprompt(ctx, t, p, c)
	}
	cfg, err := e.habitForPending(ctx, t, name)
	if err != nil {
		return e.restorePending(ctx, p, err)
	}
	if cfg == nil {
		return nil
	}

	var reply Reply
	switch cfg.Kind {
	case models.HabitKindMetric:
		if c.Value == nil {
			next := models.MetricValueContext{HabitName: cfg.HabitName, Unit: cfg.Unit}
			if err := e.savePending(ctx, t, next); err != nil {
				return e.restorePending(ctx, p, err)
			}
			e.send(ctx, t.user, clarificationQuestion(next))
			return nil
		}
		reply.MetricValue = c.Value
	default:
		completed := true
		switch {
		case c.Completed != nil:
			completed = *c.Completed
		case c.Value != nil:
			completed = *c.Value > 0
		}
		reply.Completed = models.BoolPtr(completed)
	}
	return e.completePending(ctx, t, p, *cfg, reply)
}

func (e *Engine) resolveMetricValue(ctx context.Context, t *turn, p *models.PendingClarification, c models.MetricValueContext) error {
	v, _, ok := ParseNumber(t.body)
	if !ok {
		return e.reprompt(ctx, t, p, c)
	}
	cfg, err := e.habitForPending(ctx, t, c.HabitName)
	if err != nil {
		return e.restorePending(ctx, p, err)
	}
	if cfg == nil {
		return nil
	}
	return e.completePending(ctx, t, p, *cfg, Reply{MetricValue: models.Float64Ptr(v)})
}

func (e *Engine) resolveBooleanConfirmation(ctx context.Context, t *turn, p *models.PendingClarification, c models.BooleanConfirmationContext) error {
	yes, ok := ParseYesNo(t.body)
	if !ok {
		return e.reprompt(ctx, t, p, c)
	}
	cfg, err := e.habitForPending(ctx, t, c.HabitName)
	if err != nil {
		return e.restorePending(ctx, p, err)
	}
	if cfg == nil {
		return nil
	}
	return e.completePending(ctx, t, p, *cfg, Reply{Completed: models.BoolPtr(yes)})
}

// habitForPending loads the habit a clarification refers to. A habit that no longer exists or was
// disabled ends the clarification without a reply; (nil, nil) is returned in that case.
func (e *Engine) habitForPending(ctx context.Context, t *turn, name string) (*models.HabitConfig, error) {
	cfg, err := e.store.GetHabitConfig(ctx, t.user.ID, name)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !cfg.Enabled) {
		slog.Warn("Engine.habitForPending: habit no longer tracked, dropping clarification", "userID", t.user.ID, "habit", name)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// completePending writes the resolved entry, acknowledges it and chains.
func (e *Engine) completePending(ctx context.Context, t *turn, p *models.PendingClarification, cfg models.HabitConfig, reply Reply) error {
	if err := e.writeEntry(ctx, t, cfg, reply, models.EntrySourceClarification); err != nil {
		return e.restorePending(ctx, p, err)
	}
	e.send(ctx, t.user, acknowledgement(cfg, reply))
	e.chainNext(ctx, t)
	return nil
}

// reprompt re-saves the same question with a fresh expiry and asks it again. If the re-save fails
// the taken row is put back as it was.
func (e *Engine) reprompt(ctx context.Context, t *turn, p *models.PendingClarification, c models.ClarificationContext) error {
	if err := e.savePending(ctx, t, c); err != nil {
		return e.restorePending(ctx, p, fmt.Errorf("failed to re-save %s clarification: %w", c.Kind(), err))
	}
	slog.Info("Engine.reprompt: reply did not answer the question", "userID", t.user.ID, "kind", c.Kind())
	e.send(ctx, t.user, repromptPrefix+clarificationQuestion(c))
	return nil
}

// restorePending puts the taken row back after a failed step and returns cause.
func (e *Engine) restorePending(ctx context.Context, p *models.PendingClarification, cause error) error {
	if err := e.store.SavePending(context.WithoutCancel(ctx), *p); err != nil {
		slog.Error("Engine.restorePending: failed to restore clarification", "userID", p.UserID, "error", err)
		return errors.Join(cause, err)
	}
	return cause
}
