// Package conversation implements the inbound SMS habit-logging conversation engine.
//
// Each inbound message is handled as one stateless turn: the engine rebuilds context from durable
// records (pending clarifications, follow-up logs, entries), routes the message through a fixed
// precedence of resolvers, upserts entries and chains to the next habit still due today.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/messaging"
	"github.com/BTreeMap/HabitPipe/internal/metrics"
	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/store"
	"github.com/BTreeMap/HabitPipe/internal/util"
)

// Engine defaults
const (
	DefaultTurnTimeout = 25 * time.Second
	DefaultPendingTTL  = 30 * time.Minute
)

// Store is the persistence the engine reads and writes.
type Store interface {
	store.UserRepo
	store.HabitRegistry
	store.EntryStore
	store.PendingStore
	store.FollowupStore
	store.MessageLogger
	store.DedupRepo
}

// InboundMessage is one webhook delivery.
type InboundMessage struct {
	From      string
	Body      string
	MessageID string // provider message id, may be empty
}

// Opts holds configuration options for the engine.
type Opts struct {
	TurnTimeout time.Duration
	PendingTTL  time.Duration
	Routers     []CommandRouter
	Clock       func() time.Time
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithTurnTimeout bounds the handling of one inbound message.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) { o.TurnTimeout = d }
}

// WithPendingTTL sets how long a clarification stays answerable.
func WithPendingTTL(d time.Duration) Option {
	return func(o *Opts) { o.PendingTTL = d }
}

// WithCommandRouter adds a router consulted before any other resolver.
func WithCommandRouter(r CommandRouter) Option {
	return func(o *Opts) { o.Routers = append(o.Routers, r) }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Engine handles inbound messages.
type Engine struct {
	store       Store
	sender      messaging.Service
	smart       SmartParser
	routers     []CommandRouter
	turnTimeout time.Duration
	pendingTTL  time.Duration
	now         func() time.Time
}

// NewEngine creates an engine. smart may be nil, in which case messages that reach the smart
// parser stage are left unanswered.
func NewEngine(st Store, sender messaging.Service, smart SmartParser, opts ...Option) *Engine {
	cfg := Opts{
		TurnTimeout: DefaultTurnTimeout,
		PendingTTL:  DefaultPendingTTL,
		Clock:       time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	return &Engine{
		store:       st,
		sender:      sender,
		smart:       smart,
		routers:     cfg.Routers,
		turnTimeout: cfg.TurnTimeout,
		pendingTTL:  cfg.PendingTTL,
		now:         cfg.Clock,
	}
}

// turn carries what one inbound message is handled against.
type turn struct {
	user models.User
	body string
	now  time.Time
	day  util.LocalDay
}

// HandleInbound processes one inbound message and returns the route it took. Business
// outcomes (unknown sender, not understood) are not errors; an error means a datastore
// failure left the turn unfinished, so the message is not marked processed and a redelivery
// is handled again.
func (e *Engine) HandleInbound(ctx context.Context, msg InboundMessage) (string, error) {
	start := time.Now()
	defer func() { metrics.ObserveTurn(time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()

	route, err := e.handle(ctx, msg)
	if err != nil {
		route = metrics.RouteError
		slog.Error("Engine.HandleInbound: turn failed", "from", msg.From, "messageID", msg.MessageID, "error", err)
	}
	metrics.InboundRouted(route)
	return route, err
}

// LogRateLimited records an inbound message that was shed before its turn ran. The message is
// logged with status rate_limited and is not routed or marked processed.
func (e *Engine) LogRateLimited(ctx context.Context, msg InboundMessage) {
	userID := ""
	if user, err := e.store.FindUserByPhone(ctx, msg.From); err == nil {
		userID = user.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Engine.LogRateLimited: sender lookup failed", "from", msg.From, "error", err)
	}
	e.logInbound(ctx, msg, userID, e.now(), models.MessageStatusRateLimited)
}

func (e *Engine) handle(ctx context.Context, msg InboundMessage) (string, error) {
	now := e.now()

	user, err := e.store.FindUserByPhone(ctx, msg.From)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logInbound(ctx, msg, "", now, models.MessageStatusReceived)
		return "", err
	}
	userID := ""
	if user != nil {
		userID = user.ID
	}
	e.logInbound(ctx, msg, userID, now, models.MessageStatusReceived)

	if user == nil {
		slog.Info("Engine.HandleInbound: unknown sender, ignoring", "from", msg.From)
		return metrics.RouteUnknownSender, nil
	}

	if msg.MessageID != "" {
		processed, err := e.store.IsProcessed(ctx, msg.MessageID)
		if err != nil {
			return "", err
		}
		if processed {
			slog.Info("Engine.HandleInbound: duplicate delivery skipped", "userID", user.ID, "messageID", msg.MessageID)
			return metrics.RouteDuplicate, nil
		}
		if _, err := e.store.RecordInbound(ctx, msg.MessageID, user.ID); err != nil {
			return "", err
		}
	}

	t := &turn{user: *user, body: msg.Body, now: now, day: util.LocalDayFor(now, user.Timezone)}
	slog.Debug("Engine.HandleInbound: routing", "userID", user.ID, "date", t.day.Date, "weekday", t.day.Weekday)

	route, err := e.route(ctx, t)
	if err != nil {
		return "", err
	}

	if msg.MessageID != "" {
		if err := e.store.MarkProcessed(context.WithoutCancel(ctx), msg.MessageID); err != nil {
			slog.Error("Engine.HandleInbound: mark processed failed", "messageID", msg.MessageID, "error", err)
		}
	}
	return route, nil
}

// route applies the fixed precedence: command, pending clarification, same-day follow-up,
// smart parser.
func (e *Engine) route(ctx context.Context, t *turn) (string, error) {
	if e.routeCommand(ctx, t) {
		return metrics.RouteCommand, nil
	}

	handled, err := e.routePending(ctx, t)
	if err != nil {
		return "", err
	}
	if handled {
		return metrics.RoutePending, nil
	}

	handled, err = e.routeFollowup(ctx, t)
	if err != nil {
		return "", err
	}
	if handled {
		return metrics.RouteFollowup, nil
	}

	return e.routeSmart(ctx, t), nil
}

func (e *Engine) routeCommand(ctx context.Context, t *turn) bool {
	for _, r := range e.routers {
		handled, reply, err := r.Route(ctx, t.user, t.body)
		if err != nil {
			slog.Error("Engine.routeCommand: router failed", "userID", t.user.ID, "error", err)
		}
		if !handled {
			continue
		}
		if reply != "" {
			e.send(ctx, t.user, reply)
		}
		return true
	}
	return false
}

func (e *Engine) routePending(ctx context.Context, t *turn) (bool, error) {
	p, err := e.store.TakePending(ctx, t.user.ID, t.now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case errors.Is(err, models.ErrUnknownClarificationKind):
		slog.Warn("Engine.routePending: dropping malformed pending clarification", "userID", t.user.ID, "error", err)
		return false, nil
	case err != nil:
		return false, err
	}
	return e.resolvePending(ctx, t, p)
}

func (e *Engine) routeFollowup(ctx context.Context, t *turn) (bool, error) {
	f, err := e.store.LatestFollowup(ctx, t.user.ID, t.day.Date)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cfg, err := e.store.GetHabitConfig(ctx, t.user.ID, f.HabitName)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cfg.Enabled {
		return false, nil
	}
	reply, ok := ParseReply(t.body, *cfg)
	if !ok {
		slog.Debug("Engine.routeFollowup: no deterministic match", "userID", t.user.ID, "habit", cfg.HabitName)
		return false, nil
	}
	if err := e.writeEntry(ctx, t, *cfg, reply, models.EntrySourceFollowup); err != nil {
		return false, err
	}
	e.send(ctx, t.user, acknowledgement(*cfg, reply))
	e.chainNext(ctx, t)
	return true, nil
}

// routeSmart runs the smart parser. Failures and non-habit messages end the turn silently.
func (e *Engine) routeSmart(ctx context.Context, t *turn) string {
	if e.smart == nil {
		slog.Debug("Engine.routeSmart: no smart parser configured", "userID", t.user.ID)
		return metrics.RouteSilent
	}
	configs, err := e.store.ListHabitConfigs(ctx, t.user.ID)
	if err != nil {
		slog.Error("Engine.routeSmart: list habits failed", "userID", t.user.ID, "error", err)
		return metrics.RouteSilent
	}
	var habits []models.HabitConfig
	for _, h := range configs {
		if h.Enabled {
			habits = append(habits, h)
		}
	}
	if len(habits) == 0 {
		return metrics.RouteSilent
	}

	raw, err := e.smart.Parse(ctx, SmartRequest{Message: t.body, FirstName: t.user.FirstName, Habits: habits})
	if err != nil {
		metrics.SmartResult(metrics.SmartFailed)
		slog.Warn("Engine.routeSmart: smart parser failed, treating as not understood", "userID", t.user.ID, "error", err)
		return metrics.RouteSilent
	}
	j := ValidateJudgment(raw, habits)
	if !j.Understood {
		metrics.SmartResult(metrics.SmartNotUnderstood)
		slog.Info("Engine.routeSmart: message not understood, staying silent", "userID", t.user.ID)
		return metrics.RouteSilent
	}
	metrics.SmartResult(metrics.SmartUnderstood)

	byName := make(map[string]models.HabitConfig, len(habits))
	for _, h := range habits {
		byName[h.HabitName] = h
	}

	var clarification *Match
	written := 0
	for i := range j.Matches {
		m := j.Matches[i]
		if m.NeedsClarification {
			if clarification == nil {
				clarification = &m
			}
			continue
		}
		reply := Reply{Completed: m.Completed, MetricValue: m.Value}
		if byName[m.Habit].Kind == models.HabitKindMetric {
			reply.Completed = nil
		} else {
			reply.MetricValue = nil
		}
		if err := e.writeEntry(ctx, t, byName[m.Habit], reply, models.EntrySourceSmart); err != nil {
			slog.Error("Engine.routeSmart: entry write failed", "userID", t.user.ID, "habit", m.Habit, "error", err)
			continue
		}
		written++
	}

	if clarification != nil {
		c := clarificationContext(*clarification, byName)
		if err := e.savePending(ctx, t, c); err != nil {
			slog.Error("Engine.routeSmart: save pending failed", "userID", t.user.ID, "error", err)
			return metrics.RouteSmart
		}
		question := clarificationQuestion(c)
		if written > 0 && j.Reply != "" {
			question = j.Reply + " " + question
		}
		e.send(ctx, t.user, question)
		return metrics.RouteSmart
	}

	if written == 0 {
		return metrics.RouteSilent
	}
	reply := j.Reply
	if reply == "" {
		reply = defaultAcknowledgement(t.user)
	}
	e.send(ctx, t.user, reply)
	e.chainNext(ctx, t)
	return metrics.RouteSmart
}

// clarificationContext builds the pending context for a match that needs clarification.
func clarificationContext(m Match, byName map[string]models.HabitConfig) models.ClarificationContext {
	switch m.ClarificationType {
	case models.ClarificationUnitConversion:
		return models.UnitConversionContext{
			HabitName:  m.Habit,
			UserUnit:   m.UserUnit,
			UserValue:  *m.UserValue,
			TargetUnit: byName[m.Habit].Unit,
		}
	case models.ClarificationHabitSelection:
		return models.HabitSelectionContext{Candidates: m.Candidates, Value: m.Value, Completed: m.Completed}
	case models.ClarificationMetricValue:
		return models.MetricValueContext{HabitName: m.Habit, Unit: byName[m.Habit].Unit}
	default:
		return models.BooleanConfirmationContext{HabitName: m.Habit}
	}
}

// writeEntry upserts the entry for the habit and local day.
func (e *Engine) writeEntry(ctx context.Context, t *turn, cfg models.HabitConfig, reply Reply, source models.EntrySource) error {
	entry := models.HabitEntry{
		UserID:      t.user.ID,
		HabitName:   cfg.HabitName,
		Date:        t.day.Date,
		Completed:   reply.Completed,
		MetricValue: reply.MetricValue,
		Source:      source,
		UpdatedAt:   t.now,
	}
	if err := e.store.UpsertEntry(ctx, entry); err != nil {
		return err
	}
	metrics.EntryWritten(string(source))
	slog.Info("Engine.writeEntry: entry logged", "userID", t.user.ID, "habit", cfg.HabitName, "date", t.day.Date, "source", source)
	return nil
}

// savePending stores c as the user's single open question.
func (e *Engine) savePending(ctx context.Context, t *turn, c models.ClarificationContext) error {
	return e.store.SavePending(ctx, models.PendingClarification{
		ID:        util.GeneratePendingID(),
		UserID:    t.user.ID,
		Context:   c,
		CreatedAt: t.now,
		ExpiresAt: t.now.Add(e.pendingTTL),
	})
}

func (e *Engine) logInbound(ctx context.Context, msg InboundMessage, userID string, now time.Time, status models.MessageStatus) {
	err := e.store.LogMessage(context.WithoutCancel(ctx), models.MessageLog{
		ID:         util.GenerateMessageLogID(),
		Direction:  models.MessageDirectionInbound,
		UserID:     userID,
		Address:    msg.From,
		Body:       msg.Body,
		ProviderID: msg.MessageID,
		Status:     status,
		CreatedAt:  now,
	})
	if err != nil {
		slog.Error("Engine.logInbound: failed to log inbound message", "from", msg.From, "error", err)
	}
}

// send delivers body to the user and logs the attempt. It reports whether the send succeeded.
func (e *Engine) send(ctx context.Context, user models.User, body string) bool {
	sid, err := e.sender.SendMessage(ctx, user.Phone, body)
	entry := models.MessageLog{
		ID:         util.GenerateMessageLogID(),
		Direction:  models.MessageDirectionOutbound,
		UserID:     user.ID,
		Address:    user.Phone,
		Body:       body,
		ProviderID: sid,
		Status:     models.MessageStatusSent,
		CreatedAt:  e.now(),
	}
	if err != nil {
		entry.Status = models.MessageStatusFailed
		entry.Error = err.Error()
		slog.Error("Engine.send: outbound send failed", "userID", user.ID, "error", err)
	}
	metrics.OutboundSent(string(entry.Status))
	if logErr := e.store.LogMessage(context.WithoutCancel(ctx), entry); logErr != nil {
		slog.Error("Engine.send: failed to log outbound message", "userID", user.ID, "error", logErr)
	}
	return err == nil
}
