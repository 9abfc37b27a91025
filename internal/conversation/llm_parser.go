package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// DefaultLLMTimeout bounds one smart parse including retries.
const DefaultLLMTimeout = 15 * time.Second

// ErrMalformedJudgment is returned when the model output is not a judgment object.
var ErrMalformedJudgment = errors.New("malformed smart parser output")

// jsonGenerator is the part of the GenAI client the LLM parser needs.
type jsonGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// LLMParser is the SmartParser backed by a chat completion model.
type LLMParser struct {
	gen     jsonGenerator
	timeout time.Duration
}

// Compile-time check that LLMParser implements SmartParser.
var _ SmartParser = (*LLMParser)(nil)

// NewLLMParser creates an LLMParser. A non-positive timeout selects DefaultLLMTimeout.
func NewLLMParser(gen jsonGenerator, timeout time.Duration) *LLMParser {
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	return &LLMParser{gen: gen, timeout: timeout}
}

const smartSystemPrompt = `You read text messages sent to a habit tracker and decide which of the user's habits they log.

Rules:
- Only match habits that appear in the provided list. Use the habit name exactly as listed.
- If the message could refer to more than one habit, do not guess: return one match with
  needs_clarification=true, clarification_type="habit_selection" and the possible habit names in candidates.
- Boolean habits are logged with completed=true or completed=false.
- Metric habits need a number in the habit's unit in value. If the user confirms a metric habit without
  a number, set needs_clarification=true and clarification_type="metric_value_needed".
- If the user gives a number in a different unit than the habit's unit (for example "2 bottles" for a
  habit tracked in oz), set needs_clarification=true, clarification_type="unit_conversion",
  user_unit to the user's unit and user_value to the user's number. Do not convert it yourself.
- If the message is not about any listed habit (greetings, questions, chatting with someone else),
  return understood=false and no matches.
- reply is an optional short, friendly acknowledgement (one sentence, no questions).

Respond with a single JSON object and nothing else:
{"understood": bool, "matches": [{"habit": string, "completed": bool|null, "value": number|null,
"needs_clarification": bool, "clarification_type": "unit_conversion"|"habit_selection"|"metric_value_needed"|"boolean_confirmation_needed"|null,
"user_unit": string|null, "user_value": number|null, "candidates": [string]}], "reply": string}`

type promptHabit struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Unit   string   `json:"unit,omitempty"`
	Target *float64 `json:"target,omitempty"`
}

type promptPayload struct {
	FirstName string        `json:"first_name,omitempty"`
	Habits    []promptHabit `json:"habits"`
	Message   string        `json:"message"`
}

// buildUserPrompt renders the habit list and the raw message as the user-role payload.
func buildUserPrompt(req SmartRequest) (string, error) {
	payload := promptPayload{FirstName: req.FirstName, Message: req.Message}
	for _, h := range req.Habits {
		payload.Habits = append(payload.Habits, promptHabit{
			Name:   h.HabitName,
			Kind:   string(h.Kind),
			Unit:   h.Unit,
			Target: h.Target,
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode smart parser payload: %w", err)
	}
	return string(data), nil
}

// decodeJudgment parses model output, tolerating a surrounding markdown code fence.
func decodeJudgment(raw string) (Judgment, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var j Judgment
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&j); err != nil {
		return Judgment{}, fmt.Errorf("%w: %v", ErrMalformedJudgment, err)
	}
	for _, m := range j.Matches {
		if m.ClarificationType != "" && !knownClarification(m.ClarificationType) {
			return Judgment{}, fmt.Errorf("%w: unknown clarification type %q", ErrMalformedJudgment, m.ClarificationType)
		}
	}
	return j, nil
}

func knownClarification(k models.ClarificationKind) bool {
	switch k {
	case models.ClarificationUnitConversion, models.ClarificationHabitSelection,
		models.ClarificationMetricValue, models.ClarificationBooleanConfirmation:
		return true
	default:
		return false
	}
}

// Parse asks the model for a judgment. The result is not validated against the habit list;
// callers run ValidateJudgment.
func (p *LLMParser) Parse(ctx context.Context, req SmartRequest) (Judgment, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return Judgment{}, err
	}
	raw, err := p.gen.GenerateJSON(ctx, smartSystemPrompt, userPrompt)
	if err != nil {
		slog.Error("LLMParser.Parse: generation failed", "error", err)
		return Judgment{}, err
	}
	j, err := decodeJudgment(raw)
	if err != nil {
		slog.Warn("LLMParser.Parse: unusable model output", "error", err, "raw_length", len(raw))
		return Judgment{}, err
	}
	slog.Debug("LLMParser.Parse: judgment decoded", "understood", j.Understood, "matches", len(j.Matches))
	return j, nil
}
