package conversation

import (
	"context"
	"strings"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// SmartRequest is the input of a smart parse: the raw message and the user's enabled habits.
type SmartRequest struct {
	Message   string
	FirstName string
	Habits    []models.HabitConfig
}

// Match is one habit the smart parser recognised in a message.
type Match struct {
	Habit              string                   `json:"habit"`
	Completed          *bool                    `json:"completed"`
	Value              *float64                 `json:"value"`
	NeedsClarification bool                     `json:"needs_clarification"`
	ClarificationType  models.ClarificationKind `json:"clarification_type,omitempty"`
	UserUnit           string                   `json:"user_unit,omitempty"`
	UserValue          *float64                 `json:"user_value,omitempty"`
	Candidates         []string                 `json:"candidates,omitempty"`
}

// Judgment is the structured interpretation of a free-text message.
type Judgment struct {
	Understood bool    `json:"understood"`
	Matches    []Match `json:"matches"`
	Reply      string  `json:"reply,omitempty"`
}

// SmartParser interprets a message against the user's full habit list. Implementations report
// failures as errors; the engine treats any error as "not understood".
type SmartParser interface {
	Parse(ctx context.Context, req SmartRequest) (Judgment, error)
}

// ValidateJudgment checks a judgment against the habits that were offered to the parser and
// rewrites it into a shape the engine can act on:
//   - habit names are mapped case-insensitively onto the offered habits, unknown names are dropped;
//   - habit-selection candidates are filtered the same way, one survivor becomes a direct match;
//   - a metric habit without a usable number asks for the number;
//   - a boolean habit given only a number is completed when the number is positive;
//   - nothing left means not understood.
func ValidateJudgment(j Judgment, habits []models.HabitConfig) Judgment {
	byName := make(map[string]models.HabitConfig, len(habits))
	for _, h := range habits {
		byName[foldName(h.HabitName)] = h
	}
	lookup := func(name string) (models.HabitConfig, bool) {
		h, ok := byName[foldName(name)]
		return h, ok
	}

	out := Judgment{Reply: strings.TrimSpace(j.Reply)}
	if !j.Understood {
		return out
	}

	for _, m := range j.Matches {
		m.Value = nonNegative(m.Value)
		m.UserValue = nonNegative(m.UserValue)

		if m.NeedsClarification && m.ClarificationType == models.ClarificationHabitSelection {
			var known []string
			seen := make(map[string]bool)
			for _, c := range m.Candidates {
				if h, ok := lookup(c); ok && !seen[h.HabitName] {
					seen[h.HabitName] = true
					known = append(known, h.HabitName)
				}
			}
			switch len(known) {
			case 0:
				continue
			case 1:
				m.Habit = known[0]
				m.NeedsClarification = false
				m.ClarificationType = ""
				m.Candidates = nil
			default:
				m.Habit = ""
				m.Candidates = known
				out.Matches = append(out.Matches, m)
				continue
			}
		}

		h, ok := lookup(m.Habit)
		if !ok {
			continue
		}
		m.Habit = h.HabitName
		m.Candidates = nil
		switch h.Kind {
		case models.HabitKindMetric:
			m = normalizeMetricMatch(m, h)
		case models.HabitKindBoolean:
			m = normalizeBooleanMatch(m)
		default:
			continue
		}
		out.Matches = append(out.Matches, m)
	}

	out.Understood = len(out.Matches) > 0
	return out
}

func normalizeMetricMatch(m Match, h models.HabitConfig) Match {
	if m.NeedsClarification && m.ClarificationType == models.ClarificationUnitConversion {
		if m.UserValue == nil {
			m.UserValue = m.Value
		}
		switch {
		case m.UserValue == nil:
			return clarify(m, models.ClarificationMetricValue)
		case strings.TrimSpace(h.Unit) == "" || strings.TrimSpace(m.UserUnit) == "" || unitMatches(m.UserUnit, h.Unit):
			// Nothing to convert.
			m.Value = m.UserValue
			return direct(m)
		default:
			m.Value = nil
			m.Completed = nil
			return m
		}
	}
	if m.NeedsClarification && m.ClarificationType == models.ClarificationMetricValue {
		return clarify(m, models.ClarificationMetricValue)
	}
	switch {
	case m.Value != nil:
		return direct(m)
	case m.Completed != nil && !*m.Completed:
		m.Value = models.Float64Ptr(0)
		return direct(m)
	default:
		return clarify(m, models.ClarificationMetricValue)
	}
}

func normalizeBooleanMatch(m Match) Match {
	if m.Completed == nil && m.Value != nil {
		m.Completed = models.BoolPtr(*m.Value > 0)
	}
	if m.Completed == nil {
		return clarify(m, models.ClarificationBooleanConfirmation)
	}
	if m.NeedsClarification {
		return clarify(m, models.ClarificationBooleanConfirmation)
	}
	return direct(m)
}

func clarify(m Match, kind models.ClarificationKind) Match {
	m.NeedsClarification = true
	m.ClarificationType = kind
	if kind != models.ClarificationUnitConversion {
		m.UserUnit = ""
		m.UserValue = nil
	}
	return m
}

func direct(m Match) Match {
	m.NeedsClarification = false
	m.ClarificationType = ""
	m.UserUnit = ""
	m.UserValue = nil
	return m
}

func nonNegative(v *float64) *float64 {
	if v == nil || *v < 0 {
		return nil
	}
	return v
}
