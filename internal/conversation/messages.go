package conversation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

const repromptPrefix = "Sorry, I didn't catch that. "

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// singular turns a plural unit such as "bottles" into "bottle".
func singular(unit string) string {
	u := strings.TrimSpace(unit)
	if len(u) > 3 && strings.HasSuffix(u, "s") && !strings.HasSuffix(u, "ss") {
		return u[:len(u)-1]
	}
	return u
}

// habitQuestion is the chained follow-up for a habit.
func habitQuestion(cfg models.HabitConfig) string {
	if cfg.Kind == models.HabitKindMetric {
		if cfg.Unit != "" {
			return fmt.Sprintf("How many %s of %s today?", cfg.Unit, cfg.HabitName)
		}
		return fmt.Sprintf("How much %s today?", cfg.HabitName)
	}
	return fmt.Sprintf("Did you %s today? (yes/no)", cfg.HabitName)
}

// clarificationQuestion is the question asked for a pending clarification.
func clarificationQuestion(c models.ClarificationContext) string {
	switch c := c.(type) {
	case models.UnitConversionContext:
		return fmt.Sprintf("How many %s are in one %s?", c.TargetUnit, singular(c.UserUnit))
	case models.HabitSelectionContext:
		var b strings.Builder
		b.WriteString("Which habit did you mean?")
		for i, name := range c.Candidates {
			fmt.Fprintf(&b, " %d) %s", i+1, name)
		}
		return b.String()
	case models.MetricValueContext:
		if c.Unit != "" {
			return fmt.Sprintf("How many %s of %s?", c.Unit, c.HabitName)
		}
		return fmt.Sprintf("How much %s?", c.HabitName)
	case models.BooleanConfirmationContext:
		return fmt.Sprintf("Did you %s today? (yes/no)", c.HabitName)
	default:
		return ""
	}
}

// acknowledgement confirms a logged entry.
func acknowledgement(cfg models.HabitConfig, reply Reply) string {
	switch {
	case reply.MetricValue != nil:
		value := formatNumber(*reply.MetricValue)
		if cfg.Unit != "" {
			value += " " + cfg.Unit
		}
		return fmt.Sprintf("Logged %s for %s.", value, cfg.HabitName)
	case reply.Completed != nil && *reply.Completed:
		return fmt.Sprintf("Nice work! Logged %s as done.", cfg.HabitName)
	default:
		return fmt.Sprintf("Got it, %s not done today.", cfg.HabitName)
	}
}

func defaultAcknowledgement(user models.User) string {
	if user.FirstName != "" {
		return fmt.Sprintf("Got it, %s. Logged!", user.FirstName)
	}
	return "Got it. Logged!"
}
