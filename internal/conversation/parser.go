package conversation

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

// Reply is a deterministic interpretation of a message for one habit.
// Exactly one of Completed and MetricValue is set.
type Reply struct {
	Completed   *bool
	MetricValue *float64
}

var (
	leadingNumberRegex  = regexp.MustCompile(`^(\d+(?:\.\d*)?|\.\d+)(.*)$`)
	pureNumberRegex     = regexp.MustCompile(`^(\d+(?:\.\d+)?|\.\d+)$`)
	thousandsCommaRegex = regexp.MustCompile(`(\d),(\d{3})`)
)

var affirmatives = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yea": true, "ya": true, "yep": true, "yup": true,
	"sure": true, "ok": true, "okay": true, "done": true, "did it": true, "i did": true,
	"i did it": true, "completed": true, "complete": true, "absolutely": true, "of course": true,
	"👍": true, "✅": true, "✔": true, "💯": true, "🙌": true,
}

var negatives = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true, "not today": true, "didn't": true,
	"didnt": true, "did not": true, "i didn't": true, "i did not": true, "skipped": true,
	"skip": true, "missed": true, "not yet": true,
	"👎": true, "❌": true, "🚫": true,
}

// unitAliases maps common abbreviations and spellings onto one canonical unit word.
var unitAliases = map[string]string{
	"oz": "ounce", "ounce": "ounce", "floz": "ounce",
	"min": "minute", "minute": "minute",
	"hr": "hour", "h": "hour", "hour": "hour",
	"sec": "second", "second": "second",
	"km": "kilometer", "kilometre": "kilometer", "kilometer": "kilometer",
	"mi": "mile", "mile": "mile",
	"lb": "pound", "pound": "pound",
	"kg": "kilogram", "kilo": "kilogram", "kilogram": "kilogram",
	"g": "gram", "gram": "gram",
	"l": "liter", "litre": "liter", "liter": "liter",
	"ml": "milliliter", "millilitre": "milliliter", "milliliter": "milliliter",
	"pg": "page", "page": "page",
}

// foldName case-folds s for case-insensitive comparison. Casers are stateful, so one is made per call.
func foldName(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// normalizeReply folds text to compatibility form (full-width digits become ASCII), case-folds it,
// trims whitespace and trailing punctuation and drops emoji variation selectors.
func normalizeReply(text string) string {
	t := foldName(text)
	t = strings.ReplaceAll(t, "\ufe0f", "")
	t = strings.TrimRight(t, ".!?, ")
	t = strings.ReplaceAll(t, "\u2019", "'")
	return strings.Join(strings.Fields(t), " ")
}

// ParseYesNo matches text against the yes/no vocabularies.
func ParseYesNo(text string) (bool, bool) {
	t := normalizeReply(text)
	switch {
	case affirmatives[t]:
		return true, true
	case negatives[t]:
		return false, true
	default:
		return false, false
	}
}

// ParseNumber reads a non-negative number at the start of text and returns it with the
// remaining text. Negative numbers never match.
func ParseNumber(text string) (float64, string, bool) {
	t := thousandsCommaRegex.ReplaceAllString(normalizeReply(text), "$1$2")
	m := leadingNumberRegex.FindStringSubmatch(t)
	if m == nil {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(m[1], "."), 64)
	if err != nil {
		return 0, "", false
	}
	rest := strings.TrimSpace(m[2])
	// "3rd" or "12abc" style tokens are not numbers followed by a unit.
	if rest != "" && m[2][0] != ' ' && isLetterStart(rest) && !isUnitWord(rest) {
		return 0, "", false
	}
	return v, rest, true
}

func isLetterStart(s string) bool {
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isUnitWord(s string) bool {
	_, ok := unitAliases[canonicalUnit(firstWord(s))]
	return ok
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// canonicalUnit lowercases a unit word, removes a plural "s" and resolves aliases.
func canonicalUnit(word string) string {
	w := strings.Trim(strings.ToLower(word), ".,;:")
	if alias, ok := unitAliases[w]; ok {
		return alias
	}
	if len(w) > 2 && strings.HasSuffix(w, "s") {
		w = strings.TrimSuffix(w, "s")
	}
	if alias, ok := unitAliases[w]; ok {
		return alias
	}
	return w
}

// unitMatches reports whether the text after a number refers to the habit's unit. A habit
// without a unit accepts any trailing text.
func unitMatches(rest, habitUnit string) bool {
	if rest == "" || strings.TrimSpace(habitUnit) == "" {
		return true
	}
	given := canonicalUnit(firstWord(rest))
	want := canonicalUnit(firstWord(habitUnit))
	if given == "" || want == "" {
		return true
	}
	return strings.HasPrefix(want, given) || strings.HasPrefix(given, want)
}

// ParseReply interprets text as an answer about one habit. Boolean habits accept the yes/no
// vocabularies and bare numbers (greater than zero means done). Metric habits need a number,
// optionally followed by the habit's own unit; trailing text naming another unit does not match.
func ParseReply(text string, cfg models.HabitConfig) (Reply, bool) {
	switch cfg.Kind {
	case models.HabitKindBoolean:
		if yes, ok := ParseYesNo(text); ok {
			return Reply{Completed: models.BoolPtr(yes)}, true
		}
		t := normalizeReply(text)
		if pureNumberRegex.MatchString(t) {
			v, err := strconv.ParseFloat(t, 64)
			if err == nil {
				return Reply{Completed: models.BoolPtr(v > 0)}, true
			}
		}
		return Reply{}, false
	case models.HabitKindMetric:
		v, rest, ok := ParseNumber(text)
		if !ok || !unitMatches(rest, cfg.Unit) {
			return Reply{}, false
		}
		return Reply{MetricValue: models.Float64Ptr(v)}, true
	default:
		return Reply{}, false
	}
}

// SelectCandidate resolves a habit-selection reply. An integer within 1..N picks by position;
// otherwise the first candidate that contains the reply, or is contained by it, wins
// (case-insensitive).
func SelectCandidate(text string, candidates []string) (string, bool) {
	t := normalizeReply(text)
	if t == "" {
		return "", false
	}
	if n, err := strconv.Atoi(t); err == nil && n >= 1 && n <= len(candidates) {
		return candidates[n-1], true
	}
	for _, c := range candidates {
		lc := foldName(c)
		if lc == "" {
			continue
		}
		if strings.Contains(lc, t) || strings.Contains(t, lc) {
			return c, true
		}
	}
	return "", false
}
