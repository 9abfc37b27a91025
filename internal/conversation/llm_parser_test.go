package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/HabitPipe/internal/models"
)

type fakeGenerator struct {
	out        string
	err        error
	lastSystem string
	lastUser   string
}

func (f *fakeGenerator) GenerateJSON(ctx context.Context, system, user string) (string, error) {
	f.lastSystem = system
	f.lastUser = user
	return f.out, f.err
}

func TestLLMParser_Parse(t *testing.T) {
	gen := &fakeGenerator{out: `{"understood": true, "matches": [{"habit": "Water", "completed": null, "value": 2,
		"needs_clarification": true, "clarification_type": "unit_conversion", "user_unit": "bottles",
		"user_value": 2, "candidates": []}], "reply": "Nice!"}`}
	p := NewLLMParser(gen, 0)

	j, err := p.Parse(context.Background(), SmartRequest{Message: "2 bottles", FirstName: "Ana", Habits: testHabits()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !j.Understood || len(j.Matches) != 1 || j.Reply != "Nice!" {
		t.Fatalf("unexpected judgment: %+v", j)
	}
	m := j.Matches[0]
	if m.ClarificationType != models.ClarificationUnitConversion || m.UserUnit != "bottles" || m.UserValue == nil || *m.UserValue != 2 {
		t.Errorf("unexpected match: %+v", m)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(gen.lastUser), &payload); err != nil {
		t.Fatalf("user prompt is not JSON: %v", err)
	}
	if payload["message"] != "2 bottles" || payload["first_name"] != "Ana" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if habits, ok := payload["habits"].([]any); !ok || len(habits) != 3 {
		t.Errorf("expected 3 habits in payload, got %v", payload["habits"])
	}
	if !strings.Contains(gen.lastSystem, "unit_conversion") {
		t.Error("system prompt should describe clarification types")
	}
}

func TestLLMParser_CodeFence(t *testing.T) {
	gen := &fakeGenerator{out: "```json\n{\"understood\": false, \"matches\": []}\n```"}
	j, err := NewLLMParser(gen, 0).Parse(context.Background(), SmartRequest{Message: "hi", Habits: testHabits()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Understood {
		t.Errorf("expected not understood, got %+v", j)
	}
}

func TestLLMParser_Failures(t *testing.T) {
	tests := []struct {
		name    string
		gen     *fakeGenerator
		wantErr error
	}{
		{"transport", &fakeGenerator{err: errors.New("connection reset")}, nil},
		{"not json", &fakeGenerator{out: "I think they drank water"}, ErrMalformedJudgment},
		{"bad clarification", &fakeGenerator{out: `{"understood": true, "matches": [{"habit": "Water", "needs_clarification": true, "clarification_type": "mood"}]}`}, ErrMalformedJudgment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLLMParser(tt.gen, 0).Parse(context.Background(), SmartRequest{Message: "x", Habits: testHabits()})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
