package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/store"
)

// seedFile is the JSON layout accepted by -seed.
type seedFile struct {
	Users []seedUser `json:"users"`
}

type seedUser struct {
	models.User
	Habits []seedHabit `json:"habits"`
}

type seedHabit struct {
	Name    string           `json:"name"`
	Kind    models.HabitKind `json:"kind"`
	Unit    string           `json:"unit,omitempty"`
	Target  *float64         `json:"target,omitempty"`
	Enabled *bool            `json:"enabled,omitempty"` // default true
	Days    []string         `json:"days"`              // e.g. ["mon", "wed"]; "daily" for all
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseWeekdays accepts three-letter or full English day names and "daily".
func parseWeekdays(days []string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if key == "daily" {
			return []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}, nil
		}
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

// applySeed writes every user, habit and schedule in seed.
func applySeed(ctx context.Context, w store.RegistryWriter, seed seedFile) error {
	for _, u := range seed.Users {
		if err := w.UpsertUser(ctx, u.User); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
		for i, h := range u.Habits {
			enabled := true
			if h.Enabled != nil {
				enabled = *h.Enabled
			}
			cfg := models.HabitConfig{
				UserID:    u.ID,
				HabitName: h.Name,
				Enabled:   enabled,
				Kind:      h.Kind,
				Unit:      h.Unit,
				Target:    h.Target,
				Position:  i + 1,
			}
			if err := w.UpsertHabitConfig(ctx, cfg); err != nil {
				return fmt.Errorf("habit %s/%s: %w", u.ID, h.Name, err)
			}
			days, err := parseWeekdays(h.Days)
			if err != nil {
				return fmt.Errorf("habit %s/%s: %w", u.ID, h.Name, err)
			}
			if err := w.SetSchedule(ctx, u.ID, h.Name, days); err != nil {
				return fmt.Errorf("schedule %s/%s: %w", u.ID, h.Name, err)
			}
		}
		slog.Info("Seeded user", "userID", u.ID, "habits", len(u.Habits))
	}
	return nil
}

func seedFromFile(ctx context.Context, w store.RegistryWriter, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	return applySeed(ctx, w, seed)
}
