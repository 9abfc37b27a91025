// Package testutil provides common test helpers for HabitPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONStatus decodes an APIResponse body and validates its status field.
func AssertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	MustUnmarshalJSON(t, rr.Body.Bytes(), &response)
	if response.Status != expectedStatus {
		t.Errorf("expected status %q, got %q", expectedStatus, response.Status)
	}
	return response
}

// NewFormRequest builds a form-encoded request, as sent by SMS webhooks.
func NewFormRequest(t *testing.T, method, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// SeedUser writes a user and their habits, each scheduled on days. Habit positions follow the
// argument order when unset.
func SeedUser(t *testing.T, w store.RegistryWriter, u models.User, days []time.Weekday, habits ...models.HabitConfig) {
	t.Helper()
	ctx := context.Background()
	if err := w.UpsertUser(ctx, u); err != nil {
		t.Fatalf("failed to seed user %s: %v", u.ID, err)
	}
	for i, h := range habits {
		h.UserID = u.ID
		if h.Position == 0 {
			h.Position = i + 1
		}
		if err := w.UpsertHabitConfig(ctx, h); err != nil {
			t.Fatalf("failed to seed habit %s: %v", h.HabitName, err)
		}
		if err := w.SetSchedule(ctx, u.ID, h.HabitName, days); err != nil {
			t.Fatalf("failed to seed schedule for %s: %v", h.HabitName, err)
		}
	}
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
