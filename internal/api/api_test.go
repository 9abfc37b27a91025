package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/conversation"
	"github.com/BTreeMap/HabitPipe/internal/messaging"
	"github.com/BTreeMap/HabitPipe/internal/metrics"
	"github.com/BTreeMap/HabitPipe/internal/models"
	"github.com/BTreeMap/HabitPipe/internal/store"
	"github.com/BTreeMap/HabitPipe/internal/testutil"
	"github.com/BTreeMap/HabitPipe/internal/twiliosms"
)

// recordingEngine records inbound messages and returns a fixed outcome.
type recordingEngine struct {
	mu       sync.Mutex
	messages []conversation.InboundMessage
	shed     []conversation.InboundMessage
	err      error
}

func (e *recordingEngine) LogRateLimited(ctx context.Context, msg conversation.InboundMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shed = append(e.shed, msg)
}

func (e *recordingEngine) shedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.shed)
}

func (e *recordingEngine) HandleInbound(ctx context.Context, msg conversation.InboundMessage) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
	if e.err != nil {
		return metrics.RouteError, e.err
	}
	return metrics.RouteSilent, nil
}

func (e *recordingEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

type stubValidator struct{ valid bool }

func (v stubValidator) Valid(url string, params map[string]string, signature string) bool {
	return v.valid
}

func smsRequest(t *testing.T, from, body, sid string) *http.Request {
	t.Helper()
	form := url.Values{}
	if from != "" {
		form.Set("From", from)
	}
	form.Set("Body", body)
	form.Set("MessageSid", sid)
	return testutil.NewFormRequest(t, http.MethodPost, PathSMSWebhook, form)
}

func assertTwiML(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "sms webhook")
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	if rr.Body.String() != emptyTwiML {
		t.Errorf("body = %q, want %q", rr.Body.String(), emptyTwiML)
	}
}

func TestSMSWebhook_HandsMessageToEngine(t *testing.T) {
	eng := &recordingEngine{}
	srv := NewServer(eng)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, smsRequest(t, "+15550001111", "yes", "SM1"))

	assertTwiML(t, rr)
	if eng.count() != 1 {
		t.Fatalf("expected one inbound message, got %d", eng.count())
	}
	got := eng.messages[0]
	if got.From != "+15550001111" || got.Body != "yes" || got.MessageID != "SM1" {
		t.Errorf("unexpected inbound message %+v", got)
	}
}

func TestSMSWebhook_EngineErrorStillAcknowledged(t *testing.T) {
	eng := &recordingEngine{err: errors.New("database is locked")}
	rr := httptest.NewRecorder()
	NewServer(eng).Handler().ServeHTTP(rr, smsRequest(t, "+15550001111", "yes", "SM1"))
	assertTwiML(t, rr)
}

func TestSMSWebhook_MissingSender(t *testing.T) {
	eng := &recordingEngine{}
	rr := httptest.NewRecorder()
	NewServer(eng).Handler().ServeHTTP(rr, smsRequest(t, "", "yes", "SM1"))
	assertTwiML(t, rr)
	if eng.count() != 0 {
		t.Error("a delivery without sender must not reach the engine")
	}
}

func TestSMSWebhook_MethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, PathSMSWebhook, nil)
	NewServer(&recordingEngine{}).Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", rr.Header().Get("Allow"))
	}
}

func TestSMSWebhook_SignatureValidation(t *testing.T) {
	tests := []struct {
		name       string
		validator  SignatureValidator
		wantStatus int
		wantCalls  int
	}{
		{"valid", stubValidator{valid: true}, http.StatusOK, 1},
		{"invalid", stubValidator{valid: false}, http.StatusForbidden, 0},
		{"twilio rejects forged", twiliosms.NewSignatureValidator("secret"), http.StatusForbidden, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &recordingEngine{}
			srv := NewServer(eng, WithSignatureValidation(tt.validator), WithPublicURL("https://example.com/webhooks/sms"))
			req := smsRequest(t, "+15550001111", "yes", "SM1")
			req.Header.Set(signatureHeader, "forged")

			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if eng.count() != tt.wantCalls {
				t.Errorf("engine calls = %d, want %d", eng.count(), tt.wantCalls)
			}
		})
	}
}

func TestSMSWebhook_RateLimit(t *testing.T) {
	eng := &recordingEngine{}
	srv := NewServer(eng, WithInboundRateLimit(2))
	h := srv.Handler()

	for i := 0; i < 4; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, smsRequest(t, "+15550001111", "yes", "SM"+string(rune('a'+i))))
		assertTwiML(t, rr)
	}
	if eng.count() != 2 {
		t.Errorf("expected 2 messages through the limiter, got %d", eng.count())
	}
	if eng.shedCount() != 2 {
		t.Errorf("expected 2 shed messages to be logged, got %d", eng.shedCount())
	}

	// Another sender has its own bucket.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, smsRequest(t, "+15552223333", "yes", "SMz"))
	if eng.count() != 3 {
		t.Errorf("expected other sender to pass, got %d messages", eng.count())
	}
}

func TestSMSWebhook_RateLimitDisabled(t *testing.T) {
	eng := &recordingEngine{}
	h := NewServer(eng, WithInboundRateLimit(0)).Handler()
	for i := 0; i < 30; i++ {
		h.ServeHTTP(httptest.NewRecorder(), smsRequest(t, "+15550001111", "yes", ""))
	}
	if eng.count() != 30 {
		t.Errorf("expected all messages through, got %d", eng.count())
	}
	if eng.shedCount() != 0 {
		t.Errorf("expected nothing shed, got %d", eng.shedCount())
	}
}

func TestSMSWebhook_RateLimitedMessagesAreLogged(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedUser(t, st, models.User{ID: "u1", FirstName: "Ana", Phone: "+15550001111", Timezone: "UTC"},
		[]time.Weekday{time.Friday})
	eng := conversation.NewEngine(st, messaging.NewTwilioService(twiliosms.NewMockClient(), time.Second), nil)
	h := NewServer(eng, WithInboundRateLimit(1)).Handler()

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, smsRequest(t, "+15550001111", "hello", "SM"+string(rune('a'+i))))
		assertTwiML(t, rr)
	}

	logs, err := st.ListMessageLogs(context.Background(), "+15550001111")
	if err != nil {
		t.Fatalf("ListMessageLogs: %v", err)
	}
	var received, limited int
	for _, l := range logs {
		if l.Direction != models.MessageDirectionInbound {
			continue
		}
		switch l.Status {
		case models.MessageStatusReceived:
			received++
		case models.MessageStatusRateLimited:
			limited++
			if l.UserID != "u1" {
				t.Errorf("shed message logged without user id: %+v", l)
			}
		}
	}
	if received != 1 || limited != 2 {
		t.Errorf("inbound log rows: received=%d rate_limited=%d, want 1 and 2", received, limited)
	}
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	NewServer(&recordingEngine{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONStatus(t, rr, "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(&recordingEngine{}).Handler()
	h.ServeHTTP(httptest.NewRecorder(), smsRequest(t, "+15550001111", "yes", "SM1"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "habitpipe_http_requests_total") {
		t.Error("expected HabitPipe metrics in exposition")
	}
}

func TestWebhookURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://internal:8080/webhooks/sms?x=1", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := (&Server{}).webhookURL(req); got != "https://internal:8080/webhooks/sms?x=1" {
		t.Errorf("webhookURL = %q", got)
	}
	if got := (&Server{publicURL: "https://hp.example.com/webhooks/sms"}).webhookURL(req); got != "https://hp.example.com/webhooks/sms" {
		t.Errorf("webhookURL = %q", got)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv := NewServer(&recordingEngine{}, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
