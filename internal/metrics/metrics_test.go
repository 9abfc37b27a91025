package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	base := testutil.ToFloat64(inboundMessages.WithLabelValues(RouteSmart))
	InboundRouted(RouteSmart)
	if got := testutil.ToFloat64(inboundMessages.WithLabelValues(RouteSmart)); got != base+1 {
		t.Errorf("inbound smart = %v, want %v", got, base+1)
	}

	baseSent := testutil.ToFloat64(outboundMessages.WithLabelValues("sent"))
	OutboundSent("sent")
	if got := testutil.ToFloat64(outboundMessages.WithLabelValues("sent")); got != baseSent+1 {
		t.Errorf("outbound sent = %v, want %v", got, baseSent+1)
	}

	baseEntries := testutil.ToFloat64(entriesWritten.WithLabelValues("sms_followup"))
	EntryWritten("sms_followup")
	if got := testutil.ToFloat64(entriesWritten.WithLabelValues("sms_followup")); got != baseEntries+1 {
		t.Errorf("entries = %v, want %v", got, baseEntries+1)
	}

	baseSmart := testutil.ToFloat64(smartResults.WithLabelValues(SmartFailed))
	SmartResult(SmartFailed)
	if got := testutil.ToFloat64(smartResults.WithLabelValues(SmartFailed)); got != baseSmart+1 {
		t.Errorf("smart failed = %v, want %v", got, baseSmart+1)
	}

	ObserveTurn(20 * time.Millisecond)
}

func TestInstrument(t *testing.T) {
	h := Instrument("/teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	base := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/teapot", "418"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/teapot?x=1", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d", w.Code)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/teapot", "418")); got != base+1 {
		t.Errorf("http requests = %v, want %v", got, base+1)
	}
}
