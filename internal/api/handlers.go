package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/HabitPipe/internal/conversation"
	"github.com/BTreeMap/HabitPipe/internal/metrics"
	"github.com/BTreeMap/HabitPipe/internal/models"
)

const signatureHeader = "X-Twilio-Signature"

// smsWebhookHandler handles inbound SMS deliveries (POST /webhooks/sms). Every accepted
// delivery is answered with an empty TwiML response whatever the conversation outcome.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.smsWebhookHandler: processing webhook", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.smsWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.smsWebhookHandler: failed to parse form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.Valid(s.webhookURL(r), params, r.Header.Get(signatureHeader)) {
			slog.Warn("Server.smsWebhookHandler: invalid signature", "remote", r.RemoteAddr)
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	msg := conversation.InboundMessage{
		From:      strings.TrimSpace(r.PostForm.Get("From")),
		Body:      r.PostForm.Get("Body"),
		MessageID: r.PostForm.Get("MessageSid"),
	}
	if msg.From == "" {
		slog.Warn("Server.smsWebhookHandler: delivery without sender ignored")
		writeTwiMLResponse(w)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(msg.From) {
		metrics.InboundRouted(metrics.RouteRateLimited)
		slog.Warn("Server.smsWebhookHandler: sender rate limited, message dropped", "from", msg.From, "messageID", msg.MessageID)
		s.engine.LogRateLimited(context.WithoutCancel(r.Context()), msg)
		writeTwiMLResponse(w)
		return
	}

	// The turn outlives a provider that hangs up early.
	route, err := s.engine.HandleInbound(context.WithoutCancel(r.Context()), msg)
	if err != nil {
		slog.Error("Server.smsWebhookHandler: inbound handling failed", "from", msg.From, "route", route, "error", err)
	} else {
		slog.Debug("Server.smsWebhookHandler: inbound handled", "from", msg.From, "route", route)
	}
	writeTwiMLResponse(w)
}

// webhookURL is the URL the provider signed: the configured public URL, or the request's own.
func (s *Server) webhookURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// healthHandler reports liveness (GET /healthz).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "habitpipe"}))
}
