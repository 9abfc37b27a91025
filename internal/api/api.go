// Package api provides the HTTP server for HabitPipe.
//
// It exposes the inbound SMS webhook consumed by the conversation engine, a health check and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/HabitPipe/internal/conversation"
	"github.com/BTreeMap/HabitPipe/internal/metrics"
)

// Server defaults
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultInboundPerMin   = 20
	readHeaderTimeout      = 5 * time.Second
)

// Webhook and service paths
const (
	PathSMSWebhook = "/webhooks/sms"
	PathHealth     = "/healthz"
	PathMetrics    = "/metrics"
)

// InboundHandler processes one inbound SMS. *conversation.Engine implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg conversation.InboundMessage) (string, error)
	// LogRateLimited records a message shed before its turn ran.
	LogRateLimited(ctx context.Context, msg conversation.InboundMessage)
}

// SignatureValidator verifies a webhook signature against the public URL and form parameters.
type SignatureValidator interface {
	Valid(url string, params map[string]string, signature string) bool
}

// Opts holds configuration options for the server.
type Opts struct {
	Addr          string
	PublicURL     string // public webhook URL used for signature validation
	Validator     SignatureValidator
	InboundPerMin int // per-sender budget; 0 disables limiting
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the public webhook URL the provider signs.
func WithPublicURL(url string) Option {
	return func(o *Opts) { o.PublicURL = url }
}

// WithSignatureValidation rejects webhooks whose signature does not verify.
func WithSignatureValidation(v SignatureValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithInboundRateLimit sets how many messages per minute one sender may send.
func WithInboundRateLimit(perMin int) Option {
	return func(o *Opts) { o.InboundPerMin = perMin }
}

// Server is the HabitPipe HTTP server.
type Server struct {
	engine    InboundHandler
	addr      string
	publicURL string
	validator SignatureValidator
	limiter   *senderLimiter
}

// NewServer creates a server that hands inbound messages to engine.
func NewServer(engine InboundHandler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, InboundPerMin: DefaultInboundPerMin}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		engine:    engine,
		addr:      cfg.Addr,
		publicURL: cfg.PublicURL,
		validator: cfg.Validator,
	}
	if cfg.InboundPerMin > 0 {
		s.limiter = newSenderLimiter(cfg.InboundPerMin)
	}
	slog.Debug("Server created", "addr", s.addr, "signatureValidation", s.validator != nil, "inboundPerMin", cfg.InboundPerMin)
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PathSMSWebhook, metrics.Instrument(PathSMSWebhook, http.HandlerFunc(s.smsWebhookHandler)))
	mux.Handle(PathHealth, metrics.Instrument(PathHealth, http.HandlerFunc(s.healthHandler)))
	mux.Handle(PathMetrics, promhttp.Handler())
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HabitPipe API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err)
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: graceful shutdown failed", "error", err)
			return err
		}
		return nil
	}
}
