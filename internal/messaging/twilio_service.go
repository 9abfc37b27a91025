package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/HabitPipe/internal/twiliosms"
)

// DefaultSendTimeout bounds a single outbound SMS.
const DefaultSendTimeout = 10 * time.Second

// E.164 allows at most 15 digits; shorter than 6 is never a routable number.
const (
	minPhoneDigits = 6
	maxPhoneDigits = 15
)

// TwilioService implements the Service interface using the Twilio SMS API.
type TwilioService struct {
	client      twiliosms.Sender // Could be real Twilio client or MockClient
	sendTimeout time.Duration
	mu          sync.RWMutex
	stopped     bool
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService around client. A non-positive timeout selects
// DefaultSendTimeout.
func NewTwilioService(client twiliosms.Sender, sendTimeout time.Duration) *TwilioService {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &TwilioService{client: client, sendTimeout: sendTimeout}
}

// ValidateAndCanonicalizeRecipient validates a phone number and returns it in E.164 form.
// All non-numeric characters are removed and a leading "+" is added.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, minPhoneDigits)
	}
	if len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too long (maximum %d digits allowed)", digits, maxPhoneDigits)
	}

	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Stop marks the service as stopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendMessage sends a message via Twilio within the send timeout.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		return "", err
	}
	slog.Debug("TwilioService message sent", "to", canonicalTo, "sid", sid, "body_length", len(body))
	return sid, nil
}
