package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/twiliowhatsapp"
	"github.com/google/uuid"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// SignatureValidator checks X-Twilio-Signature headers. *twiliowhatsapp.Client
// implements it.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// TwilioService implements the Service interface using the Twilio API.
type TwilioService struct {
	*channels
	client     twiliowhatsapp.Sender
	validator  SignatureValidator
	webhookURL string
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook deliveries whose X-Twilio-Signature does not
// verify. webhookURL is the URL configured in Twilio; when empty it is rebuilt from the
// request.
func WithSignatureValidation(v SignatureValidator, webhookURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = webhookURL
	}
}

// NewTwilioService creates a TwilioService around a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		channels: newChannels("TwilioService"),
		client:   client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanonicalizePhone strips the "whatsapp:" channel prefix and every non-digit, and
// requires at least 6 digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(strings.TrimPrefix(recipient, "whatsapp:"), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	if s.shutdown() {
		slog.Info("TwilioService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalizePhone(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, "+"+canonicalTo, body); err != nil {
		s.failed(canonicalTo)
		return err
	}
	s.sent(canonicalTo)
	return nil
}

// SendMedia sends an image by URL via Twilio and emits a receipt.
func (s *TwilioService) SendMedia(ctx context.Context, to string, mediaURL string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMedia(ctx, "+"+canonicalTo, mediaURL); err != nil {
		s.failed(canonicalTo)
		return err
	}
	s.sent(canonicalTo)
	return nil
}

// SendTypingIndicator forwards to the client (a no-op for real Twilio).
func (s *TwilioService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendTypingIndicator(ctx, to, typing)
}

// SendSeen is unsupported by Twilio and only logged.
func (s *TwilioService) SendSeen(ctx context.Context, to string) error {
	slog.Debug("TwilioService SendSeen ignored (unsupported)", "to", to)
	return nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them on the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validSignature(r) {
		slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, ErrBadSignature.Error(), http.StatusForbidden)
		return
	}

	from, err := CanonicalizePhone(r.FormValue("From"))
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		MessageID: r.FormValue("MessageSid"),
		SenderID:  from,
		Text:      r.FormValue("Body"),
		Time:      time.Now().Unix(),
	}
	if err := msg.Validate(); err != nil {
		slog.Debug("Twilio webhook skipping message", "reason", err, "from", from)
		w.WriteHeader(http.StatusOK)
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", from, "body_length", len(msg.Text))
	s.emitResponse(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// validSignature verifies X-Twilio-Signature over the webhook URL and the posted form.
func (s *TwilioService) validSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.ValidateSignature(s.requestURL(r), params, signature)
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
