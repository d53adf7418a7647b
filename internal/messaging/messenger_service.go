package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/google/uuid"
)

// Constants for the Messenger Send API
const (
	// DefaultGraphAPIURL is the Send API endpoint base.
	DefaultGraphAPIURL = "https://graph.facebook.com/v18.0"
	// DefaultSendTimeout bounds one Send API call.
	DefaultSendTimeout = 10 * time.Second
	// MaxWebhookBodyBytes caps the accepted webhook payload size.
	MaxWebhookBodyBytes = 1 << 20

	senderActionTypingOn  = "typing_on"
	senderActionTypingOff = "typing_off"
	senderActionMarkSeen  = "mark_seen"
)

// Error variables for the Messenger transport
var (
	ErrMissingPageToken = errors.New("page access token must be provided")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

// MessengerOpts holds configuration for the Messenger transport.
type MessengerOpts struct {
	PageAccessToken string
	AppSecret       string
	VerifyToken     string
	BaseURL         string
	HTTPClient      *http.Client
}

// MessengerOption defines a configuration option for the Messenger transport.
type MessengerOption func(*MessengerOpts)

// WithPageAccessToken sets the page token used on every Send API call.
func WithPageAccessToken(token string) MessengerOption {
	return func(o *MessengerOpts) { o.PageAccessToken = token }
}

// WithAppSecret enables X-Hub-Signature-256 verification of webhook deliveries.
func WithAppSecret(secret string) MessengerOption {
	return func(o *MessengerOpts) { o.AppSecret = secret }
}

// WithVerifyToken sets the token expected by the webhook subscription handshake.
func WithVerifyToken(token string) MessengerOption {
	return func(o *MessengerOpts) { o.VerifyToken = token }
}

// WithGraphAPIURL overrides DefaultGraphAPIURL.
func WithGraphAPIURL(base string) MessengerOption {
	return func(o *MessengerOpts) { o.BaseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client used for the Send API.
func WithHTTPClient(c *http.Client) MessengerOption {
	return func(o *MessengerOpts) { o.HTTPClient = c }
}

// MessengerService implements Service on top of the Messenger Send API and webhook.
type MessengerService struct {
	*channels
	cfg    MessengerOpts
	client *http.Client
}

var _ Service = (*MessengerService)(nil)

// NewMessengerService creates a Messenger transport.
func NewMessengerService(opts ...MessengerOption) (*MessengerService, error) {
	cfg := MessengerOpts{BaseURL: DefaultGraphAPIURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PageAccessToken == "" {
		return nil, ErrMissingPageToken
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultSendTimeout}
	}
	slog.Debug("MessengerService created", "base_url", cfg.BaseURL, "signature_check", cfg.AppSecret != "", "verify_token_set", cfg.VerifyToken != "")
	return &MessengerService{channels: newChannels("MessengerService"), cfg: cfg, client: client}, nil
}

// Start is a no-op: inbound events arrive through the webhook handlers.
func (s *MessengerService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the receipt and response channels.
func (s *MessengerService) Stop() error {
	if s.shutdown() {
		slog.Info("MessengerService stopped and channels closed")
	}
	return nil
}

type sendRecipient struct {
	ID string `json:"id"`
}

type sendPayload struct {
	URL      string `json:"url"`
	Reusable bool   `json:"is_reusable"`
}

type sendAttachment struct {
	Type    string      `json:"type"`
	Payload sendPayload `json:"payload"`
}

type sendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendRequest struct {
	Recipient     sendRecipient `json:"recipient"`
	Message       *sendMessage  `json:"message,omitempty"`
	SenderAction  string        `json:"sender_action,omitempty"`
	MessagingType string        `json:"messaging_type,omitempty"`
}

// SendMessage sends a text reply and emits a sent receipt.
func (s *MessengerService) SendMessage(ctx context.Context, to string, body string) error {
	if body == "" {
		return ErrEmptyBody
	}
	return s.deliver(ctx, sendRequest{
		Recipient:     sendRecipient{ID: to},
		Message:       &sendMessage{Text: body},
		MessagingType: "RESPONSE",
	}, true)
}

// SendMedia sends an image attachment and emits a sent receipt.
func (s *MessengerService) SendMedia(ctx context.Context, to string, mediaURL string) error {
	if mediaURL == "" {
		return ErrEmptyBody
	}
	msg := &sendMessage{Attachment: &sendAttachment{
		Type:    "image",
		Payload: sendPayload{URL: mediaURL, Reusable: true},
	}}
	return s.deliver(ctx, sendRequest{
		Recipient:     sendRecipient{ID: to},
		Message:       msg,
		MessagingType: "RESPONSE",
	}, true)
}

// SendTypingIndicator posts the typing_on or typing_off sender action.
func (s *MessengerService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	action := senderActionTypingOff
	if typing {
		action = senderActionTypingOn
	}
	return s.deliver(ctx, sendRequest{Recipient: sendRecipient{ID: to}, SenderAction: action}, false)
}

// SendSeen posts the mark_seen sender action.
func (s *MessengerService) SendSeen(ctx context.Context, to string) error {
	return s.deliver(ctx, sendRequest{Recipient: sendRecipient{ID: to}, SenderAction: senderActionMarkSeen}, false)
}

func (s *MessengerService) deliver(ctx context.Context, req sendRequest, receipt bool) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if strings.TrimSpace(req.Recipient.ID) == "" {
		return ErrEmptyRecipient
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode send request: %w", err)
	}
	endpoint := s.cfg.BaseURL + "/me/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	q := httpReq.URL.Query()
	q.Set("access_token", s.cfg.PageAccessToken)
	httpReq.URL.RawQuery = q.Encode()
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		slog.Error("MessengerService.deliver: request failed", "error", err, "to", req.Recipient.ID)
		if receipt {
			s.failed(req.Recipient.ID)
		}
		return fmt.Errorf("send API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("MessengerService.deliver: send API error", "status", resp.StatusCode, "body", string(detail), "to", req.Recipient.ID)
		if receipt {
			s.failed(req.Recipient.ID)
		}
		return fmt.Errorf("send API returned status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if receipt {
		s.sent(req.Recipient.ID)
	}
	slog.Debug("MessengerService.deliver: sent", "to", req.Recipient.ID, "action", req.SenderAction)
	return nil
}

// VerifyWebhook answers the subscription handshake: it echoes hub.challenge when
// hub.mode is "subscribe" and hub.verify_token matches.
func (s *MessengerService) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && s.cfg.VerifyToken != "" && q.Get("hub.verify_token") == s.cfg.VerifyToken {
		slog.Info("MessengerService.VerifyWebhook: subscription verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, q.Get("hub.challenge"))
		return
	}
	slog.Warn("MessengerService.VerifyWebhook: verification failed", "mode", q.Get("hub.mode"))
	http.Error(w, "Erreur de vérification", http.StatusForbidden)
}

// WebhookEvent is the subset of a Messenger webhook delivery PersonaPipe reads.
type WebhookEvent struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry is one page entry of a webhook delivery.
type WebhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Messaging []WebhookMessaging `json:"messaging"`
}

// WebhookMessaging is one messaging event.
type WebhookMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// ParseWebhook extracts inbound text messages from a delivery body. Events without a
// sender or text, and echoes of our own messages, are skipped.
func ParseWebhook(body []byte) ([]models.InboundMessage, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	var out []models.InboundMessage
	for _, entry := range evt.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.IsEcho {
				continue
			}
			msg := models.InboundMessage{
				MessageID: m.Message.MID,
				SenderID:  m.Sender.ID,
				Text:      m.Message.Text,
				Time:      m.Timestamp / 1000,
			}
			if err := msg.Validate(); err != nil {
				slog.Debug("ParseWebhook: skipping event", "reason", err, "sender", m.Sender.ID)
				continue
			}
			if msg.MessageID == "" {
				msg.MessageID = uuid.NewString()
			}
			if msg.Time == 0 {
				msg.Time = time.Now().Unix()
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// CheckSignature validates an X-Hub-Signature-256 header ("sha256=<hex>") against the
// HMAC-SHA256 of body keyed with secret.
func CheckSignature(secret string, body []byte, header string) error {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

// WebhookHandler accepts a Messenger delivery, checks the signature when an app secret
// is configured and emits every text message on the Responses channel. Well-formed
// deliveries always get 200 "ok" so the platform does not retry them.
func (s *MessengerService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBodyBytes))
	if err != nil {
		slog.Error("MessengerService.WebhookHandler: failed to read body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.cfg.AppSecret != "" {
		if err := CheckSignature(s.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			slog.Warn("MessengerService.WebhookHandler: rejected delivery", "error", err)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msgs, err := ParseWebhook(body)
	if err != nil {
		slog.Warn("MessengerService.WebhookHandler: malformed delivery", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	for _, m := range msgs {
		s.emitResponse(m)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}
