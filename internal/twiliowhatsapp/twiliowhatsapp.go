// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in PersonaPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Error variables for better error handling and testability
var (
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	ErrMissingFrom        = errors.New("fromWhats number must be provided")
)

// Sender is the subset of the Twilio client used by the messaging layer.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, mediaURL string) error
	SendTypingIndicator(ctx context.Context, to string, typing bool) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	WebhookURL string // public URL Twilio signs inbound webhooks with
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, in "whatsapp:+1234567890" form.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithWebhookURL sets the public webhook URL configured in the Twilio console. It is
// the URL signatures are computed over, which may differ from what the server sees
// behind a proxy.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client     *twilio.RestClient
	fromWhats  string
	validator  twilioClient.RequestValidator
	webhookURL string
}

// NewClient creates a Twilio client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = os.Getenv("TWILIO_WEBHOOK_URL")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromWhats == "" {
		return nil, ErrMissingFrom
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		fromWhats:  whatsappAddress(cfg.FromWhats),
		validator:  twilioClient.NewRequestValidator(cfg.AuthToken),
		webhookURL: cfg.WebhookURL,
	}, nil
}

// ValidateSignature checks an X-Twilio-Signature value against the webhook URL and
// the posted form parameters, using the account auth token.
func (c *Client) ValidateSignature(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// WebhookURL returns the configured public webhook URL, empty when unset.
func (c *Client) WebhookURL() string {
	return c.webhookURL
}

// whatsappAddress prefixes a bare number with the Twilio WhatsApp channel.
func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

func (c *Client) create(to string, setup func(*twilioApi.CreateMessageParams)) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	setup(params)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// SendMessage sends a WhatsApp text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.create(to, func(p *twilioApi.CreateMessageParams) { p.SetBody(body) }); err != nil {
		return err
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendMedia sends an image attachment by public URL.
func (c *Client) SendMedia(ctx context.Context, to string, mediaURL string) error {
	if err := c.create(to, func(p *twilioApi.CreateMessageParams) { p.SetMediaUrl([]string{mediaURL}) }); err != nil {
		return err
	}
	slog.Debug("Twilio media sent", "to", to)
	return nil
}

// SendTypingIndicator does nothing since the Twilio API does not support typing indicators.
func (c *Client) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	slog.Debug("Twilio SendTypingIndicator ignored (unsupported)", "to", to, "typing", typing)
	return nil
}

// MockClient records calls instead of talking to Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	SentMedia    []SentMessage
	TypingEvents []TypingEvent
	Err          error
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To   string
	Body string
}

// TypingEvent is one recorded typing indicator.
type TypingEvent struct {
	To     string
	Typing bool
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, to string, mediaURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMedia = append(m.SentMedia, SentMessage{To: to, Body: mediaURL})
	return nil
}

func (m *MockClient) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TypingEvents = append(m.TypingEvents, TypingEvent{To: to, Typing: typing})
	return nil
}

var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)
