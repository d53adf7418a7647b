// Package whatsapp is the whatsmeow transport behind messaging.WhatsAppService: a
// device store, pairing on first start and plain text sends.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// JIDSuffix is the server part of a personal account JID.
const JIDSuffix = "s.whatsapp.net"

// Error variables for better error handling and testability
var (
	ErrNotInitialized = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
	ErrNoDeviceStore  = errors.New("whatsapp device store DSN not set")
	ErrPairingFailed  = errors.New("whatsapp pairing failed")
)

// WhatsAppSender is the send half used by messaging.WhatsAppService.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts configures the device store and how pairing codes are shown.
type Opts struct {
	DeviceStoreDSN string
	PairingOutput  string // file receiving pairing codes; stdout when empty
	PlainCode      bool   // write the raw code instead of a terminal QR
}

// Option configures a Client.
type Option func(*Opts)

// WithDeviceStore sets the whatsmeow device store DSN (SQLite path or PostgreSQL URL).
func WithDeviceStore(dsn string) Option {
	return func(o *Opts) { o.DeviceStoreDSN = dsn }
}

// WithPairingOutput writes pairing codes to path instead of stdout.
func WithPairingOutput(path string) Option {
	return func(o *Opts) { o.PairingOutput = path }
}

// WithPlainPairingCode writes the raw pairing code instead of rendering a QR.
func WithPlainPairingCode() Option {
	return func(o *Opts) { o.PlainCode = true }
}

// Client is a whatsmeow session bound to one device.
type Client struct {
	cfg Opts
	wa  *whatsmeow.Client
}

// Open loads (or creates) the device from the store. It does not connect; Connect
// pairs the device when needed and opens the socket.
func Open(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DeviceStoreDSN == "" {
		return nil, ErrNoDeviceStore
	}

	driver := "sqlite3"
	if store.DetectDSNType(cfg.DeviceStoreDSN) == "postgres" {
		driver = "postgres"
	} else if !strings.Contains(cfg.DeviceStoreDSN, "foreign_keys") {
		slog.Warn("whatsapp.Open: SQLite device store without foreign keys; append ?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, cfg.DeviceStoreDSN, waLog.Stdout("WhatsAppStore", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}
	slog.Debug("whatsapp.Open: device loaded", "driver", driver, "paired", device.ID != nil)
	return &Client{cfg: cfg, wa: whatsmeow.NewClient(device, waLog.Stdout("WhatsApp", "WARN", true))}, nil
}

// Paired reports whether the device already has an account.
func (c *Client) Paired() bool {
	return c.wa != nil && c.wa.Store != nil && c.wa.Store.ID != nil
}

// Connect opens the socket. An unpaired device first goes through pairing, which
// blocks until the code is scanned, expires or fails.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa == nil {
		return ErrNotInitialized
	}
	if c.Paired() {
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("failed to connect to whatsapp: %w", err)
		}
		slog.Info("Client.Connect: whatsapp connected")
		return nil
	}

	codes, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to start whatsapp pairing: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect to whatsapp for pairing: %w", err)
	}

	w := io.Writer(os.Stdout)
	if c.cfg.PairingOutput != "" {
		f, err := os.Create(c.cfg.PairingOutput)
		if err != nil {
			c.wa.Disconnect()
			return fmt.Errorf("failed to create pairing output: %w", err)
		}
		defer f.Close()
		w = f
	}
	slog.Info("Client.Connect: whatsapp pairing required", "output", c.cfg.PairingOutput)
	if err := awaitPairing(codes, w, c.cfg.PlainCode); err != nil {
		c.wa.Disconnect()
		return err
	}
	slog.Info("Client.Connect: whatsapp paired and connected")
	return nil
}

// awaitPairing renders every code event and returns once pairing succeeds or fails.
func awaitPairing(codes <-chan whatsmeow.QRChannelItem, w io.Writer, plain bool) error {
	for evt := range codes {
		switch evt.Event {
		case "code":
			if plain {
				fmt.Fprintln(w, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w)
			}
		case "success":
			return nil
		default:
			if evt.Error != nil {
				return fmt.Errorf("%w: %s: %v", ErrPairingFailed, evt.Event, evt.Error)
			}
			return fmt.Errorf("%w: %s", ErrPairingFailed, evt.Event)
		}
	}
	return fmt.Errorf("%w: pairing channel closed", ErrPairingFailed)
}

// AddEventHandler subscribes to whatsmeow events.
func (c *Client) AddEventHandler(handler func(evt any)) {
	if c.wa != nil {
		c.wa.AddEventHandler(handler)
	}
}

// Disconnect closes the socket.
func (c *Client) Disconnect() {
	if c.wa != nil {
		c.wa.Disconnect()
	}
}

// SendMessage sends a text message to a phone number in international format.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.wa == nil || c.wa.Store == nil {
		return ErrNotInitialized
	}
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	if _, err := c.wa.SendMessage(ctx, types.NewJID(to, JIDSuffix), &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("failed to send whatsapp message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// MockClient records sent messages instead of talking to WhatsApp.
type MockClient struct {
	mu   sync.Mutex
	Sent []string
	Err  error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, to+": "+body)
	return nil
}

// Messages returns a copy of the recorded "to: body" lines.
func (m *MockClient) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Sent...)
}
