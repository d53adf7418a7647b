// Package messaging provides the outbound delivery abstraction and the platform
// transports (Messenger Send API, Twilio WhatsApp, whatsmeow) behind it.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// Error variables for better error handling and testability
var (
	ErrServiceStopped = errors.New("messaging service stopped")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Service defines a pluggable message delivery abstraction.
// It sends text, media and presence signals, and exposes channels for delivery
// receipts and inbound user messages.
type Service interface {
	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMedia sends an image attachment by public URL.
	SendMedia(ctx context.Context, to string, mediaURL string) error

	// SendTypingIndicator shows or hides the typing bubble. Best effort.
	SendTypingIndicator(ctx context.Context, to string, typing bool) error

	// SendSeen marks the conversation as read. Best effort.
	SendSeen(ctx context.Context, to string) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.InboundMessage
}

// channels holds the receipt and response channels shared by every transport.
// Sends happen under the read lock so Stop never closes a channel mid-send.
type channels struct {
	name      string
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

func newChannels(name string) *channels {
	return &channels{
		name:      name,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// Receipts returns the channel of delivery receipts.
func (c *channels) Receipts() <-chan models.Receipt {
	return c.receipts
}

// Responses returns the channel of inbound user messages.
func (c *channels) Responses() <-chan models.InboundMessage {
	return c.responses
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// shutdown marks the transport stopped and closes both channels. It reports false when
// already stopped.
func (c *channels) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	close(c.receipts)
	close(c.responses)
	return true
}

func (c *channels) emitReceipt(receipt models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(c.name+" receipts channel blocked, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

// offerReceipt emits without waiting when the buffer is full.
func (c *channels) offerReceipt(receipt models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- receipt:
	default:
	}
}

func (c *channels) emitResponse(msg models.InboundMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn(c.name+" dropping inbound message (service stopped)", "from", msg.SenderID)
		return
	}
	select {
	case c.responses <- msg:
		slog.Debug(c.name+" emitted inbound message", "from", msg.SenderID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(c.name+" responses channel blocked, dropping message", "from", msg.SenderID)
	}
}

func (c *channels) sent(to string) {
	c.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
}

func (c *channels) failed(to string) {
	c.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
}
