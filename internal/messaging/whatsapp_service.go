package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// whatsAppSession is the connection half of whatsapp.Client.
type whatsAppSession interface {
	Connect(ctx context.Context) error
	AddEventHandler(handler func(evt any))
	Disconnect()
}

// WhatsAppService implements Service over a whatsmeow client.
type WhatsAppService struct {
	*channels
	client  whatsapp.WhatsAppSender
	session whatsAppSession // nil for send-only clients such as the mock
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService. When client can also connect, Start
// pairs and connects it.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		channels: newChannels("WhatsAppService"),
		client:   client,
	}
	if session, ok := client.(whatsAppSession); ok {
		service.session = session
	}
	return service
}

// Start connects the client, pairing the device first when it has no account, and
// subscribes to inbound messages and receipts.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.session == nil {
		slog.Debug("WhatsAppService.Start: send-only client, no inbound events")
		return nil
	}
	s.session.AddEventHandler(s.handleEvent)
	if err := s.session.Connect(ctx); err != nil {
		return fmt.Errorf("whatsapp start: %w", err)
	}
	slog.Info("WhatsAppService.Start: connected")
	return nil
}

func (s *WhatsAppService) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	}
}

// Stop disconnects the client and closes the channels.
func (s *WhatsAppService) Stop() error {
	if s.shutdown() {
		if s.session != nil {
			s.session.Disconnect()
		}
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		s.failed(canonicalTo)
		return err
	}
	s.sent(canonicalTo)
	slog.Debug("WhatsAppService message sent and receipt emitted", "to", canonicalTo)
	return nil
}

// SendMedia sends the media URL as a text message; WhatsApp renders a link preview.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, mediaURL string) error {
	return s.SendMessage(ctx, to, mediaURL)
}

// SendTypingIndicator is only logged for WhatsApp.
func (s *WhatsAppService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	slog.Debug("WhatsAppService SendTypingIndicator ignored", "to", to, "typing", typing)
	return nil
}

// SendSeen is only logged for WhatsApp.
func (s *WhatsAppService) SendSeen(ctx context.Context, to string) error {
	slog.Debug("WhatsAppService SendSeen ignored", "to", to)
	return nil
}

// handleIncomingMessage forwards text messages from users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.InboundMessage{
		MessageID: string(evt.Info.ID),
		SenderID:  evt.Info.Sender.User,
		Text:      text,
		Time:      evt.Info.Timestamp.Unix(),
	}
	if err := msg.Validate(); err != nil {
		slog.Debug("WhatsAppService skipping message", "reason", err)
		return
	}
	s.emitResponse(msg)
}

// handleMessageReceipt forwards delivery and read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
