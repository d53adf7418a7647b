package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Outbound is one call recorded by MockService.
type Outbound struct {
	Kind string // "text", "media", "typing" or "seen"
	To   string
	Body string
}

// MockService records outbound calls in memory. Inbound messages can be injected with
// Deliver.
type MockService struct {
	*channels
	mu      sync.Mutex
	calls   []Outbound
	SendErr error // guarded by mu; prefer SetSendErr
}

var _ Service = (*MockService)(nil)

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{channels: newChannels("MockService")}
}

func (m *MockService) record(o Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, o)
}

func (m *MockService) sendErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SendErr
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	if m.isStopped() {
		return ErrServiceStopped
	}
	if err := m.sendErr(); err != nil {
		m.offerReceipt(models.Receipt{To: to, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	m.record(Outbound{Kind: "text", To: to, Body: body})
	m.offerReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (m *MockService) SendMedia(ctx context.Context, to string, mediaURL string) error {
	if err := m.sendErr(); err != nil {
		return err
	}
	m.record(Outbound{Kind: "media", To: to, Body: mediaURL})
	m.offerReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (m *MockService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if typing {
		m.record(Outbound{Kind: "typing", To: to})
	}
	return nil
}

func (m *MockService) SendSeen(ctx context.Context, to string) error {
	m.record(Outbound{Kind: "seen", To: to})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.shutdown()
	return nil
}

// Deliver injects an inbound message as if it came from the platform.
func (m *MockService) Deliver(msg models.InboundMessage) {
	m.emitResponse(msg)
}

// SetSendErr makes every following text or media send fail with err.
func (m *MockService) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErr = err
}

// Calls returns a copy of every recorded call.
func (m *MockService) Calls() []Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outbound(nil), m.calls...)
}

// Texts returns the text bodies sent to one recipient, in order.
func (m *MockService) Texts(to string) []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Kind == "text" && c.To == to {
			out = append(out, c.Body)
		}
	}
	return out
}

// Media returns the media URLs sent to one recipient, in order.
func (m *MockService) Media(to string) []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Kind == "media" && c.To == to {
			out = append(out, c.Body)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
