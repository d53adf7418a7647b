// Package events publishes conversation lifecycle events (escalation, cooldown,
// follow-up, reset) to NATS so other services can observe the bot.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/util"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the event type to form the NATS subject, e.g.
// "personapipe.session.escalated".
const SubjectPrefix = "personapipe."

// ErrNoURL is returned when no NATS URL is configured.
var ErrNoURL = errors.New("NATS URL not set")

// Publisher emits conversation events. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, evt models.ConversationEvent) error
	Close()
}

// NewEvent stamps a new event with an id and timestamp.
func NewEvent(typ models.EventType, userID string, messageCount int, at time.Time) models.ConversationEvent {
	return models.ConversationEvent{
		ID:           uuid.NewString(),
		Type:         typ,
		UserID:       userID,
		MessageCount: messageCount,
		Timestamp:    at.UTC(),
	}
}

// Subject returns the NATS subject for an event type.
func Subject(typ models.EventType) string {
	return SubjectPrefix + string(typ)
}

// Noop discards events. It is used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, evt models.ConversationEvent) error { return nil }
func (Noop) Close() {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.ConversationEvent
}

func (r *Recorder) Publish(ctx context.Context, evt models.ConversationEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() {}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []models.ConversationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConversationEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []models.EventType {
	var out []models.EventType
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// NATSPublisher publishes events as JSON on NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url, retrying in the background when the server is not
// reachable yet.
func NewNATSPublisher(url, token string) (*NATSPublisher, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	opts := []nats.Option{
		nats.Name(util.GenerateRandomID("personapipe-", 8)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATSPublisher: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATSPublisher: reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("NATSPublisher: connected", "url", url)
	return &NATSPublisher{conn: nc}, nil
}

// Publish marshals evt and publishes it on Subject(evt.Type).
func (p *NATSPublisher) Publish(ctx context.Context, evt models.ConversationEvent) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(evt.Type), payload); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	slog.Debug("NATSPublisher.Publish: event published", "type", evt.Type, "userID", evt.UserID)
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		slog.Debug("NATSPublisher.Close: flush failed", "error", err)
	}
	p.conn.Close()
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*Recorder)(nil)
	_ Publisher = (*NATSPublisher)(nil)
)
