package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "personapipe.session.escalated", Subject(models.EventSessionEscalated))
	assert.Equal(t, "personapipe.session.followup", Subject(models.EventSessionFollowup))
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	evt := NewEvent(models.EventSessionCooldown, "u1", 12, at)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, time.UTC, evt.Timestamp.Location())
	assert.Equal(t, 12, evt.MessageCount)
	assert.NoError(t, evt.Validate())
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, NewEvent(models.EventSessionReset, "u1", 0, time.Now())))
	assert.Error(t, r.Publish(ctx, models.ConversationEvent{Type: "bogus", UserID: "u1"}))
	assert.Equal(t, []models.EventType{models.EventSessionReset}, r.Types())
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), models.ConversationEvent{}))
	p.Close()
}

func TestNewNATSPublisher_RequiresURL(t *testing.T) {
	_, err := NewNATSPublisher("", "")
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestNATSPublisher_Integration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	pub, err := NewNATSPublisher(url, os.Getenv("NATS_TOKEN"))
	require.NoError(t, err)
	defer pub.Close()

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan models.ConversationEvent, 1)
	_, err = sub.Subscribe(SubjectPrefix+"session.>", func(msg *nats.Msg) {
		var evt models.ConversationEvent
		if json.Unmarshal(msg.Data, &evt) == nil {
			received <- evt
		}
	})
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, pub.Publish(context.Background(), NewEvent(models.EventSessionEscalated, "u1", 20, time.Now())))

	select {
	case evt := <-received:
		assert.Equal(t, models.EventSessionEscalated, evt.Type)
		assert.Equal(t, "u1", evt.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
