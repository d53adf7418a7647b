package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_GetNeverCreates(t *testing.T) {
	s := NewSessionStore()
	_, ok := s.Get("ghost")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestSessionStore_UpdateCreatesZeroState(t *testing.T) {
	clock := testutil.NewClock(afternoon)
	s := NewSessionStore(WithSessionClock(clock.Now))
	sess := s.Update("a", func(sess *models.Session) { sess.MessageCount-- })
	assert.Equal(t, 0, sess.MessageCount, "message count never goes negative")
	assert.Equal(t, afternoon, sess.LastSeenAt)
	assert.Equal(t, afternoon, sess.CreatedAt)
}

func TestSessionStore_GetReturnsCopy(t *testing.T) {
	s := NewSessionStore()
	s.Update("a", func(sess *models.Session) { sess.AppendTurn(models.RoleUser, "salut", afternoon) })
	got, _ := s.Get("a")
	got.History[0].Content = "modifié"
	got.ProfileSnapshot["x"] = "y"

	again, _ := s.Get("a")
	assert.Equal(t, "salut", again.History[0].Content)
	assert.Empty(t, again.ProfileSnapshot)
}

func TestSessionStore_TryLock(t *testing.T) {
	s := NewSessionStore()
	_, ok := s.TryLock("unknown")
	assert.False(t, ok)

	unlock := s.Lock("a")
	_, ok = s.TryLock("a")
	assert.False(t, ok)
	unlock()

	release, ok := s.TryLock("a")
	require.True(t, ok)
	release()
}

func TestSessionStore_Reset(t *testing.T) {
	s := NewSessionStore()
	s.Update("a", func(sess *models.Session) {
		sess.MessageCount = 42
		sess.Escalated = true
		sess.ConsecutiveFailures = 5
	})
	sess := s.Reset("a")
	assert.Equal(t, models.StateNew, sess.State(3))
	assert.Equal(t, 0, sess.ConsecutiveFailures)
}

func TestSessionStore_UserIDsSorted(t *testing.T) {
	s := NewSessionStore()
	for _, id := range []string{"c", "a", "b"} {
		s.Update(id, func(*models.Session) {})
	}
	assert.Equal(t, []string{"a", "b", "c"}, s.UserIDs())
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].UserID)
}

func TestSessionStore_CheckpointRestore(t *testing.T) {
	ctx := context.Background()
	backend := store.NewInMemoryStore()

	s := NewSessionStore(WithCheckpointer(backend))
	s.Update("a", func(sess *models.Session) {
		sess.MessageCount = 7
		sess.FollowupSent = true
		sess.AppendTurn(models.RoleUser, "bonjour", afternoon)
	})
	s.Update("b", func(sess *models.Session) { sess.Escalated = true })
	require.NoError(t, s.Checkpoint(ctx))

	restored := NewSessionStore(WithCheckpointer(backend))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, 7, a.MessageCount)
	assert.True(t, a.FollowupSent)
	require.Len(t, a.History, 1)
	b, _ := restored.Get("b")
	assert.True(t, b.Escalated)
}

func TestSessionStore_CheckpointUser(t *testing.T) {
	ctx := context.Background()
	backend := store.NewInMemoryStore()
	s := NewSessionStore(WithCheckpointer(backend))
	s.Update("a", func(sess *models.Session) { sess.MessageCount = 1 })
	s.Update("b", func(sess *models.Session) { sess.MessageCount = 2 })

	require.NoError(t, s.CheckpointUser(ctx, "b"))
	require.NoError(t, s.CheckpointUser(ctx, "missing"))
	saved, err := backend.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "b", saved[0].UserID)
}

func TestSessionStore_DropCheckpoint(t *testing.T) {
	ctx := context.Background()
	backend := store.NewInMemoryStore()
	s := NewSessionStore(WithCheckpointer(backend))
	s.Update("a", func(sess *models.Session) { sess.Escalated = true })
	s.Update("b", func(sess *models.Session) { sess.MessageCount = 2 })
	require.NoError(t, s.Checkpoint(ctx))

	require.NoError(t, s.DropCheckpoint(ctx, "a"))
	require.NoError(t, s.DropCheckpoint(ctx, "missing"))
	saved, err := backend.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "b", saved[0].UserID)
	_, ok := s.Get("a")
	assert.True(t, ok, "the in-memory session is untouched")
}

func TestSessionStore_NoCheckpointer(t *testing.T) {
	s := NewSessionStore()
	s.Update("a", func(*models.Session) {})
	assert.NoError(t, s.DropCheckpoint(context.Background(), "a"))
	assert.NoError(t, s.Checkpoint(context.Background()))
	n, err := s.Restore(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

type failingCheckpointer struct{}

var errCheckpoint = errors.New("disk full")

func (failingCheckpointer) SaveSessions(ctx context.Context, sessions []models.Session) error {
	return errCheckpoint
}

func (failingCheckpointer) LoadSessions(ctx context.Context) ([]models.Session, error) {
	return nil, errCheckpoint
}

func (failingCheckpointer) DeleteSession(ctx context.Context, userID string) error {
	return errCheckpoint
}

func TestSessionStore_CheckpointErrors(t *testing.T) {
	s := NewSessionStore(WithCheckpointer(failingCheckpointer{}))
	s.Update("a", func(*models.Session) {})
	assert.ErrorIs(t, s.Checkpoint(context.Background()), errCheckpoint)
	assert.ErrorIs(t, s.CheckpointUser(context.Background(), "a"), errCheckpoint)
	assert.ErrorIs(t, s.DropCheckpoint(context.Background(), "a"), errCheckpoint)
	_, err := s.Restore(context.Background())
	assert.ErrorIs(t, err, errCheckpoint)
}

func TestSessionStore_IdleFor(t *testing.T) {
	clock := testutil.NewClock(afternoon)
	s := NewSessionStore(WithSessionClock(clock.Now))
	sess := s.Update("a", func(*models.Session) {})
	assert.Equal(t, 2*time.Hour, sess.IdleFor(afternoon.Add(2*time.Hour)))
}
