package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
)

// sessionEntry holds one user's session and its two locks. proc serializes whole
// pipeline runs for the user; mu guards field reads and writes so snapshots never see
// a partial update.
type sessionEntry struct {
	proc sync.Mutex
	mu   sync.Mutex
	sess models.Session
}

// SessionStore is the in-memory session table shared by the orchestrator, the
// re-engagement monitor, the checkpoint job and the admin API.
type SessionStore struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
	cp      store.SessionCheckpointer
	now     func() time.Time
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithCheckpointer persists snapshots to cp.
func WithCheckpointer(cp store.SessionCheckpointer) SessionStoreOption {
	return func(s *SessionStore) { s.cp = cp }
}

// WithSessionClock overrides time.Now for new sessions.
func WithSessionClock(now func() time.Time) SessionStoreOption {
	return func(s *SessionStore) { s.now = now }
}

// NewSessionStore creates an empty session table.
func NewSessionStore(opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{entries: make(map[string]*sessionEntry), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) lookup(userID string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[userID]
	return e, ok
}

// entry returns the user's entry, creating a zero-state session when absent.
func (s *SessionStore) entry(userID string) *sessionEntry {
	if e, ok := s.lookup(userID); ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return e
	}
	e := &sessionEntry{sess: models.NewSession(userID, s.now())}
	s.entries[userID] = e
	slog.Debug("SessionStore: session created", "userID", userID)
	return e
}

// Lock acquires the user's pipeline lock and returns its release function.
func (s *SessionStore) Lock(userID string) func() {
	e := s.entry(userID)
	e.proc.Lock()
	return e.proc.Unlock
}

// TryLock acquires the user's pipeline lock only when it is free.
func (s *SessionStore) TryLock(userID string) (func(), bool) {
	e, ok := s.lookup(userID)
	if !ok {
		return nil, false
	}
	if !e.proc.TryLock() {
		return nil, false
	}
	return e.proc.Unlock, true
}

// Get returns a copy of the user's session. It never creates one.
func (s *SessionStore) Get(userID string) (models.Session, bool) {
	e, ok := s.lookup(userID)
	if !ok {
		return models.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), true
}

// Update applies fn to the user's session under its field lock, creating the session
// when absent, and returns a copy of the result.
func (s *SessionStore) Update(userID string, fn func(*models.Session)) models.Session {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.sess)
	if e.sess.MessageCount < 0 {
		e.sess.MessageCount = 0
	}
	return e.sess.Clone()
}

// Reset replaces the user's session with a fresh zero state.
func (s *SessionStore) Reset(userID string) models.Session {
	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = models.NewSession(userID, s.now())
	slog.Info("SessionStore.Reset: session reset", "userID", userID)
	return e.sess.Clone()
}

// UserIDs returns every known user id in sorted order.
func (s *SessionStore) UserIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns copies of all sessions, sorted by user id.
func (s *SessionStore) Snapshot() []models.Session {
	ids := s.UserIDs()
	out := make([]models.Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.Get(id); ok {
			out = append(out, sess)
		}
	}
	return out
}

// Checkpoint saves every session to the checkpointer. It is a no-op without one.
func (s *SessionStore) Checkpoint(ctx context.Context) error {
	if s.cp == nil {
		return nil
	}
	snap := s.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	if err := s.cp.SaveSessions(ctx, snap); err != nil {
		return fmt.Errorf("failed to checkpoint %d sessions: %w", len(snap), err)
	}
	slog.Debug("SessionStore.Checkpoint: sessions saved", "count", len(snap))
	return nil
}

// CheckpointUser saves one session.
func (s *SessionStore) CheckpointUser(ctx context.Context, userID string) error {
	if s.cp == nil {
		return nil
	}
	sess, ok := s.Get(userID)
	if !ok {
		return nil
	}
	if err := s.cp.SaveSessions(ctx, []models.Session{sess}); err != nil {
		return fmt.Errorf("failed to checkpoint session %s: %w", userID, err)
	}
	return nil
}

// DropCheckpoint deletes the user's saved session so a restart cannot bring back state
// that was reset in memory.
func (s *SessionStore) DropCheckpoint(ctx context.Context, userID string) error {
	if s.cp == nil {
		return nil
	}
	if err := s.cp.DeleteSession(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", userID, err)
	}
	return nil
}

// Restore loads checkpointed sessions into the table, replacing existing entries with
// the same user id. It returns the number restored.
func (s *SessionStore) Restore(ctx context.Context) (int, error) {
	if s.cp == nil {
		return 0, nil
	}
	loaded, err := s.cp.LoadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load session checkpoints: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range loaded {
		if sess.UserID == "" {
			continue
		}
		s.entries[sess.UserID] = &sessionEntry{sess: sess.Clone()}
	}
	slog.Info("SessionStore.Restore: sessions restored", "count", len(loaded))
	return len(loaded), nil
}
