// Package store provides storage backends for PersonaPipe.
//
// It holds delivery receipts, durable user profiles, session checkpoints and the
// inbound deduplication ledger. Backends: in-memory, SQLite, PostgreSQL, and Redis for
// session checkpoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// Error variables for better error handling and testability
var (
	ErrNotFound  = errors.New("not found")
	ErrDSNNotSet = errors.New("database DSN not set")
	ErrEmptyUser = errors.New("user id cannot be empty")
)

// Store is the persistence contract used by the API server and the profile extractor.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	// GetProfile returns nil, nil when the user has no profile yet.
	GetProfile(userID string) (*models.Profile, error)
	SaveProfile(p models.Profile) error
	ListProfiles() ([]models.Profile, error)
	Close() error
}

// SessionCheckpointer persists snapshots of the in-memory session table.
type SessionCheckpointer interface {
	SaveSessions(ctx context.Context, sessions []models.Session) error
	LoadSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, userID string) error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return "postgres"
	case strings.Contains(d, "host=") || strings.Contains(d, "dbname="):
		return "postgres"
	default:
		return "sqlite"
	}
}

// Backend is a complete storage backend.
type Backend interface {
	Store
	SessionCheckpointer
	DedupRepo
}

// New opens the backend the options describe: PostgreSQL, SQLite, or in-memory when no
// DSN is configured.
func New(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		pg, err := NewPostgresStore(WithPostgresDSN(cfg.DSN))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// MergeProfile loads the user's profile (creating it when absent), union-merges attrs
// and saves it synchronously when anything changed.
func MergeProfile(st Store, userID string, attrs map[string]string, now time.Time) (models.Profile, bool, error) {
	if userID == "" {
		return models.Profile{}, false, ErrEmptyUser
	}
	existing, err := st.GetProfile(userID)
	if err != nil {
		return models.Profile{}, false, fmt.Errorf("failed to load profile for %s: %w", userID, err)
	}
	var p models.Profile
	if existing == nil {
		p = models.NewProfile(userID, now)
	} else {
		p = *existing
	}
	if !p.Merge(attrs, now) {
		return p, false, nil
	}
	if err := st.SaveProfile(p); err != nil {
		return p, false, fmt.Errorf("failed to save profile for %s: %w", userID, err)
	}
	slog.Debug("store.MergeProfile: profile updated", "userID", userID, "attributes", len(p.Attributes))
	return p, true, nil
}

// InMemoryStore keeps everything in process memory. It is used when no database is
// configured and in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	receipts []models.Receipt
	profiles map[string]models.Profile
	sessions map[string]models.Session
	dedup    map[string]*DedupRecord
}

// Compile-time checks that InMemoryStore implements the storage interfaces.
var (
	_ Store               = (*InMemoryStore)(nil)
	_ SessionCheckpointer = (*InMemoryStore)(nil)
	_ DedupRepo           = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles: make(map[string]models.Profile),
		sessions: make(map[string]models.Session),
		dedup:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) GetProfile(userID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	cp := copyProfile(p)
	return &cp, nil
}

func (s *InMemoryStore) SaveProfile(p models.Profile) error {
	if p.UserID == "" {
		return ErrEmptyUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = copyProfile(p)
	return nil
}

func (s *InMemoryStore) ListProfiles() ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, copyProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) SaveSessions(ctx context.Context, sessions []models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		s.sessions[sess.UserID] = sess.Clone()
	}
	return nil
}

func (s *InMemoryStore) LoadSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.ProcessedAt = &now
	return nil
}

func (s *InMemoryStore) PurgeDedup(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(olderThan) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyProfile(p models.Profile) models.Profile {
	cp := p
	cp.Attributes = make(map[string]string, len(p.Attributes))
	for k, v := range p.Attributes {
		cp.Attributes[k] = v
	}
	return cp
}
