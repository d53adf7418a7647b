package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/events"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/tone"
)

// Re-engagement defaults.
const (
	DefaultSweepInterval   = 30 * time.Minute
	DefaultIdleThreshold   = time.Hour
	DefaultFollowupTimeout = 15 * time.Second
)

// ReengagementMonitor sends one follow-up line to users who went quiet. A follow-up is
// sent at most once per idle episode; the next inbound message starts a new episode.
type ReengagementMonitor struct {
	sessions *SessionStore
	msg      messaging.Service
	llm      genai.ClientInterface
	idle     time.Duration
	timeout  time.Duration
	prompt   string
	now      func() time.Time
	events   events.Publisher
}

// MonitorOption configures a ReengagementMonitor.
type MonitorOption func(*ReengagementMonitor)

// WithIdleThreshold overrides DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) MonitorOption {
	return func(m *ReengagementMonitor) {
		if d > 0 {
			m.idle = d
		}
	}
}

// WithFollowupTimeout bounds one follow-up generation call.
func WithFollowupTimeout(d time.Duration) MonitorOption {
	return func(m *ReengagementMonitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMonitorClock overrides time.Now.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *ReengagementMonitor) { m.now = now }
}

// WithMonitorEvents publishes session.followup events.
func WithMonitorEvents(p events.Publisher) MonitorOption {
	return func(m *ReengagementMonitor) { m.events = p }
}

// WithFollowupPromptFile loads the follow-up system instruction from a file.
func WithFollowupPromptFile(path string) MonitorOption {
	return func(m *ReengagementMonitor) { m.prompt = loadPrompt(path, FollowupPrompt) }
}

// NewReengagementMonitor creates a monitor over the shared session table.
func NewReengagementMonitor(sessions *SessionStore, msg messaging.Service, llm genai.ClientInterface, opts ...MonitorOption) *ReengagementMonitor {
	m := &ReengagementMonitor{
		sessions: sessions,
		msg:      msg,
		llm:      llm,
		idle:     DefaultIdleThreshold,
		timeout:  DefaultFollowupTimeout,
		prompt:   FollowupPrompt,
		now:      time.Now,
		events:   events.Noop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Eligible reports whether sess should receive a follow-up at now. Users who only
// sent commands have nothing to be re-engaged in.
func (m *ReengagementMonitor) Eligible(sess models.Session, now time.Time) bool {
	if !sess.Engaged && sess.MessageCount == 0 {
		return false
	}
	return !sess.Escalated && !sess.FollowupSent && sess.IdleFor(now) > m.idle
}

// Sweep visits every session once and returns the number of follow-ups sent. Users
// whose pipeline is running are skipped until the next sweep.
func (m *ReengagementMonitor) Sweep(ctx context.Context) int {
	sent := 0
	for _, userID := range m.sessions.UserIDs() {
		if ctx.Err() != nil {
			break
		}
		if m.followup(ctx, userID) {
			sent++
		}
	}
	if sent > 0 {
		slog.Info("ReengagementMonitor.Sweep: follow-ups sent", "count", sent)
	}
	return sent
}

func (m *ReengagementMonitor) followup(ctx context.Context, userID string) bool {
	sess, ok := m.sessions.Get(userID)
	if !ok || !m.Eligible(sess, m.now()) {
		return false
	}
	unlock, ok := m.sessions.TryLock(userID)
	if !ok {
		slog.Debug("ReengagementMonitor.followup: user busy, skipped", "userID", userID)
		return false
	}
	defer unlock()

	// Re-check under the pipeline lock: a message may have landed in between.
	sess, ok = m.sessions.Get(userID)
	if !ok || !m.Eligible(sess, m.now()) {
		return false
	}

	line := tone.Humanize(m.generate(ctx, sess))
	if err := m.msg.SendMessage(ctx, userID, line); err != nil {
		slog.Error("ReengagementMonitor.followup: send failed", "userID", userID, "error", err)
	}
	now := m.now()
	updated := m.sessions.Update(userID, func(s *models.Session) {
		s.FollowupSent = true
		s.LastSeenAt = now
		s.AppendTurn(models.RoleAssistant, line, now)
	})
	if err := m.events.Publish(ctx, events.NewEvent(models.EventSessionFollowup, userID, updated.MessageCount, now)); err != nil {
		slog.Warn("ReengagementMonitor.followup: event not published", "userID", userID, "error", err)
	}
	slog.Info("ReengagementMonitor.followup: follow-up sent", "userID", userID)
	return true
}

// generate asks the model for a follow-up line, falling back to FollowupFallback.
func (m *ReengagementMonitor) generate(ctx context.Context, sess models.Session) string {
	if m.llm == nil {
		return FollowupFallback
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	line, err := m.llm.GenerateWithMessages(ctx, followupMessages(m.prompt, sess.ProfileSnapshot))
	line = strings.TrimSpace(line)
	if err != nil || line == "" {
		slog.Warn("ReengagementMonitor.generate: using fallback line", "userID", sess.UserID, "error", err)
		return FollowupFallback
	}
	return line
}
