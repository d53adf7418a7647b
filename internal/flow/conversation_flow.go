// Package flow implements the conversation orchestrator: the per-user session table,
// the ordered decision pipeline run on every inbound message and the re-engagement
// monitor.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/events"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/mood"
	"github.com/BTreeMap/PersonaPipe/internal/profile"
	"github.com/BTreeMap/PersonaPipe/internal/script"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/tone"
)

// Error variables for better error handling and testability
var (
	ErrEmptyUser   = errors.New("user id cannot be empty")
	ErrNoLLMClient = errors.New("no language model configured")
)

// Rand is the random source used for strategy selection, mood draws and the
// engagement tail.
type Rand = script.Rand

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }
func (defaultRand) IntN(n int) int   { return rand.IntN(n) }

// ConversationFlow runs the decision pipeline for inbound messages.
type ConversationFlow struct {
	sessions  *SessionStore
	msg       messaging.Service
	llm       genai.ClientInterface
	extractor *profile.Extractor
	profiles  store.Store
	matcher   *script.Matcher
	bank      *script.Bank
	filters   tone.Filters
	settings  Settings
	persona   string
	rnd       Rand
	now       func() time.Time
	pacer     Pacer
	events    events.Publisher
}

// Option configures a ConversationFlow.
type Option func(*ConversationFlow)

// WithSettings overrides DefaultSettings. Zero fields keep their defaults.
func WithSettings(s Settings) Option {
	return func(f *ConversationFlow) { f.settings = s.withDefaults() }
}

// WithExtractor enables profile extraction.
func WithExtractor(e *profile.Extractor) Option {
	return func(f *ConversationFlow) { f.extractor = e }
}

// WithProfileStore sets the durable profile store read by #profil and the prompt.
func WithProfileStore(st store.Store) Option {
	return func(f *ConversationFlow) { f.profiles = st }
}

// WithRand overrides the random source.
func WithRand(r Rand) Option {
	return func(f *ConversationFlow) { f.rnd = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *ConversationFlow) { f.now = now }
}

// WithPacer overrides DefaultPacer.
func WithPacer(p Pacer) Option {
	return func(f *ConversationFlow) { f.pacer = p }
}

// WithEventPublisher publishes lifecycle events.
func WithEventPublisher(p events.Publisher) Option {
	return func(f *ConversationFlow) { f.events = p }
}

// WithFilters overrides tone.DefaultFilters.
func WithFilters(fl tone.Filters) Option {
	return func(f *ConversationFlow) { f.filters = fl }
}

// WithScriptBank overrides the scripted response bank.
func WithScriptBank(b *script.Bank) Option {
	return func(f *ConversationFlow) { f.bank = b }
}

// WithIntentMatcher overrides the fast-path intent matcher.
func WithIntentMatcher(m *script.Matcher) Option {
	return func(f *ConversationFlow) { f.matcher = m }
}

// WithPersonaPromptFile loads the persona system instruction from a file.
func WithPersonaPromptFile(path string) Option {
	return func(f *ConversationFlow) { f.persona = loadPrompt(path, DefaultPersonaPrompt) }
}

// NewConversationFlow creates the orchestrator.
func NewConversationFlow(sessions *SessionStore, msg messaging.Service, llm genai.ClientInterface, opts ...Option) *ConversationFlow {
	f := &ConversationFlow{
		sessions: sessions,
		msg:      msg,
		llm:      llm,
		matcher:  script.NewMatcher(nil),
		bank:     script.NewBank(nil),
		filters:  tone.DefaultFilters(),
		settings: DefaultSettings(),
		persona:  DefaultPersonaPrompt,
		rnd:      defaultRand{},
		now:      time.Now,
		pacer:    DefaultPacer(),
		events:   events.Noop{},
	}
	for _, opt := range opts {
		opt(f)
	}
	slog.Debug("ConversationFlow.NewConversationFlow: created", "hasLLM", llm != nil, "hasExtractor", f.extractor != nil, "hasProfiles", f.profiles != nil)
	return f
}

// Sessions returns the session table.
func (f *ConversationFlow) Sessions() *SessionStore {
	return f.sessions
}

// Settings returns the effective settings.
func (f *ConversationFlow) Settings() Settings {
	return f.settings
}

// HandleInboundMessage runs the pipeline for one inbound message. Runs for the same
// user are serialized. Transport, extraction and generation failures are logged and
// never returned.
func (f *ConversationFlow) HandleInboundMessage(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUser
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Debug("ConversationFlow.HandleInboundMessage: empty text skipped", "userID", userID)
		return nil
	}

	unlock := f.sessions.Lock(userID)
	defer unlock()

	if f.handleCommand(ctx, userID, text) {
		return nil
	}
	if f.handleFastPath(ctx, userID, text) {
		return nil
	}

	now := f.now()
	sess := f.sessions.Update(userID, func(s *models.Session) {
		s.MessageCount++
		s.AppendTurn(models.RoleUser, text, now)
		s.LastSeenAt = now
		s.FollowupSent = false
		s.Engaged = true
	})

	if sess.MessageCount >= f.settings.EscalationThreshold && !sess.Escalated {
		f.escalate(ctx, userID)
		return nil
	}
	if sess.MessageCount > f.settings.CeilingThreshold {
		slog.Info("ConversationFlow.HandleInboundMessage: ceiling reached", "userID", userID, "messageCount", sess.MessageCount)
		f.say(ctx, userID, ClosingLine)
		return nil
	}
	if sess.Escalated {
		slog.Debug("ConversationFlow.HandleInboundMessage: escalated session, no generation", "userID", userID, "messageCount", sess.MessageCount)
		return nil
	}

	f.extractProfile(ctx, userID, text)

	if f.rnd.Float64() < f.settings.ScriptedProbability {
		f.replyScripted(ctx, userID, text)
		return nil
	}
	f.injectMood(userID)
	f.generate(ctx, userID)
	return nil
}

// handleCommand answers #reset, #stats, #profil and #whoami.
func (f *ConversationFlow) handleCommand(ctx context.Context, userID, text string) bool {
	switch strings.ToLower(text) {
	case CommandReset:
		f.reset(ctx, userID)
		f.say(ctx, userID, ResetAck)
	case CommandStats:
		sess, _ := f.sessions.Get(userID)
		f.say(ctx, userID, fmt.Sprintf(StatsFormat, sess.MessageCount))
	case CommandProfil, CommandWhoami:
		f.say(ctx, userID, formatProfile(f.knownProfile(userID)))
	default:
		return false
	}
	slog.Info("ConversationFlow.handleCommand: command handled", "userID", userID, "command", strings.ToLower(text))
	return true
}

// handleFastPath answers photo, location and meeting questions without the model.
// The message still counts as activity for the re-engagement monitor.
func (f *ConversationFlow) handleFastPath(ctx context.Context, userID, text string) bool {
	rule, ok := f.matcher.Detect(text)
	if !ok {
		return false
	}
	now := f.now()
	f.sessions.Update(userID, func(s *models.Session) {
		s.LastSeenAt = now
		s.FollowupSent = false
		s.Engaged = true
	})
	f.say(ctx, userID, rule.Answer)
	if rule.Intent == script.IntentPhoto && f.settings.PhotoURL != "" {
		if err := f.msg.SendMedia(ctx, userID, f.settings.PhotoURL); err != nil {
			slog.Error("ConversationFlow.handleFastPath: media send failed", "userID", userID, "error", err)
		}
	}
	slog.Info("ConversationFlow.handleFastPath: intent answered", "userID", userID, "intent", rule.Intent)
	return true
}

func (f *ConversationFlow) escalate(ctx context.Context, userID string) {
	f.say(ctx, userID, fmt.Sprintf(EscalationFormat, f.settings.EscalationLink))
	sess := f.sessions.Update(userID, func(s *models.Session) { s.Escalated = true })
	if err := f.sessions.CheckpointUser(ctx, userID); err != nil {
		slog.Error("ConversationFlow.escalate: checkpoint failed", "userID", userID, "error", err)
	}
	f.publish(ctx, models.EventSessionEscalated, userID, sess.MessageCount)
	slog.Info("ConversationFlow.escalate: session escalated", "userID", userID, "messageCount", sess.MessageCount)
}

// knownProfile returns the durable profile attributes, falling back to the session
// snapshot when the store is unavailable.
func (f *ConversationFlow) knownProfile(userID string) map[string]string {
	if f.profiles != nil {
		p, err := f.profiles.GetProfile(userID)
		if err != nil {
			slog.Error("ConversationFlow.knownProfile: profile load failed", "userID", userID, "error", err)
		} else if p != nil {
			return p.Attributes
		}
	}
	sess, _ := f.sessions.Get(userID)
	return sess.ProfileSnapshot
}

// extractProfile runs best-effort extraction and refreshes the session's profile
// snapshot from the merged durable profile, or from the raw attributes when no store is
// configured.
func (f *ConversationFlow) extractProfile(ctx context.Context, userID, text string) {
	if f.extractor != nil {
		res := f.extractor.Extract(ctx, userID, text)
		if !res.OK() {
			slog.Debug("ConversationFlow.extractProfile: extraction skipped", "userID", userID, "error", res.Err)
		}
		switch {
		case res.Profile != nil:
			f.replaceSnapshot(userID, res.Profile.Attributes)
			return
		case len(res.Attributes) > 0:
			f.sessions.Update(userID, func(s *models.Session) {
				if s.ProfileSnapshot == nil {
					s.ProfileSnapshot = map[string]string{}
				}
				for k, v := range res.Attributes {
					s.ProfileSnapshot[k] = v
				}
			})
			return
		}
	}
	if sess, _ := f.sessions.Get(userID); len(sess.ProfileSnapshot) > 0 {
		return
	}
	if f.profiles != nil {
		f.replaceSnapshot(userID, f.knownProfile(userID))
	}
}

func (f *ConversationFlow) replaceSnapshot(userID string, attrs map[string]string) {
	if len(attrs) == 0 {
		return
	}
	f.sessions.Update(userID, func(s *models.Session) {
		s.ProfileSnapshot = make(map[string]string, len(attrs))
		for k, v := range attrs {
			s.ProfileSnapshot[k] = v
		}
	})
}

func (f *ConversationFlow) replyScripted(ctx context.Context, userID, text string) {
	bucket, reply := f.bank.Pick(text, f.rnd)
	if reply == "" {
		f.generate(ctx, userID)
		return
	}
	reply = tone.Humanize(reply)
	now := f.now()
	f.sessions.Update(userID, func(s *models.Session) { s.AppendTurn(models.RoleAssistant, reply, now) })
	slog.Info("ConversationFlow.replyScripted: scripted reply", "userID", userID, "bucket", bucket)
	f.paceAndSay(ctx, userID, reply)
}

func (f *ConversationFlow) injectMood(userID string) {
	now := f.now()
	line, ok := mood.Select(now.In(f.settings.Location), f.rnd.Float64())
	if !ok {
		return
	}
	f.sessions.Update(userID, func(s *models.Session) { s.AppendTurn(models.RoleAssistant, line, now) })
	slog.Debug("ConversationFlow.injectMood: mood line injected", "userID", userID)
}

func (f *ConversationFlow) generate(ctx context.Context, userID string) {
	sess, _ := f.sessions.Get(userID)
	firstName := (models.Profile{Attributes: sess.ProfileSnapshot}).FirstName()
	msgs := buildMessages(personaInstruction(f.persona, sess.ProfileSnapshot), sess.RecentHistory(f.settings.HistoryWindow))

	reply, err := f.callModel(ctx, msgs)
	if err != nil {
		f.onGenerationFailure(ctx, userID, err)
		return
	}

	reply = f.filters.Apply(reply, firstName)
	if !strings.Contains(reply, "?") && f.rnd.Float64() < f.settings.EngagementTailProbability {
		reply += EngagementTail
	}

	now := f.now()
	f.sessions.Update(userID, func(s *models.Session) {
		s.AppendTurn(models.RoleAssistant, reply, now)
		s.ConsecutiveFailures = 0
	})
	f.paceAndSay(ctx, userID, reply)
}

func (f *ConversationFlow) callModel(ctx context.Context, msgs []genai.Message) (string, error) {
	if f.llm == nil {
		return "", ErrNoLLMClient
	}
	ctx, cancel := context.WithTimeout(ctx, f.settings.GenerationTimeout)
	defer cancel()
	reply, err := f.llm.GenerateWithMessages(ctx, msgs)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", genai.ErrEmptyResponse
	}
	return reply, nil
}

func (f *ConversationFlow) onGenerationFailure(ctx context.Context, userID string, cause error) {
	sess := f.sessions.Update(userID, func(s *models.Session) { s.ConsecutiveFailures++ })
	slog.Warn("ConversationFlow.generate: generation failed", "userID", userID, "failures", sess.ConsecutiveFailures, "error", cause)

	if sess.ConsecutiveFailures >= f.settings.FailureThreshold {
		if sess.ConsecutiveFailures == f.settings.FailureThreshold {
			f.publish(ctx, models.EventSessionCooldown, userID, sess.MessageCount)
		}
		f.say(ctx, userID, CooldownLine)
		return
	}
	if f.settings.ApologyOnFailure {
		f.say(ctx, userID, ApologyLine)
	}
}

// paceAndSay marks the conversation seen, shows the typing bubble, waits and sends.
func (f *ConversationFlow) paceAndSay(ctx context.Context, userID, reply string) {
	if err := f.msg.SendSeen(ctx, userID); err != nil {
		slog.Debug("ConversationFlow.paceAndSay: seen failed", "userID", userID, "error", err)
	}
	if err := f.msg.SendTypingIndicator(ctx, userID, true); err != nil {
		slog.Debug("ConversationFlow.paceAndSay: typing failed", "userID", userID, "error", err)
	}
	if err := f.pacer.Wait(ctx, reply); err != nil {
		slog.Debug("ConversationFlow.paceAndSay: pacing interrupted", "userID", userID, "error", err)
	}
	f.say(ctx, userID, reply)
}

// say rewrites and sends text. Send failures are logged only.
func (f *ConversationFlow) say(ctx context.Context, userID, text string) {
	text = tone.Humanize(text)
	if err := f.msg.SendMessage(ctx, userID, text); err != nil {
		slog.Error("ConversationFlow.say: send failed", "userID", userID, "error", err)
	}
}

func (f *ConversationFlow) publish(ctx context.Context, typ models.EventType, userID string, count int) {
	if err := f.events.Publish(ctx, events.NewEvent(typ, userID, count, f.now())); err != nil {
		slog.Warn("ConversationFlow.publish: event not published", "type", typ, "userID", userID, "error", err)
	}
}

// ResetSession clears a user's session exactly like the #reset command, without
// replying. The durable profile is kept.
func (f *ConversationFlow) ResetSession(ctx context.Context, userID string) models.Session {
	unlock := f.sessions.Lock(userID)
	defer unlock()
	return f.reset(ctx, userID)
}

// reset must run under the user's pipeline lock.
func (f *ConversationFlow) reset(ctx context.Context, userID string) models.Session {
	sess := f.sessions.Reset(userID)
	if err := f.sessions.DropCheckpoint(ctx, userID); err != nil {
		slog.Error("ConversationFlow.reset: checkpoint not dropped", "userID", userID, "error", err)
	}
	f.publish(ctx, models.EventSessionReset, userID, 0)
	return sess
}
