// Package api provides the HTTP surface and the process wiring for PersonaPipe.
//
// It exposes the platform webhooks, health and privacy pages and a bearer-protected
// admin API over the session table, durable profiles and delivery receipts. Run wires
// the messaging transport, stores, language model, orchestrator and background jobs.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/events"
	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/lockfile"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/profile"
	"github.com/BTreeMap/PersonaPipe/internal/scheduler"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PersonaPipe/internal/whatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Default configuration values
const (
	DefaultAddr               = ":5000"
	DefaultTransport          = TransportMessenger
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultDedupPurgeInterval = time.Hour
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultReadTimeout        = 15 * time.Second
	// PrivacyFileName is looked up in the state directory for the privacy page.
	PrivacyFileName = "privacy.html"
)

// Supported messaging transports.
const (
	TransportMessenger = "messenger"
	TransportTwilio    = "twilio"
	TransportWhatsApp  = "whatsapp"
)

// Error variables for better error handling and testability
var (
	ErrUnknownTransport = errors.New("unknown messaging transport")
)

// Opts holds configuration for the API server and the background jobs.
type Opts struct {
	Addr               string
	AdminToken         string
	Transport          string
	StateDir           string
	RedisURL           string
	NATSURL            string
	NATSToken          string
	FollowupInterval   time.Duration
	IdleThreshold      time.Duration
	CheckpointInterval time.Duration
	Settings           flow.Settings
	Pacing             bool
	PersonaPromptFile  string
	FollowupPromptFile string
	MessengerOpts      []messaging.MessengerOption
	TwilioOpts         []twiliowhatsapp.Option
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken enables the admin routes behind a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithTransport selects the messaging transport: messenger, twilio or whatsapp.
func WithTransport(name string) Option {
	return func(o *Opts) { o.Transport = name }
}

// WithStateDir sets the directory holding the lock file and the privacy page.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithRedisURL checkpoints sessions to Redis instead of the database.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithNATS publishes conversation events to the NATS server at url.
func WithNATS(url, token string) Option {
	return func(o *Opts) {
		o.NATSURL = url
		o.NATSToken = token
	}
}

// WithFollowupInterval sets how often the re-engagement sweep runs.
func WithFollowupInterval(d time.Duration) Option {
	return func(o *Opts) { o.FollowupInterval = d }
}

// WithIdleThreshold sets the idle time after which a follow-up is sent.
func WithIdleThreshold(d time.Duration) Option {
	return func(o *Opts) { o.IdleThreshold = d }
}

// WithCheckpointInterval sets how often sessions are checkpointed.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *Opts) { o.CheckpointInterval = d }
}

// WithSettings overrides the orchestrator settings.
func WithSettings(s flow.Settings) Option {
	return func(o *Opts) { o.Settings = s }
}

// WithPacing enables or disables reply pacing.
func WithPacing(enabled bool) Option {
	return func(o *Opts) { o.Pacing = enabled }
}

// WithPromptFiles overrides the persona and follow-up system prompts.
func WithPromptFiles(persona, followup string) Option {
	return func(o *Opts) {
		o.PersonaPromptFile = persona
		o.FollowupPromptFile = followup
	}
}

// WithMessengerOptions configures the Messenger transport.
func WithMessengerOptions(opts ...messaging.MessengerOption) Option {
	return func(o *Opts) { o.MessengerOpts = append(o.MessengerOpts, opts...) }
}

// WithTwilioOptions configures the Twilio transport.
func WithTwilioOptions(opts ...twiliowhatsapp.Option) Option {
	return func(o *Opts) { o.TwilioOpts = append(o.TwilioOpts, opts...) }
}

func defaultOpts() Opts {
	return Opts{
		Addr:               DefaultAddr,
		Transport:          DefaultTransport,
		FollowupInterval:   flow.DefaultSweepInterval,
		IdleThreshold:      flow.DefaultIdleThreshold,
		CheckpointInterval: DefaultCheckpointInterval,
		Settings:           flow.DefaultSettings(),
		Pacing:             true,
	}
}

// Server serves the HTTP surface.
type Server struct {
	cfg        Opts
	router     *chi.Mux
	msgService messaging.Service
	st         store.Store
	conv       *flow.ConversationFlow
	sessions   *flow.SessionStore
	privacy    []byte
}

// NewServer creates a Server over an already wired orchestrator.
func NewServer(msgService messaging.Service, st store.Store, conv *flow.ConversationFlow, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		cfg:        cfg,
		msgService: msgService,
		st:         st,
		conv:       conv,
		sessions:   conv.Sessions(),
		privacy:    loadPrivacyPage(cfg.StateDir),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.healthHandler)
	r.Get("/privacy", s.privacyHandler)

	switch svc := s.msgService.(type) {
	case *messaging.MessengerService:
		r.Get("/webhook", svc.VerifyWebhook)
		r.Post("/webhook", svc.WebhookHandler)
	case *messaging.TwilioService:
		r.Post("/twilio/webhook", svc.TwilioWebhookHandler)
	}

	if s.cfg.AdminToken == "" {
		slog.Info("Server.routes: ADMIN_TOKEN not set, admin API disabled")
		return r
	}
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.AdminToken))
		r.Get("/sessions", s.listSessionsHandler)
		r.Get("/sessions/{userID}", s.getSessionHandler)
		r.Delete("/sessions/{userID}", s.resetSessionHandler)
		r.Get("/profiles", s.listProfilesHandler)
		r.Get("/profiles/{userID}", s.getProfileHandler)
		r.Get("/receipts", s.receiptsHandler)
	})
	return r
}

// HandleInbound runs the orchestrator for one inbound message.
func (s *Server) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	return s.conv.HandleInboundMessage(ctx, msg.SenderID, msg.Text)
}

// DrainReceipts stores every receipt until the transport closes its channel.
func (s *Server) DrainReceipts() {
	for r := range s.msgService.Receipts() {
		if err := s.st.AddReceipt(r); err != nil {
			slog.Error("Server.DrainReceipts: failed to store receipt", "error", err, "to", r.To)
		}
	}
	slog.Debug("Server.DrainReceipts: receipts channel closed")
}

// loadPrivacyPage reads the privacy page from the state directory, falling back to the
// built-in page.
func loadPrivacyPage(stateDir string) []byte {
	if stateDir == "" {
		return []byte(defaultPrivacyPage)
	}
	data, err := os.ReadFile(filepath.Join(stateDir, PrivacyFileName))
	if err != nil || len(data) == 0 {
		return []byte(defaultPrivacyPage)
	}
	return data
}

// buildMessagingService creates the configured transport.
func buildMessagingService(cfg Opts, waOpts []whatsapp.Option) (messaging.Service, error) {
	switch cfg.Transport {
	case TransportMessenger:
		svc, err := messaging.NewMessengerService(cfg.MessengerOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Messenger service: %w", err)
		}
		return svc, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(cfg.TwilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client, messaging.WithSignatureValidation(client, client.WebhookURL())), nil
	case TransportWhatsApp:
		client, err := whatsapp.Open(context.Background(), waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open WhatsApp device: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}

// drainAndStop lets in-flight conversations deliver their replies before the transport
// stops. When ctx expires first the remaining work is cancelled.
func drainAndStop(ctx context.Context, rh *messaging.ResponseHandler, svc messaging.Service, cancelWork context.CancelFunc) {
	rh.StopReceiving()
	done := make(chan struct{})
	go func() {
		rh.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("drainAndStop: in-flight conversations cancelled at shutdown")
		cancelWork()
	}
	if err := svc.Stop(); err != nil {
		slog.Error("drainAndStop: messaging service stop failed", "error", err)
	}
}

// Run wires every module and serves until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StateDir != "" {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	backend, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	var checkpointer store.SessionCheckpointer = backend
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisSessionStore(ctx, cfg.RedisURL, 0)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rs.Close()
		checkpointer = rs
		slog.Info("Run: session checkpoints stored in Redis")
	}

	var llm genai.ClientInterface
	if client, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("Run: language model unavailable, replies will fall back to cooldown", "error", err)
	} else {
		llm = client
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSToken)
		if err != nil {
			slog.Warn("Run: NATS unavailable, events disabled", "error", err)
		} else {
			publisher = np
		}
	}
	defer publisher.Close()

	msgService, err := buildMessagingService(cfg, waOpts)
	if err != nil {
		return err
	}

	sessions := flow.NewSessionStore(flow.WithCheckpointer(checkpointer))
	if n, err := sessions.Restore(ctx); err != nil {
		slog.Error("Run: failed to restore sessions", "error", err)
	} else {
		slog.Info("Run: sessions restored", "count", n)
	}

	pacer := flow.DefaultPacer()
	if !cfg.Pacing {
		pacer = flow.NoPacing()
	}
	conv := flow.NewConversationFlow(sessions, msgService, llm,
		flow.WithSettings(cfg.Settings),
		flow.WithExtractor(profile.NewExtractor(llm, backend)),
		flow.WithProfileStore(backend),
		flow.WithEventPublisher(publisher),
		flow.WithPacer(pacer),
		flow.WithPersonaPromptFile(cfg.PersonaPromptFile),
	)
	monitor := flow.NewReengagementMonitor(sessions, msgService, llm,
		flow.WithIdleThreshold(cfg.IdleThreshold),
		flow.WithMonitorEvents(publisher),
		flow.WithFollowupPromptFile(cfg.FollowupPromptFile),
	)

	server := NewServer(msgService, backend, conv, apiOpts...)

	// In-flight conversations outlive the signal so they can finish during shutdown.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	if err := msgService.Start(workCtx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	go server.DrainReceipts()
	respHandler := messaging.NewResponseHandler(msgService, server.HandleInbound, messaging.WithDedup(backend))
	respHandler.Start(workCtx)

	sched := scheduler.NewScheduler(scheduler.WithLocation(cfg.Settings.Location))
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"reengagement", cfg.FollowupInterval, func() { monitor.Sweep(workCtx) }},
		{"checkpoint", cfg.CheckpointInterval, func() {
			if err := sessions.Checkpoint(workCtx); err != nil {
				slog.Error("Run: checkpoint failed", "error", err)
			}
		}},
		{"dedup-purge", DefaultDedupPurgeInterval, func() {
			n, err := backend.PurgeDedup(time.Now().Add(-store.DefaultDedupRetention))
			if err != nil {
				slog.Error("Run: dedup purge failed", "error", err)
				return
			}
			slog.Debug("Run: dedup records purged", "count", n)
		}},
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.interval, j.task); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: DefaultReadTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("PersonaPipe API server listening", "addr", cfg.Addr, "transport", cfg.Transport)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: http shutdown failed", "error", err)
	}
	<-sched.Stop().Done()
	drainAndStop(shutdownCtx, respHandler, msgService, cancelWork)

	if err := sessions.Checkpoint(context.Background()); err != nil {
		slog.Error("Run: final checkpoint failed", "error", err)
	}
	slog.Info("PersonaPipe stopped")
	return runErr
}
