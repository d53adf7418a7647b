// Command PersonaPipe runs the Clara conversational persona: the webhook server, the
// conversation orchestrator and the re-engagement sweep.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/PersonaPipe/internal/api"
	"github.com/BTreeMap/PersonaPipe/internal/flow"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/messaging"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PersonaPipe/internal/util"
	"github.com/BTreeMap/PersonaPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PersonaPipe state data
	DefaultStateDir = "/var/lib/personapipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "personapipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store used by the whatsapp transport
	DefaultWhatsAppDBFileName = "whatsapp.db"
)

func main() {
	initializeLogger(os.Stdout)

	config := loadEnvironmentConfig()
	if err := newRootCmd(config).Execute(); err != nil {
		slog.Error("PersonaPipe failed", "error", err)
		os.Exit(1)
	}
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	Transport        string
	APIAddr          string
	AdminToken       string

	OpenAIKey   string
	OpenAIModel string

	VerifyToken     string
	PageAccessToken string
	AppSecret       string
	GraphAPIURL     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	RedisURL  string
	NATSURL   string
	NATSToken string

	EscalationLink      string
	PhotoURL            string
	Timezone            string
	PersonaPromptFile   string
	FollowupPromptFile  string
	ScriptedProbability float64
	ApologyOnFailure    bool
	PacingEnabled       bool
	FollowupInterval    time.Duration
	IdleThreshold       time.Duration
	CheckpointInterval  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	dbDSN      *string
	waDBDSN    *string
	transport  *string
	openaiKey  *string
	model      *string
	apiAddr    *string
	adminToken *string
	noPacing   *bool
}

// initializeLogger installs a text handler on terminals and a JSON handler otherwise.
// LOG_LEVEL selects debug, info, warn or error; the default is info.
func initializeLogger(w io.Writer) {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            util.GetEnv("PERSONAPIPE_STATE_DIR", DefaultStateDir),
		ApplicationDBDSN:    util.GetEnv("DATABASE_DSN", os.Getenv("DATABASE_URL")),
		WhatsAppDBDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		Transport:           util.GetEnv("TRANSPORT", api.DefaultTransport),
		APIAddr:             os.Getenv("API_ADDR"),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         os.Getenv("OPENAI_MODEL"),
		VerifyToken:         os.Getenv("VERIFY_TOKEN"),
		PageAccessToken:     os.Getenv("PAGE_ACCESS_TOKEN"),
		AppSecret:           os.Getenv("APP_SECRET"),
		GraphAPIURL:         os.Getenv("GRAPH_API_URL"),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:          os.Getenv("TWILIO_FROM"),
		TwilioWebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		NATSURL:             os.Getenv("NATS_URL"),
		NATSToken:           os.Getenv("NATS_TOKEN"),
		EscalationLink:      util.GetEnv("ESCALATION_LINK", flow.DefaultEscalationLink),
		PhotoURL:            os.Getenv("PHOTO_URL"),
		Timezone:            os.Getenv("BOT_TIMEZONE"),
		PersonaPromptFile:   os.Getenv("PERSONA_PROMPT_FILE"),
		FollowupPromptFile:  os.Getenv("FOLLOWUP_PROMPT_FILE"),
		ScriptedProbability: util.ParseFloatEnv("SCRIPTED_PROBABILITY", flow.DefaultSettings().ScriptedProbability, 0, 1),
		ApologyOnFailure:    util.ParseBoolEnv("APOLOGY_ON_FAILURE", false),
		PacingEnabled:       util.ParseBoolEnv("PACING_ENABLED", true),
		FollowupInterval:    util.ParseDurationEnv("FOLLOWUP_INTERVAL", flow.DefaultSweepInterval),
		IdleThreshold:       util.ParseDurationEnv("IDLE_THRESHOLD", flow.DefaultIdleThreshold),
		CheckpointInterval:  util.ParseDurationEnv("CHECKPOINT_INTERVAL", api.DefaultCheckpointInterval),
	}

	// Hosting platforms hand out a bare port.
	if config.APIAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			config.APIAddr = ":" + port
		}
	}

	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("environment variables loaded",
		"PERSONAPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"PAGE_ACCESS_TOKEN_SET", config.PageAccessToken != "",
		"APP_SECRET_SET", config.AppSecret != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"NATS_URL_SET", config.NATSURL != "",
		"BOT_TIMEZONE", config.Timezone)

	return config
}

// newRootCmd builds the CLI. Running it without a subcommand serves the bot.
func newRootCmd(config Config) *cobra.Command {
	var flags Flags
	root := &cobra.Command{
		Use:           "PersonaPipe",
		Short:         "Conversational persona bot for Messenger and WhatsApp",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, config, flags)
		},
	}

	pf := root.PersistentFlags()
	flags.stateDir = pf.String("state-dir", config.StateDir, "state directory for PersonaPipe data (overrides $PERSONAPIPE_STATE_DIR)")
	flags.dbDSN = pf.String("db-dsn", config.ApplicationDBDSN, "application database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_DSN or $DATABASE_URL)")

	f := root.Flags()
	flags.qrOutput = f.String("qr-output", "", "path to write the WhatsApp login QR code")
	flags.numeric = f.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code")
	flags.waDBDSN = f.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	flags.transport = f.String("transport", config.Transport, "messaging transport: messenger, twilio or whatsapp (overrides $TRANSPORT)")
	flags.openaiKey = f.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	flags.model = f.String("model", config.OpenAIModel, "chat model name (overrides $OPENAI_MODEL)")
	flags.apiAddr = f.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR or $PORT)")
	flags.adminToken = f.String("admin-token", config.AdminToken, "bearer token for the admin API (overrides $ADMIN_TOKEN)")
	flags.noPacing = f.Bool("no-pacing", !config.PacingEnabled, "reply immediately instead of simulating typing")

	root.AddCommand(newProfileCmd(config, &flags))
	return root
}

func serve(cmd *cobra.Command, config Config, flags Flags) error {
	// A new state dir moves the default SQLite files with it.
	if cmd.Flags().Changed("state-dir") {
		if !cmd.Flags().Changed("db-dsn") && *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if !cmd.Flags().Changed("whatsapp-db-dsn") && os.Getenv("WHATSAPP_DB_DSN") == "" {
			*flags.waDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	settings, err := buildSettings(config)
	if err != nil {
		return err
	}

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(config, flags, settings)

	slog.Info("Bootstrapping PersonaPipe with configured modules", "transport", *flags.transport)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		return err
	}
	slog.Info("PersonaPipe exited successfully")
	return nil
}

// newProfileCmd prints a user's durable profile as JSON.
func newProfileCmd(config Config, flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <userID>",
		Short: "Print the durable profile of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(buildStoreOptions(*flags)...)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()
			return printProfile(cmd.OutOrStdout(), st, args[0])
		},
	}
}

func printProfile(w io.Writer, st store.Store, userID string) error {
	p, err := st.GetProfile(userID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if p == nil {
		return fmt.Errorf("no profile for %s", userID)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(p)
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based DSN.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildSettings maps the persona configuration onto orchestrator settings.
func buildSettings(config Config) (flow.Settings, error) {
	s := flow.DefaultSettings()
	s.EscalationLink = config.EscalationLink
	s.PhotoURL = config.PhotoURL
	s.ScriptedProbability = config.ScriptedProbability
	s.ApologyOnFailure = config.ApologyOnFailure
	if config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return s, fmt.Errorf("invalid BOT_TIMEZONE %q: %w", config.Timezone, err)
		}
		s.Location = loc
	}
	return s, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithPairingOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithPlainPairingCode())
	}
	if *flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDeviceStore(*flags.waDBDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags, settings flow.Settings) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithTransport(*flags.transport),
		api.WithSettings(settings),
		api.WithPacing(!*flags.noPacing),
		api.WithFollowupInterval(config.FollowupInterval),
		api.WithIdleThreshold(config.IdleThreshold),
		api.WithCheckpointInterval(config.CheckpointInterval),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.adminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(*flags.adminToken))
	}
	if config.RedisURL != "" {
		apiOpts = append(apiOpts, api.WithRedisURL(config.RedisURL))
	}
	if config.NATSURL != "" {
		apiOpts = append(apiOpts, api.WithNATS(config.NATSURL, config.NATSToken))
	}
	if config.PersonaPromptFile != "" || config.FollowupPromptFile != "" {
		apiOpts = append(apiOpts, api.WithPromptFiles(config.PersonaPromptFile, config.FollowupPromptFile))
	}

	var msgOpts []messaging.MessengerOption
	if config.PageAccessToken != "" {
		msgOpts = append(msgOpts, messaging.WithPageAccessToken(config.PageAccessToken))
	}
	if config.VerifyToken != "" {
		msgOpts = append(msgOpts, messaging.WithVerifyToken(config.VerifyToken))
	}
	if config.AppSecret != "" {
		msgOpts = append(msgOpts, messaging.WithAppSecret(config.AppSecret))
	}
	if config.GraphAPIURL != "" {
		msgOpts = append(msgOpts, messaging.WithGraphAPIURL(config.GraphAPIURL))
	}
	if len(msgOpts) > 0 {
		apiOpts = append(apiOpts, api.WithMessengerOptions(msgOpts...))
	}

	var twOpts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFrom != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	if config.TwilioWebhookURL != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithWebhookURL(config.TwilioWebhookURL))
	}
	if len(twOpts) > 0 {
		apiOpts = append(apiOpts, api.WithTwilioOptions(twOpts...))
	}
	return apiOpts
}
