package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/HabitPipe/internal/api"
	"github.com/BTreeMap/HabitPipe/internal/conversation"
	"github.com/BTreeMap/HabitPipe/internal/genai"
	"github.com/BTreeMap/HabitPipe/internal/lockfile"
	"github.com/BTreeMap/HabitPipe/internal/messaging"
	"github.com/BTreeMap/HabitPipe/internal/store"
	"github.com/BTreeMap/HabitPipe/internal/twiliosms"
	"github.com/BTreeMap/HabitPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for HabitPipe state data
	DefaultStateDir = "/var/lib/habitpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "habitpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("HabitPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("HabitPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	OpenAIKey         string
	OpenAIModel       string
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	ValidateSignature bool
	APIAddr           string
	PublicWebhookURL  string
	PendingTTL        time.Duration
	InboundPerMin     int
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	openaiKey         *string
	openaiModel       *string
	apiAddr           *string
	publicURL         *string
	validateSignature *bool
	pendingTTL        *time.Duration
	inboundPerMin     *int
	seed              *string

	twilioAccountSID string
	twilioAuthToken  string
	twilioFromNumber string
}

// initializeLogger sets up structured logging at the level named by $LOG_LEVEL (default info).
func initializeLogger() {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("HABITPIPE_STATE_DIR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       os.Getenv("OPENAI_MODEL"),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		ValidateSignature: util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		APIAddr:           os.Getenv("API_ADDR"),
		PublicWebhookURL:  os.Getenv("PUBLIC_WEBHOOK_URL"),
		PendingTTL:        util.ParseDurationEnv("PENDING_TTL", conversation.DefaultPendingTTL),
		InboundPerMin:     util.ParseNonNegativeIntEnv("INBOUND_RATE_PER_MIN", api.DefaultInboundPerMin),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No HABITPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"HABITPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"TWILIO_FROM_NUMBER", config.TwilioFromNumber,
		"TWILIO_VALIDATE_SIGNATURE", config.ValidateSignature,
		"API_ADDR", config.APIAddr,
		"PENDING_TTL", config.PendingTTL,
		"INBOUND_RATE_PER_MIN", config.InboundPerMin)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for HabitPipe data (overrides $HABITPIPE_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "database DSN or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:         flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:       flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:         flag.String("public-webhook-url", config.PublicWebhookURL, "public URL Twilio posts to, used for signature checks (overrides $PUBLIC_WEBHOOK_URL)"),
		validateSignature: flag.Bool("validate-signature", config.ValidateSignature, "reject webhooks with an invalid Twilio signature (overrides $TWILIO_VALIDATE_SIGNATURE)"),
		pendingTTL:        flag.Duration("pending-ttl", config.PendingTTL, "how long a clarification stays answerable (overrides $PENDING_TTL)"),
		inboundPerMin:     flag.Int("inbound-rate-per-min", config.InboundPerMin, "messages per minute accepted from one sender, 0 disables (overrides $INBOUND_RATE_PER_MIN)"),
		seed:              flag.String("seed", "", "load users, habits and schedules from a JSON file and exit"),

		twilioAccountSID: config.TwilioAccountSID,
		twilioAuthToken:  config.TwilioAuthToken,
		twilioFromNumber: config.TwilioFromNumber,
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"validateSignature", *flags.validateSignature,
		"pendingTTL", *flags.pendingTTL,
		"inboundPerMin", *flags.inboundPerMin,
		"seed", *flags.seed)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// openStore opens the configured store. A server on SQLite first takes the state-dir lock; the
// returned close function closes the store and only then releases the lock. Seeding may run next
// to a live server, so it skips the lock.
func openStore(flags Flags) (store.Store, func(), error) {
	var lock *lockfile.Lock
	if *flags.seed == "" && *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		l, err := lockfile.AcquireLock(filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:")))
		if err != nil {
			return nil, nil, err
		}
		lock = l
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	return st, func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
		if err := lock.Release(); err != nil {
			slog.Error("Failed to release state directory lock", "error", err)
		}
	}, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:"))
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// run wires the modules and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	slog.Info("Bootstrapping HabitPipe with configured modules")

	st, closeStore, err := openStore(flags)
	if err != nil {
		return err
	}
	defer closeStore()

	if *flags.seed != "" {
		return seedFromFile(ctx, st, *flags.seed)
	}

	sender, err := buildSender(flags)
	if err != nil {
		return err
	}
	msgService := messaging.NewTwilioService(sender, messaging.DefaultSendTimeout)
	defer msgService.Stop()

	var smart conversation.SmartParser
	gaClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	switch {
	case errors.Is(err, genai.ErrMissingAPIKey):
		slog.Warn("No OpenAI API key configured, free-text messages will not be interpreted")
	case err != nil:
		return err
	default:
		smart = conversation.NewLLMParser(gaClient, conversation.DefaultLLMTimeout)
	}

	engine := conversation.NewEngine(st, msgService, smart,
		conversation.WithPendingTTL(*flags.pendingTTL),
		conversation.WithCommandRouter(conversation.HelpRouter{}),
	)

	sweeper := store.NewPendingSweeper(st, time.Minute)
	go sweeper.Run(ctx)

	server := api.NewServer(engine, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildSender returns the Twilio client, or a discarding mock when no credentials are set.
func buildSender(flags Flags) (twiliosms.Sender, error) {
	if flags.twilioAccountSID == "" && flags.twilioAuthToken == "" && flags.twilioFromNumber == "" {
		slog.Warn("No Twilio credentials configured, outbound messages will only be logged")
		return twiliosms.NewMockClient(), nil
	}
	client, err := twiliosms.NewClient(
		twiliosms.WithAccountSID(flags.twilioAccountSID),
		twiliosms.WithAuthToken(flags.twilioAuthToken),
		twiliosms.WithFromNumber(flags.twilioFromNumber),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.publicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(*flags.publicURL))
	}
	if *flags.validateSignature && flags.twilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithSignatureValidation(twiliosms.NewSignatureValidator(flags.twilioAuthToken)))
	} else if *flags.validateSignature {
		slog.Warn("Signature validation requested but no Twilio auth token configured, webhooks are not verified")
	}
	apiOpts = append(apiOpts, api.WithInboundRateLimit(*flags.inboundPerMin))
	return apiOpts
}
