package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/SakePipe/internal/api"
	"github.com/BTreeMap/SakePipe/internal/genai"
	"github.com/BTreeMap/SakePipe/internal/lockfile"
	"github.com/BTreeMap/SakePipe/internal/objectstore"
	"github.com/BTreeMap/SakePipe/internal/store"
	"github.com/BTreeMap/SakePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SakePipe/internal/util"
	"github.com/BTreeMap/SakePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SakePipe state data
	DefaultStateDir = "/var/lib/sakepipe"
	// DefaultAppDBFileName is the SQLite application database used when no DSN is given
	DefaultAppDBFileName = "sakepipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow session database
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	ProviderWhatsmeow = "whatsmeow"
	ProviderTwilio    = "twilio"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	if err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], &config); err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	if err := config.validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}
	lock, err := lockfile.AcquireLock(config.StateDir, config.APIAddr)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(config)
	twOpts := buildTwilioOptions(config)
	storeOpts := buildStoreOptions(config)
	genaiOpts := buildGenAIOptions(config)
	objOpts := buildObjectStoreOptions(config)
	apiOpts := buildAPIOptions(config)

	slog.Info("Bootstrapping SakePipe with configured modules", "provider", config.Provider)
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twOpts), "store", len(storeOpts),
		"genai", len(genaiOpts), "objectstore", len(objOpts), "api", len(apiOpts))
	runErr := api.Run(waOpts, twOpts, storeOpts, genaiOpts, objOpts, apiOpts)
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("SakePipe failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("SakePipe exited successfully")
}

// Config holds the process configuration, read from the environment and overridden by flags.
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	APIAddr          string
	PublicBaseURL    string
	SecureCookies    bool

	SessionSecret   string
	GeneralPasscode string
	AdminPasscode   string
	AdminPhones     []string

	Provider      string // whatsmeow or twilio
	QROutput      string
	NumericCode   bool
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	WebhookURL    string // public origin Twilio signs requests against
	MediaUsername string
	MediaPassword string

	RedisAddr     string
	RedisPassword string
	RateLimit     int
	RateWindow    time.Duration

	OpenAIKey      string
	OpenAIBaseURL  string
	ChatModel      string
	ImageModel     string
	GenAIDebug     bool
	PromptFile     string
	ProcessTimeout time.Duration
	MaxToolSteps   int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string

	RankRefreshCron    string
	RankRefreshCronSet bool // an empty RANK_REFRESH_CRON disables the job
	ReplayWindow       time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:         os.Getenv("SAKEPIPE_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		SecureCookies:    util.ParseBoolEnv("SECURE_COOKIES", false),

		SessionSecret:   os.Getenv("SESSION_SECRET"),
		GeneralPasscode: os.Getenv("GENERAL_PASSCODE"),
		AdminPasscode:   os.Getenv("ADMIN_PASSCODE"),
		AdminPhones:     util.SplitList(os.Getenv("ADMIN_PHONES")),

		Provider:      strings.ToLower(strings.TrimSpace(os.Getenv("WHATSAPP_PROVIDER"))),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		WebhookURL:    os.Getenv("TWILIO_WEBHOOK_BASE_URL"),
		MediaUsername: os.Getenv("MEDIA_USERNAME"),
		MediaPassword: os.Getenv("MEDIA_PASSWORD"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RateLimit:     util.ParseIntEnv("RATE_LIMIT", 0),
		RateWindow:    util.ParseDurationEnv("RATE_WINDOW", api.DefaultRateWindow),

		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		ChatModel:      os.Getenv("OPENAI_MODEL"),
		ImageModel:     os.Getenv("OPENAI_IMAGE_MODEL"),
		GenAIDebug:     util.ParseBoolEnv("GENAI_DEBUG", false),
		PromptFile:     os.Getenv("PROMPT_FILE"),
		ProcessTimeout: util.ParseDurationEnv("PROCESS_TIMEOUT", 0),
		MaxToolSteps:   util.ParseIntEnv("MAX_TOOL_STEPS", 0),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    os.Getenv("MINIO_BUCKET"),
		MinioUseSSL:    util.ParseBoolEnv("MINIO_USE_SSL", true),
		MinioPublicURL: os.Getenv("MINIO_PUBLIC_BASE_URL"),

		ReplayWindow: util.ParseDurationEnv("REPLAY_WINDOW", 0),
	}
	config.RankRefreshCron, config.RankRefreshCronSet = os.LookupEnv("RANK_REFRESH_CRON")

	// DATABASE_URL is the name most hosting platforms inject
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.Provider == "" {
		config.Provider = ProviderWhatsmeow
		if config.TwilioSID != "" {
			config.Provider = ProviderTwilio
		}
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SAKEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	config.applyStateDirDefaults()

	slog.Debug("environment variables loaded",
		"SAKEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_PROVIDER", config.Provider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"MINIO_ENDPOINT_SET", config.MinioEndpoint != "",
		"ADMIN_PHONES", len(config.AdminPhones),
		"API_ADDR", config.APIAddr)

	return config
}

// applyStateDirDefaults fills unset database DSNs with files in the state directory.
func (c *Config) applyStateDirDefaults() {
	if c.ApplicationDBDSN == "" {
		c.ApplicationDBDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = defaultWhatsAppDSN(c.StateDir)
	}
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags overrides config with command line arguments. Database DSNs that
// were derived from the state directory follow a -state-dir override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config *Config) error {
	oldStateDir := config.StateDir
	derivedApp := config.ApplicationDBDSN == filepath.Join(oldStateDir, DefaultAppDBFileName)
	derivedWA := config.WhatsAppDBDSN == defaultWhatsAppDSN(oldStateDir)
	adminPhones := strings.Join(config.AdminPhones, ",")

	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for SakePipe data (overrides $SAKEPIPE_STATE_DIR)")
	fs.StringVar(&config.ApplicationDBDSN, "db-dsn", config.ApplicationDBDSN, "application database DSN, Postgres URL or SQLite path (overrides $DATABASE_DSN)")
	fs.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.PublicBaseURL, "public-base-url", config.PublicBaseURL, "base of tasting links (overrides $PUBLIC_BASE_URL)")
	fs.StringVar(&config.Provider, "provider", config.Provider, "WhatsApp provider: whatsmeow or twilio (overrides $WHATSAPP_PROVIDER)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.PromptFile, "prompt-file", config.PromptFile, "YAML file overriding the system prompts (overrides $PROMPT_FILE)")
	fs.StringVar(&adminPhones, "admin-phones", adminPhones, "comma separated admin phone numbers (overrides $ADMIN_PHONES)")
	fs.BoolVar(&config.GenAIDebug, "genai-debug", config.GenAIDebug, "write model requests and responses under the state directory")

	if err := fs.Parse(args); err != nil {
		return err
	}
	config.AdminPhones = util.SplitList(adminPhones)
	config.Provider = strings.ToLower(strings.TrimSpace(config.Provider))

	if config.StateDir != oldStateDir {
		if derivedApp && config.ApplicationDBDSN == filepath.Join(oldStateDir, DefaultAppDBFileName) {
			config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		}
		if derivedWA && config.WhatsAppDBDSN == defaultWhatsAppDSN(oldStateDir) {
			config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		}
		slog.Debug("Updated database DSNs based on state directory", "old_state_dir", oldStateDir, "new_state_dir", config.StateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", config.StateDir,
		"dbDSN_set", config.ApplicationDBDSN != "",
		"provider", config.Provider,
		"apiAddr", config.APIAddr,
		"openaiKeySet", config.OpenAIKey != "")
	return nil
}

// validate rejects configurations the server cannot start with.
func (c Config) validate() error {
	var errs []error
	switch c.Provider {
	case ProviderWhatsmeow:
	case ProviderTwilio:
		if c.TwilioSID == "" || c.TwilioToken == "" {
			errs = append(errs, errors.New("twilio provider requires TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown WhatsApp provider %q", c.Provider))
	}
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("SESSION_SECRET is required"))
	}
	if c.GeneralPasscode == "" && c.AdminPasscode == "" {
		errs = append(errs, errors.New("at least one of GENERAL_PASSCODE and ADMIN_PASSCODE is required"))
	}
	if (c.MinioAccessKey != "" || c.MinioSecretKey != "") && c.MinioEndpoint == "" {
		errs = append(errs, errors.New("MINIO_ENDPOINT is required when MinIO credentials are set"))
	}
	return errors.Join(errs...)
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based DSN
func ensureDirectoriesExist(config Config) error {
	dirs := []string{config.StateDir}
	if store.DetectDSNType(config.ApplicationDBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(sqlitePath(config.ApplicationDBDSN)))
	}
	if config.Provider == ProviderWhatsmeow && store.DetectDSNType(config.WhatsAppDBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(sqlitePath(config.WhatsAppDBDSN)))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory for file-based storage", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// sqlitePath strips the file: scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var twOpts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return twOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if config.ApplicationDBDSN == "" {
		return nil
	}
	if store.DetectDSNType(config.ApplicationDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(config.ApplicationDBDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.ApplicationDBDSN)
	return []store.Option{store.WithSQLiteDSN(config.ApplicationDBDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var genaiOpts []genai.Option
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.ChatModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.ChatModel))
	}
	if config.ImageModel != "" {
		genaiOpts = append(genaiOpts, genai.WithImageModel(config.ImageModel))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true), genai.WithStateDir(config.StateDir))
	}
	return genaiOpts
}

// buildObjectStoreOptions constructs MinIO options; nil when no endpoint is configured
func buildObjectStoreOptions(config Config) []objectstore.Option {
	if config.MinioEndpoint == "" {
		return nil
	}
	objOpts := []objectstore.Option{
		objectstore.WithEndpoint(config.MinioEndpoint),
		objectstore.WithCredentials(config.MinioAccessKey, config.MinioSecretKey),
		objectstore.WithSSL(config.MinioUseSSL),
	}
	if config.MinioBucket != "" {
		objOpts = append(objOpts, objectstore.WithBucket(config.MinioBucket))
	}
	if config.MinioPublicURL != "" {
		objOpts = append(objOpts, objectstore.WithPublicBaseURL(config.MinioPublicURL))
	}
	return objOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithPasscodes(config.GeneralPasscode, config.AdminPasscode),
		api.WithSessionSecret(config.SessionSecret),
		api.WithSecureCookies(config.SecureCookies),
		api.WithTwilio(config.Provider == ProviderTwilio),
		api.WithObjectStorage(config.MinioEndpoint != ""),
	}
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	if config.PublicBaseURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(config.PublicBaseURL))
	}
	if len(config.AdminPhones) > 0 {
		apiOpts = append(apiOpts, api.WithAdminPhones(config.AdminPhones))
	}
	if config.Provider == ProviderTwilio {
		webhookURL := config.WebhookURL
		if webhookURL == "" {
			webhookURL = config.PublicBaseURL
		}
		apiOpts = append(apiOpts, api.WithTwilioWebhook(config.TwilioToken, webhookURL))

		// Twilio media URLs require the account credentials unless overridden
		user, pass := config.MediaUsername, config.MediaPassword
		if user == "" {
			user, pass = config.TwilioSID, config.TwilioToken
		}
		apiOpts = append(apiOpts, api.WithMediaAuth(user, pass))
	} else if config.MediaUsername != "" {
		apiOpts = append(apiOpts, api.WithMediaAuth(config.MediaUsername, config.MediaPassword))
	}
	if config.RedisAddr != "" {
		apiOpts = append(apiOpts, api.WithRedis(config.RedisAddr, config.RedisPassword))
	}
	if config.RateLimit > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(config.RateLimit, config.RateWindow))
	}
	if config.PromptFile != "" {
		apiOpts = append(apiOpts, api.WithPromptFile(config.PromptFile))
	}
	if config.ProcessTimeout > 0 {
		apiOpts = append(apiOpts, api.WithProcessTimeout(config.ProcessTimeout))
	}
	if config.MaxToolSteps > 0 {
		apiOpts = append(apiOpts, api.WithMaxToolSteps(config.MaxToolSteps))
	}
	if config.RankRefreshCronSet {
		apiOpts = append(apiOpts, api.WithRankRefreshCron(strings.TrimSpace(config.RankRefreshCron)))
	}
	if config.ReplayWindow > 0 {
		apiOpts = append(apiOpts, api.WithReplayWindow(config.ReplayWindow))
	}
	return apiOpts
}
