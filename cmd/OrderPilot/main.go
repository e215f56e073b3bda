// OrderPilot boots the conversational commerce assistant with the full
// command-line surface. Every flag is seeded from the environment so the
// binary runs unattended under systemd with a plain .env file.
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BakeDesk/OrderPilot/internal/api"
	"github.com/BakeDesk/OrderPilot/internal/store"
	"github.com/BakeDesk/OrderPilot/internal/util"
)

func main() {
	initializeLogger()

	config := api.DefaultRunConfig()
	parseCommandLineFlags(&config)

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping OrderPilot with configured modules")
	slog.Debug("Final configuration",
		"stateDir", config.StateDir,
		"dsnSet", config.DatabaseURL != "",
		"messenger", config.Messenger,
		"apiAddr", config.APIAddr)
	if err := api.Run(config); err != nil {
		slog.Error("OrderPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OrderPilot exited successfully")
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	redisAddr      *string
	messenger      *string
	whatsappDBDSN  *string
	openaiKey      *string
	apiAddr        *string
	commerceAPIURL *string
	commerceAPIKey *string
	policyAPIURL   *string
	opsContact     *string
}

// initializeLogger sets up structured logging. ORDERPILOT_DEBUG enables
// debug-level output.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("ORDERPILOT_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses command line arguments with environment
// defaults and writes the overrides back into the run configuration.
func parseCommandLineFlags(config *api.RunConfig) {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for OrderPilot data (overrides $ORDERPILOT_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for the durable store (overrides $DATABASE_URL)"),
		redisAddr:      flag.String("redis-addr", config.RedisAddr, "Redis address for the flow-state cache (overrides $REDIS_ADDR)"),
		messenger:      flag.String("messenger", config.Messenger, "messaging transport, whatsapp or twilio (overrides $MESSENGER)"),
		whatsappDBDSN:  flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the whatsmeow device store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for HITL case summaries (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		commerceAPIURL: flag.String("commerce-api-url", config.CommerceAPIURL, "retail backend base URL (overrides $COMMERCE_API_URL)"),
		commerceAPIKey: flag.String("commerce-api-key", config.CommerceAPIKey, "retail backend API key (overrides $COMMERCE_API_KEY)"),
		policyAPIURL:   flag.String("policy-api-url", config.PolicyAPIURL, "policy API base URL (overrides $POLICY_API_URL)"),
		opsContact:     flag.String("ops-contact", config.OpsContact, "staff contact for notes and alerts (overrides $OPS_CONTACT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSNSet", *flags.dbDSN != "",
		"redisAddrSet", *flags.redisAddr != "",
		"messenger", *flags.messenger,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"commerceURLSet", *flags.commerceAPIURL != "",
		"policyURLSet", *flags.policyAPIURL != "",
		"opsContactSet", *flags.opsContact != "")

	// Keep the embedded whatsmeow database inside the state directory when
	// only the state directory moved.
	if *flags.whatsappDBDSN == config.WhatsAppDBDSN &&
		config.WhatsAppDBDSN == filepath.Join(config.StateDir, api.DefaultWhatsAppDBFileName) &&
		*flags.stateDir != config.StateDir {
		*flags.whatsappDBDSN = filepath.Join(*flags.stateDir, api.DefaultWhatsAppDBFileName)
		slog.Debug("Updated whatsmeow DSN based on state directory",
			"oldStateDir", config.StateDir, "newStateDir", *flags.stateDir)
	}

	config.QROutputPath = *flags.qrOutput
	config.NumericCode = *flags.numeric
	config.StateDir = *flags.stateDir
	config.DatabaseURL = *flags.dbDSN
	config.RedisAddr = *flags.redisAddr
	config.Messenger = *flags.messenger
	config.WhatsAppDBDSN = *flags.whatsappDBDSN
	config.OpenAIKey = *flags.openaiKey
	config.APIAddr = *flags.apiAddr
	config.CommerceAPIURL = *flags.commerceAPIURL
	config.CommerceAPIKey = *flags.commerceAPIKey
	config.PolicyAPIURL = *flags.policyAPIURL
	config.OpsContact = *flags.opsContact
}

// ensureDirectoriesExist creates the directories file-based storage needs
// before any module opens a database.
func ensureDirectoriesExist(config api.RunConfig) error {
	dirs := []string{config.StateDir}
	if config.DatabaseURL != "" && store.DetectDSNType(config.DatabaseURL) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(config.DatabaseURL))
	}
	if config.WhatsAppDBDSN != "" && store.DetectDSNType(config.WhatsAppDBDSN) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(config.WhatsAppDBDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Ensuring directory exists", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}
