// Package api also hosts the process bootstrap: Run wires the store, the
// flow engine, the escalation service, the messaging transport and the HTTP
// server into a running OrderPilot instance.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/checkpoint"
	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/flow"
	"github.com/BakeDesk/OrderPilot/internal/genai"
	"github.com/BakeDesk/OrderPilot/internal/hitl"
	"github.com/BakeDesk/OrderPilot/internal/lockfile"
	"github.com/BakeDesk/OrderPilot/internal/messaging"
	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/recovery"
	"github.com/BakeDesk/OrderPilot/internal/scheduler"
	"github.com/BakeDesk/OrderPilot/internal/store"
	"github.com/BakeDesk/OrderPilot/internal/twiliowhatsapp"
	"github.com/BakeDesk/OrderPilot/internal/util"
	"github.com/BakeDesk/OrderPilot/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Messenger kinds selectable via RunConfig.Messenger.
const (
	MessengerWhatsApp = "whatsapp"
	MessengerTwilio   = "twilio"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for OrderPilot state data.
	DefaultStateDir = "/var/lib/orderpilot"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite filename
	// inside the state directory.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultShutdownTimeout bounds how long Stop waits for in-flight
	// requests once a shutdown signal arrives.
	DefaultShutdownTimeout = 10 * time.Second
)

// RunConfig carries the resolved configuration for a full OrderPilot
// process. Zero values select the documented defaults.
type RunConfig struct {
	StateDir    string
	DatabaseURL string
	RedisAddr   string

	Messenger     string
	WhatsAppDBDSN string
	QROutputPath  string
	NumericCode   bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	OpenAIKey string

	APIAddr string

	CommerceAPIURL string
	CommerceAPIKey string
	PolicyAPIURL   string
	OpsContact     string

	FlowTTL         time.Duration
	ConfirmTTL      time.Duration
	EscalationDelay time.Duration
	CheckpointTTL   time.Duration
	CheckpointCap   int
}

// DefaultRunConfig loads configuration from the environment, reading a .env
// file first when present. cmd/OrderPilot layers flag overrides on top; the
// root binary runs it as-is.
func DefaultRunConfig() RunConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("DefaultRunConfig: no .env file loaded", "error", err)
	} else {
		slog.Debug("DefaultRunConfig: loaded .env file")
	}

	cfg := RunConfig{
		StateDir:    os.Getenv("ORDERPILOT_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		Messenger:     os.Getenv("MESSENGER"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		OpenAIKey: os.Getenv("OPENAI_API_KEY"),

		APIAddr: os.Getenv("API_ADDR"),

		CommerceAPIURL: os.Getenv("COMMERCE_API_URL"),
		CommerceAPIKey: os.Getenv("COMMERCE_API_KEY"),
		PolicyAPIURL:   os.Getenv("POLICY_API_URL"),
		OpsContact:     os.Getenv("OPS_CONTACT"),

		FlowTTL:         util.ParseDurationEnv("FLOW_TTL", 0),
		ConfirmTTL:      util.ParseDurationEnv("CONFIRM_TTL", 0),
		EscalationDelay: util.ParseDurationEnv("ESCALATION_DELAY", 0),
		CheckpointTTL:   util.ParseDurationEnv("CHECKPOINT_TTL", 0),
		CheckpointCap:   util.ParseIntEnv("CHECKPOINT_CAP", 0),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.Messenger == "" {
		cfg.Messenger = MessengerWhatsApp
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAddr
	}
	// The whatsmeow device store shares the main database by default, or
	// falls back to an embedded SQLite file in the state directory.
	if cfg.WhatsAppDBDSN == "" {
		cfg.WhatsAppDBDSN = cfg.DatabaseURL
	}
	if cfg.WhatsAppDBDSN == "" {
		cfg.WhatsAppDBDSN = filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName)
	}

	slog.Debug("DefaultRunConfig: environment loaded",
		"stateDir", cfg.StateDir,
		"databaseURLSet", cfg.DatabaseURL != "",
		"redisAddrSet", cfg.RedisAddr != "",
		"messenger", cfg.Messenger,
		"openaiKeySet", cfg.OpenAIKey != "",
		"apiAddr", cfg.APIAddr,
		"commerceURLSet", cfg.CommerceAPIURL != "",
		"policyURLSet", cfg.PolicyAPIURL != "",
		"opsContactSet", cfg.OpsContact != "")

	return cfg
}

// backingStore is the storage surface the bootstrap needs: durable state
// plus dedup bookkeeping and the outbox. All concrete stores satisfy it.
type backingStore interface {
	store.Store
	store.DedupRepo
	store.OutboxRepo
}

// Run wires all OrderPilot modules together and blocks until a shutdown
// signal arrives. It owns startup order, crash recovery and graceful stop.
func Run(cfg RunConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", cfg.StateDir, err)
	}
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Run: failed to release instance lock", "error", err)
		}
	}()

	st, err := setupStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.CommerceAPIURL == "" {
		return fmt.Errorf("commerce API URL is required (set COMMERCE_API_URL)")
	}
	commerceClient := commerce.NewHTTPClient(cfg.CommerceAPIURL, cfg.CommerceAPIKey)
	catalog := commerce.NewHTTPCatalogSource(cfg.CommerceAPIURL, cfg.CommerceAPIKey)
	policies := setupPolicySource(cfg)

	hitlSvc := hitl.NewService(st, setupHitlOptions(cfg, st)...)
	defer hitlSvc.Stop()

	engine := flow.NewEngine(st, commerceClient, policies, setupEngineOptions(ctx, cfg, hitlSvc)...)

	msgService, apiOpts, err := setupMessenger(cfg)
	if err != nil {
		return err
	}

	routerOpts := []messaging.RouterOption{messaging.WithTelemetryLog(st)}
	if cfg.OpsContact != "" {
		routerOpts = append(routerOpts, messaging.WithOpsContact(cfg.OpsContact))
	}
	router := messaging.NewRouter(msgService, engine, st, st, catalog, routerOpts...)

	sender := store.NewOutboxSender(st, messaging.DeliveryFunc(msgService), 0)

	rec := recovery.NewManager()
	rec.Register(recovery.HitlTimers(hitlSvc))
	rec.Register(recovery.OutboxMessages(sender))
	if err := rec.RecoverAll(ctx); err != nil {
		slog.Warn("Run: startup recovery finished with errors", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.RegisterSweeps(engine.States(), engine.Checkpoints()); err != nil {
		return fmt.Errorf("register sweep jobs: %w", err)
	}
	defer sched.Stop()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	router.Start(ctx)
	go sender.Run(ctx)

	server := NewServer(engine, hitlSvc, router, st, apiOpts...)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	slog.Info("Run: OrderPilot is up", "messenger", cfg.Messenger, "apiAddr", cfg.APIAddr)
	<-ctx.Done()
	slog.Info("Run: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		slog.Error("Run: API server shutdown failed", "error", err)
	}
	if err := msgService.Stop(); err != nil {
		slog.Warn("Run: messaging service stop failed", "error", err)
	}
	router.Stop()
	slog.Info("Run: OrderPilot stopped")
	return nil
}

// setupStore opens the durable store selected by DATABASE_URL. Without one
// the process runs on the in-memory store, losing state across restarts.
func setupStore(cfg RunConfig) (backingStore, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("Run: no DATABASE_URL configured, state will not survive restarts")
		return store.NewInMemoryStore(), nil
	}
	switch store.DetectDSNType(cfg.DatabaseURL) {
	case store.DSNTypePostgres:
		st, err := store.NewPostgresStore(store.WithPostgresDSN(cfg.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("open Postgres store: %w", err)
		}
		slog.Info("Run: using Postgres store")
		return st, nil
	default:
		st, err := store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("open SQLite store: %w", err)
		}
		slog.Info("Run: using SQLite store", "path", cfg.DatabaseURL)
		return st, nil
	}
}

// setupPolicySource prefers the policy API; without one, a static policy
// built from the TTL knobs applies chain-wide.
func setupPolicySource(cfg RunConfig) commerce.PolicySource {
	if cfg.PolicyAPIURL != "" {
		return commerce.NewHTTPPolicySource(cfg.PolicyAPIURL)
	}
	p := commerce.DefaultPolicy()
	if cfg.ConfirmTTL > 0 {
		p.ConfirmTTLSeconds = int(cfg.ConfirmTTL / time.Second)
	}
	if cfg.EscalationDelay > 0 {
		p.EscalationDelaySeconds = int(cfg.EscalationDelay / time.Second)
	}
	slog.Info("Run: no policy API configured, using static policy",
		"confirmTTL", p.ConfirmTTL(), "escalationDelay", p.EscalationDelay())
	return commerce.StaticPolicySource{Policy: p}
}

// setupHitlOptions wires the optional GenAI summarizer and the ops-channel
// alert callback.
func setupHitlOptions(cfg RunConfig, st backingStore) []hitl.Option {
	var opts []hitl.Option
	if cfg.OpenAIKey != "" {
		ga, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAIKey))
		if err != nil {
			slog.Warn("Run: GenAI client unavailable, case summaries fall back to the static line", "error", err)
		} else {
			opts = append(opts, hitl.WithSummarizer(ga))
		}
	}
	if cfg.OpsContact != "" {
		opts = append(opts, hitl.WithNotify(opsAlertFunc(st, cfg.OpsContact)))
	}
	return opts
}

// opsAlertFunc enqueues grace-expiry alerts on the durable outbox so they
// survive a crash and ride the same delivery path as customer replies.
func opsAlertFunc(st backingStore, opsContact string) hitl.NotifyFunc {
	return func(ctx context.Context, c models.HitlCase) error {
		content := fmt.Sprintf("HITL case %s needs attention. Reason: %s. %s", c.CaseID, c.Reason, c.Summary)
		payload, err := messaging.EncodeOutboundPayload(opsContact, content)
		if err != nil {
			return err
		}
		_, err = st.EnqueueOutboxMessage(c.ConversationID, store.OutboxKindOpsAlert, payload, "alert:"+c.CaseID)
		return err
	}
}

// setupEngineOptions assembles the engine's state-store and checkpoint
// options from the configured knobs.
func setupEngineOptions(ctx context.Context, cfg RunConfig, hitlSvc *hitl.Service) []flow.EngineOption {
	var stateOpts []flow.StateStoreOption
	if cfg.FlowTTL > 0 {
		stateOpts = append(stateOpts, flow.WithFlowTTL(cfg.FlowTTL))
	}
	if cfg.RedisAddr != "" {
		cache, err := store.NewRedisFlowCache(ctx, store.WithRedisAddr(cfg.RedisAddr))
		if err != nil {
			slog.Warn("Run: Redis flow cache unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
		} else {
			slog.Info("Run: Redis flow cache enabled", "addr", cfg.RedisAddr)
			stateOpts = append(stateOpts, flow.WithFlowCache(cache))
		}
	}

	var ckptOpts []checkpoint.Option
	if cfg.CheckpointTTL > 0 {
		ckptOpts = append(ckptOpts, checkpoint.WithRetentionTTL(cfg.CheckpointTTL))
	}
	if cfg.CheckpointCap > 0 {
		ckptOpts = append(ckptOpts, checkpoint.WithRetentionCap(cfg.CheckpointCap))
	}

	opts := []flow.EngineOption{flow.WithEscalator(hitlSvc)}
	if len(stateOpts) > 0 {
		opts = append(opts, flow.WithStateStoreOptions(stateOpts...))
	}
	if len(ckptOpts) > 0 {
		opts = append(opts, flow.WithCheckpointOptions(ckptOpts...))
	}
	return opts
}

// setupMessenger builds the configured transport. The Twilio transport also
// mounts its inbound webhook on the API server.
func setupMessenger(cfg RunConfig) (messaging.Service, []Option, error) {
	apiOpts := []Option{WithAddr(cfg.APIAddr)}

	switch cfg.Messenger {
	case "", MessengerWhatsApp:
		var waOpts []whatsapp.Option
		if cfg.WhatsAppDBDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsAppDBDSN))
		}
		if cfg.QROutputPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutputPath))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), apiOpts, nil

	case MessengerTwilio:
		var twOpts []twiliowhatsapp.Option
		if cfg.TwilioAccountSID != "" {
			twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID))
		}
		if cfg.TwilioAuthToken != "" {
			twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken))
		}
		if cfg.TwilioFromNumber != "" {
			twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber))
		}
		client, err := twiliowhatsapp.NewClient(twOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		apiOpts = append(apiOpts, WithTwilioWebhook(svc.TwilioWebhookHandler))
		return svc, apiOpts, nil

	default:
		return nil, nil, fmt.Errorf("unknown messenger %q (want %s or %s)", cfg.Messenger, MessengerWhatsApp, MessengerTwilio)
	}
}
