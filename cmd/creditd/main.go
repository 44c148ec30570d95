package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/resumeforge/creditd/internal/events/kafkafeed"
	"github.com/resumeforge/creditd/internal/httpapi"
	"github.com/resumeforge/creditd/internal/identity"
	"github.com/resumeforge/creditd/internal/store/gormstore"
	"github.com/resumeforge/creditd/internal/webhook"
	"github.com/resumeforge/creditd/pkg/credits"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagTokenSigningKey  = "token-signing-key"
	flagTokenIssuer      = "token-issuer"
	flagWebhookSecret    = "webhook-secret"
	flagWebhookTolerance = "webhook-tolerance"
	flagKafkaBrokers     = "kafka-brokers"
	flagConsumeCost      = "consume-cost"
	flagPurchaseCredits  = "purchase-credits"

	defaultDatabaseURL = "sqlite:///tmp/creditd.db"
	defaultListenAddr  = ":8085"
	defaultTokenIssuer = "identity"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	AllowedOrigins   string
	TokenSigningKey  string
	TokenIssuer      string
	WebhookSecret    string
	WebhookTolerance time.Duration
	KafkaBrokers     string
	ConsumeCost      int64
	PurchaseCredits  int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "*", "comma-delimited CORS origins")
	cmd.Flags().String(flagTokenSigningKey, "", "identity provider JWT signing secret")
	cmd.Flags().String(flagTokenIssuer, defaultTokenIssuer, "expected JWT issuer")
	cmd.Flags().String(flagWebhookSecret, "", "payment webhook signing secret")
	cmd.Flags().Duration(flagWebhookTolerance, webhook.DefaultTolerance, "accepted webhook timestamp skew")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-delimited Kafka brokers for the operation feed (optional)")
	cmd.Flags().Int64(flagConsumeCost, 20, "credits debited per consumption")
	cmd.Flags().Int64(flagPurchaseCredits, 100, "credits granted per purchase")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:      "DATABASE_URL",
		flagListenAddr:       "LISTEN_ADDR",
		flagAllowedOrigins:   "ALLOWED_ORIGINS",
		flagTokenSigningKey:  "TOKEN_SIGNING_KEY",
		flagTokenIssuer:      "TOKEN_ISSUER",
		flagWebhookSecret:    "WEBHOOK_SECRET",
		flagWebhookTolerance: "WEBHOOK_TOLERANCE",
		flagKafkaBrokers:     "KAFKA_BROKERS",
		flagConsumeCost:      "CONSUME_COST_CREDITS",
		flagPurchaseCredits:  "PURCHASE_CREDITS",
	}
	for flagName, envName := range bindings {
		key := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.TokenSigningKey = viper.GetString("token_signing_key")
	cfg.TokenIssuer = viper.GetString("token_issuer")
	cfg.WebhookSecret = viper.GetString("webhook_secret")
	cfg.WebhookTolerance = viper.GetDuration("webhook_tolerance")
	cfg.KafkaBrokers = viper.GetString("kafka_brokers")
	cfg.ConsumeCost = viper.GetInt64("consume_cost")
	cfg.PurchaseCredits = viper.GetInt64("purchase_credits")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.TokenSigningKey == "" {
		return fmt.Errorf("token signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	operationLoggers := []credits.OperationLogger{zapOperationLogger{logger: logger}}
	if cfg.KafkaBrokers != "" {
		feed := kafkafeed.New(kafkafeed.ParseBrokers(cfg.KafkaBrokers), "", logger)
		defer func() { _ = feed.Close() }()
		operationLoggers = append(operationLoggers, feed)
	}

	service, err := credits.NewService(store, clock, credits.WithOperationLogger(credits.TeeOperationLoggers(operationLoggers...)))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	tokenVerifier, err := identity.New(identity.Config{
		SigningKey: []byte(cfg.TokenSigningKey),
		Issuer:     cfg.TokenIssuer,
	}, logger)
	if err != nil {
		return fmt.Errorf("token verifier init: %w", err)
	}

	eventVerifier, err := webhook.New([]byte(cfg.WebhookSecret), cfg.WebhookTolerance, nil)
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:         cfg.ListenAddr,
		AllowedOrigins:     httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		ConsumeCostCredits: cfg.ConsumeCost,
		PurchaseCredits:    cfg.PurchaseCredits,
	}, logger, service, tokenVerifier, eventVerifier)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	return server.Run(ctx)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (oplog zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.EventID != "" {
		fields = append(fields, zap.String("event_id", entry.EventID))
	}
	if entry.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", entry.CorrelationID))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		oplog.logger.Warn("credits operation failed", fields...)
		return
	}
	oplog.logger.Info("credits operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
