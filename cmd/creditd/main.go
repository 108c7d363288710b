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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/verseforge/creditcore/internal/httpapi"
	"github.com/verseforge/creditcore/internal/oplog"
	"github.com/verseforge/creditcore/internal/store/gormstore"
	"github.com/verseforge/creditcore/internal/store/usagestore"
	"github.com/verseforge/creditcore/internal/sweep"
	"github.com/verseforge/creditcore/pkg/credit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSigningKey        = "auth-signing-key"
	flagIssuer            = "auth-issuer"
	flagReconcileInterval = "reconcile-interval"
	flagReconcileGrace    = "reconcile-grace"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySigningKey        = "auth_signing_key"
	configKeyIssuer            = "auth_issuer"
	configKeyReconcileInterval = "reconcile_interval"
	configKeyReconcileGrace    = "reconcile_grace"

	defaultDatabaseURL = "sqlite:///tmp/creditcore.db"
	defaultListenAddr  = ":7100"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    []string
	SigningKey        string
	Issuer            string
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
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
		Short:         "Credit ledger and quota arbitration server",
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
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagSigningKey, "", "HMAC key for bearer token verification")
	cmd.Flags().String(flagIssuer, "", "expected token issuer (optional)")
	cmd.Flags().Duration(flagReconcileInterval, 5*time.Minute, "orphan sweep interval")
	cmd.Flags().Duration(flagReconcileGrace, 15*time.Minute, "pending reservation grace period")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeySigningKey:        "AUTH_SIGNING_KEY",
		configKeyIssuer:            "AUTH_ISSUER",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
		configKeyReconcileGrace:    "RECONCILE_GRACE",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySigningKey:        flagSigningKey,
		configKeyIssuer:            flagIssuer,
		configKeyReconcileInterval: flagReconcileInterval,
		configKeyReconcileGrace:    flagReconcileGrace,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.Issuer = viper.GetString(configKeyIssuer)
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	cfg.ReconcileGrace = viper.GetDuration(configKeyReconcileGrace)

	if cfg.SigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	store := gormstore.New(gormDB)
	usageStore := usagestore.New(gormDB, clock)
	directory := gormstore.NewSubscriptionDirectory(gormDB)

	ledger, err := credit.NewService(store, clock,
		credit.WithOperationLogger(oplog.New(logger.Named("ledger"))))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	tiers := credit.NewFallbackTierProvider(nil)
	checker, err := credit.NewUsageChecker(tiers, directory, usageStore)
	if err != nil {
		return fmt.Errorf("usage checker init: %w", err)
	}
	arbiter, err := credit.NewArbiter(checker, ledger)
	if err != nil {
		return fmt.Errorf("arbiter init: %w", err)
	}

	sweeper, err := sweep.New(ledger, store, logger.Named("sweep"), clock, sweep.Config{
		Interval: cfg.ReconcileInterval,
		Grace:    cfg.ReconcileGrace,
	})
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	server, err := httpapi.New(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     []byte(cfg.SigningKey),
		Issuer:         cfg.Issuer,
	}, httpapi.Deps{
		Logger:     logger.Named("http"),
		Ledger:     ledger,
		Arbiter:    arbiter,
		Usage:      usageStore,
		Store:      store,
		Directory:  directory,
		Reconciler: sweeper,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error { return server.Run(groupCtx) })
	return group.Wait()
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
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
			path = "creditcore.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	err := db.AutoMigrate(
		&gormstore.CreditBalance{},
		&gormstore.CreditTransaction{},
		&gormstore.Subscription{},
		&usagestore.UsageCounter{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
