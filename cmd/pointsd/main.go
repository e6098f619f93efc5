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
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/points/internal/analytics"
	"github.com/MarkoPoloResearchLab/points/internal/catalog"
	"github.com/MarkoPoloResearchLab/points/internal/convert"
	"github.com/MarkoPoloResearchLab/points/internal/httpapi"
	"github.com/MarkoPoloResearchLab/points/internal/marketplace"
	"github.com/MarkoPoloResearchLab/points/internal/missions"
	"github.com/MarkoPoloResearchLab/points/internal/notify"
	"github.com/MarkoPoloResearchLab/points/internal/refund"
	"github.com/MarkoPoloResearchLab/points/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagCatalogPath      = "catalog-path"
	flagAllowedOrigins   = "allowed-origins"
	flagPointsPerUSD     = "points-per-usd"
	flagMinimumPoints    = "minimum-points"
	flagMonthlyCapPoints = "monthly-cap-points"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyCatalogPath      = "catalog_path"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeyPointsPerUSD     = "points_per_usd"
	configKeyMinimumPoints    = "minimum_points"
	configKeyMonthlyCapPoints = "monthly_cap_points"

	defaultDatabaseURL      = "sqlite:///tmp/points.db"
	defaultHTTPListenAddr   = ":8080"
	defaultCatalogPath      = "catalog.yaml"
	defaultPointsPerUSD     = 100
	defaultMinimumPoints    = 500
	defaultMonthlyCapPoints = 10000
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	CatalogPath      string
	AllowedOrigins   string
	PointsPerUSD     int64
	MinimumPoints    int64
	MonthlyCapPoints int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pointsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Points ledger and marketplace HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagCatalogPath, defaultCatalogPath, "Path to the marketplace catalog YAML")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().Int64(flagPointsPerUSD, defaultPointsPerUSD, "Points per one USD of subscription credit")
	cmd.Flags().Int64(flagMinimumPoints, defaultMinimumPoints, "Minimum points per conversion")
	cmd.Flags().Int64(flagMonthlyCapPoints, defaultMonthlyCapPoints, "Monthly conversion cap in points")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "HTTP_LISTEN_ADDR",
		configKeyCatalogPath:      "CATALOG_PATH",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeyPointsPerUSD:     "POINTS_PER_USD",
		configKeyMinimumPoints:    "MINIMUM_POINTS",
		configKeyMonthlyCapPoints: "MONTHLY_CAP_POINTS",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyCatalogPath:      flagCatalogPath,
		configKeyAllowedOrigins:   flagAllowedOrigins,
		configKeyPointsPerUSD:     flagPointsPerUSD,
		configKeyMinimumPoints:    flagMinimumPoints,
		configKeyMonthlyCapPoints: flagMonthlyCapPoints,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.CatalogPath = viper.GetString(configKeyCatalogPath)
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = defaultCatalogPath
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.PointsPerUSD = viper.GetInt64(configKeyPointsPerUSD)
	cfg.MinimumPoints = viper.GetInt64(configKeyMinimumPoints)
	cfg.MonthlyCapPoints = viper.GetInt64(configKeyMonthlyCapPoints)
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

	productCatalog, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}
	logger.Info("catalog loaded", zap.String("path", cfg.CatalogPath), zap.Int("products", productCatalog.Len()))

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	wallClock := func() time.Time { return time.Now().UTC() }

	ledger, err := points.NewService(store, clock)
	if err != nil {
		return fmt.Errorf("points service init: %w", err)
	}

	notifier := notify.NewAsyncNotifier(notify.NewLogSink(logger), logger)
	defer notifier.Flush()

	converter, err := convert.NewEngine(ledger, convert.Policy{
		PointsPerUSD:     cfg.PointsPerUSD,
		MinimumPoints:    cfg.MinimumPoints,
		MonthlyCapPoints: cfg.MonthlyCapPoints,
	}, wallClock)
	if err != nil {
		return fmt.Errorf("conversion engine init: %w", err)
	}

	market, err := marketplace.NewOrchestrator(productCatalog, ledger, store, notifier, logger, clock)
	if err != nil {
		return fmt.Errorf("marketplace init: %w", err)
	}

	missionCalculator, err := missions.NewCalculator(ledger)
	if err != nil {
		return fmt.Errorf("missions init: %w", err)
	}

	refundProcessor, err := refund.NewProcessor(ledger)
	if err != nil {
		return fmt.Errorf("refund processor init: %w", err)
	}

	aggregator, err := analytics.NewAggregator(ledger, wallClock)
	if err != nil {
		return fmt.Errorf("analytics init: %w", err)
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}, httpapi.Services{
		Ledger:      ledger,
		Converter:   converter,
		Marketplace: market,
		Missions:    missionCalculator,
		Refunds:     refundProcessor,
		Analytics:   aggregator,
	}, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
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
			path = "points.db"
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
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
