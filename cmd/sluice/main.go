// Package main provides the entry point for the sluice database worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/sluice/cmd/sluice/config"
	"github.com/TFMV/sluice/pkg/cache"
	"github.com/TFMV/sluice/pkg/infrastructure/credentials"
	"github.com/TFMV/sluice/pkg/infrastructure/metrics"
	"github.com/TFMV/sluice/pkg/models"
	"github.com/TFMV/sluice/pkg/services"
	"github.com/TFMV/sluice/pkg/worker"

	_ "github.com/TFMV/sluice/pkg/drivers/mysql"
	_ "github.com/TFMV/sluice/pkg/drivers/postgres"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sluice",
	Short: "Sluice database worker",
	Long: `Sluice runs queries and schema introspection against PostgreSQL and
MySQL databases on behalf of a front end.

Requests and responses are exchanged as JSON lines on stdin and stdout.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker on stdin/stdout",
	Long: `Run the worker, reading one JSON request per line from stdin and writing
one JSON response per line to stdout. Logs go to stderr.

Example:
  sluice serve --config ./sluice.yaml --profile local
  echo '{"kind":"health_ping"}' | sluice serve`,
	RunE: runServe,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Open, ping and close a connection",
	Long: `Test a connection profile without keeping the connection.

Example:
  sluice test --config ./sluice.yaml --profile local
  sluice test --driver mysql --host db --user app --credential-ref app`,
	RunE: runTest,
}

var queryCmd = &cobra.Command{
	Use:   "query [sql]",
	Short: "Run one statement and print the result",
	Long: `Connect, run one statement, print the result and disconnect.

Example:
  sluice query --profile local "SELECT * FROM users"
  sluice query --profile local --format arrow "SELECT * FROM events" > events.arrow`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the schema of a database as JSON",
	RunE:  runSchema,
}

func init() {
	rootCmd.AddCommand(serveCmd, testCmd, queryCmd, schemaCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("profile", "p", "", "name of a profile from the config file")

	// Ad-hoc profile flags, used when --profile is not given
	for _, cmd := range []*cobra.Command{serveCmd, testCmd, queryCmd, schemaCmd} {
		cmd.Flags().String("driver", "", "database driver (postgres, mysql)")
		cmd.Flags().String("host", "", "database host")
		cmd.Flags().Int("port", 0, "database port")
		cmd.Flags().String("database", "", "database name")
		cmd.Flags().String("schema", "", "default schema")
		cmd.Flags().String("user", "", "database user")
		cmd.Flags().String("credential-ref", "", "credential reference resolved through the credential store")
		cmd.Flags().String("ssl-mode", "", "TLS mode")
	}

	serveCmd.Flags().Bool("metrics", false, "enable Prometheus metrics")
	serveCmd.Flags().String("metrics-address", ":9090", "metrics server address")

	queryCmd.Flags().String("format", "table", "output format (table, json, arrow)")
	queryCmd.Flags().Int("row-limit", 0, "maximum rows to return (0 uses the configured default)")
	queryCmd.Flags().Duration("timeout", 0, "statement timeout (0 uses the configured default)")
	queryCmd.Flags().Bool("explain", false, "print the plan instead of running the statement")

	schemaCmd.Flags().String("table", "", "describe a single table")

	// Bind flags to viper
	mustBind("log_level", rootCmd.PersistentFlags(), "log-level")
	mustBind("metrics.enabled", serveCmd.Flags(), "metrics")
	mustBind("metrics.address", serveCmd.Flags(), "metrics-address")

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sluice database worker\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg           *config.Config
	logger        zerolog.Logger
	collector     metrics.Collector
	metricsServer *metrics.MetricsServer
	manager       *services.ConnectionManager
	dispatcher    *services.QueryDispatcher
	introspector  *services.SchemaIntrospector
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, err := credentials.NewEnvStore(cfg.Credentials.EnvPrefix, cfg.Credentials.EnvFile)
	if err != nil {
		return nil, err
	}

	var collector metrics.Collector
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector()
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := metricsServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	} else {
		collector = metrics.NewNoOpCollector()
	}
	svcMetrics := &serviceMetricsAdapter{collector: collector}

	schemaCache := cache.DefaultConfig().WithCapacity(cfg.Schema.CacheCapacity).WithTTL(cfg.Schema.CacheTTL)

	manager := services.NewConnectionManager(
		services.ConnectionConfig{
			Pool:            cfg.ToPool(),
			ApplicationName: cfg.ApplicationName,
			SchemaCache:     schemaCache,
			PoolLogger:      logger.With().Str("component", "pool").Logger(),
		},
		store,
		newServiceLogger(logger, "connection_manager"),
		svcMetrics,
	)

	dispatcher := services.NewQueryDispatcher(
		cfg.ToDispatcher(),
		newServiceLogger(logger, "query_dispatcher"),
		svcMetrics,
	)
	manager.SetCanceler(dispatcher)

	introspector := services.NewSchemaIntrospector(
		cfg.Schema.FetchConcurrency,
		newServiceLogger(logger, "schema_introspector"),
		svcMetrics,
	)

	return &app{
		cfg:           cfg,
		logger:        logger,
		collector:     collector,
		metricsServer: metricsServer,
		manager:       manager,
		dispatcher:    dispatcher,
		introspector:  introspector,
	}, nil
}

func (a *app) close() {
	if a.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Error stopping metrics server")
	}
}

// newWorker builds the worker loop on top of the app's components.
func (a *app) newWorker() *worker.Worker {
	return worker.New(worker.Config{
		Health:          a.cfg.ToHealth(),
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	}, worker.Deps{
		Manager:       a.manager,
		Dispatcher:    a.dispatcher,
		Introspector:  a.introspector,
		Logger:        a.logger.With().Str("component", "worker").Logger(),
		Metrics:       &serviceMetricsAdapter{collector: a.collector},
		ServiceLogger: newServiceLogger(a.logger, "health_monitor"),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting sluice worker")

	a, err := newApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	defer a.close()

	// Resolve the startup profile before anything is running.
	var startup *models.ConnectionProfile
	if hasProfile(cmd) {
		p, err := resolveProfile(cmd, cfg)
		if err != nil {
			return err
		}
		startup = &p
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := a.newWorker()
	w.Start(ctx)

	out := newLineWriter(os.Stdout)
	writeDone := make(chan error, 1)
	go func() { writeDone <- out.drain(w.Responses()) }()

	if startup != nil {
		if err := w.Submit(ctx, worker.Connect("startup", *startup)); err != nil {
			return err
		}
	}

	readDone := make(chan error, 1)
	go func() { readDone <- readRequests(ctx, os.Stdin, w, out, logger) }()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)

	select {
	case <-shutdownCh:
		logger.Info().Msg("Received shutdown signal")
	case err := <-readDone:
		if err != nil {
			logger.Error().Err(err).Msg("Reading requests failed")
		} else {
			logger.Info().Msg("Input closed")
		}
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")
	w.Stop()
	if err := <-writeDone; err != nil {
		logger.Error().Err(err).Msg("Writing responses failed")
	}

	logger.Info().Msg("Worker shutdown complete")
	return nil
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	profile, err := resolveProfile(cmd, cfg)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	latency, err := a.manager.TestConnection(ctx, profile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK %s (%s)\n", profile.String(), latency.Round(time.Microsecond))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	profile, err := resolveProfile(cmd, cfg)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	render, err := renderer(format)
	if err != nil {
		return err
	}
	rowLimit, _ := cmd.Flags().GetInt("row-limit")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	explain, _ := cmd.Flags().GetBool("explain")

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := a.manager.Connect(ctx, profile)
	if err != nil {
		return err
	}
	defer a.manager.Disconnect(context.Background(), h)

	req := models.QueryRequest{
		SQL:           args[0],
		CorrelationID: "cli",
		RowLimit:      rowLimit,
		Timeout:       timeout,
	}
	var outcome <-chan services.QueryOutcome
	if explain {
		outcome = a.dispatcher.Explain(ctx, h, req)
	} else {
		outcome = a.dispatcher.Dispatch(ctx, h, req)
	}

	o := <-outcome
	if o.Err != nil {
		return o.Err
	}
	return render(cmd.OutOrStdout(), o.Result)
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	profile, err := resolveProfile(cmd, cfg)
	if err != nil {
		return err
	}
	table, _ := cmd.Flags().GetString("table")

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := a.manager.Connect(ctx, profile)
	if err != nil {
		return err
	}
	defer a.manager.Disconnect(context.Background(), h)

	if table != "" {
		info, err := a.introspector.RefreshTable(ctx, h, table)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), info)
	}

	schema, err := a.introspector.FetchSchema(ctx, h)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), schema)
}

// bootstrap loads the configuration and sets up logging.
func bootstrap(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(viper.GetViper(), file)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, setupLogging(cfg.LogLevel), nil
}

func hasProfile(cmd *cobra.Command) bool {
	name, _ := cmd.Flags().GetString("profile")
	driver, _ := cmd.Flags().GetString("driver")
	return name != "" || driver != ""
}

// resolveProfile returns the --profile entry of the config, or a profile
// built from the ad-hoc flags.
func resolveProfile(cmd *cobra.Command, cfg *config.Config) (models.ConnectionProfile, error) {
	if name, _ := cmd.Flags().GetString("profile"); name != "" {
		return cfg.Profile(name)
	}

	flags := cmd.Flags()
	driver, _ := flags.GetString("driver")
	kind, err := models.ParseDriverKind(driver)
	if err != nil {
		return models.ConnectionProfile{}, fmt.Errorf("either --profile or --driver is required: %w", err)
	}

	p := models.ConnectionProfile{Name: "cli", Driver: kind}
	p.Host, _ = flags.GetString("host")
	p.Port, _ = flags.GetInt("port")
	p.Database, _ = flags.GetString("database")
	p.Schema, _ = flags.GetString("schema")
	p.User, _ = flags.GetString("user")
	p.CredentialRef, _ = flags.GetString("credential-ref")
	p.SSLMode, _ = flags.GetString("ssl-mode")

	if err := p.Validate(); err != nil {
		return models.ConnectionProfile{}, err
	}
	return p, nil
}

func setupLogging(level string) zerolog.Logger {
	// Configure zerolog
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	// stdout carries the response stream
	logger := zerolog.New(os.Stderr).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "sluice")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
