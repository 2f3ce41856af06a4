package command

import (
	"cloud.google.com/go/compute/metadata"
	"fmt"
	"github.com/blendle/zapdriver"
	"github.com/cirruslabs/termdesk/internal/config"
	"github.com/cirruslabs/termdesk/internal/server"
	"github.com/cirruslabs/termdesk/internal/store"
	"github.com/cirruslabs/termdesk/pkg/shell"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"strings"
)

var configPath string
var logLevel string
var serverAddress string
var allowedOrigins []string
var databasePath string
var shellCommand string

func serve(cmd *cobra.Command, args []string) (err error) {
	settings, err := resolveSettings(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(settings)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	var sessionStore store.Store

	if settings.DatabasePath != "" {
		sqliteStore, err := store.OpenSQLite(cmd.Context(), settings.DatabasePath)
		if err != nil {
			return err
		}
		sessionStore = sqliteStore

		logger.Info("persisting session records", zap.String("path", settings.DatabasePath))
	} else {
		sessionStore = store.NewMemory()
	}
	defer func() {
		if closeErr := sessionStore.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	shellArgv, err := settings.ShellArgv()
	if err != nil {
		return err
	}

	shellOpts := []shell.Option{
		shell.WithDrainWindow(settings.DrainWindow),
		shell.WithPollInterval(settings.DrainPollInterval),
	}
	if len(shellArgv) != 0 {
		shellOpts = append(shellOpts, shell.WithCommand(shellArgv))
	}

	termdeskServer, err := server.New(
		server.WithLogger(logger),
		server.WithServerAddress(settings.Listen),
		server.WithAllowedOrigins(settings.AllowedOrigins),
		server.WithStore(sessionStore),
		server.WithShellOptions(shellOpts...),
		server.WithMessageRate(settings.MessageRate, settings.MessageBurst),
		server.WithRecordRetention(settings.RecordRetention, settings.JanitorSchedule),
		server.WithGCPProjectID(settings.GCPProjectID),
	)
	if err != nil {
		return err
	}

	return termdeskServer.Run(cmd.Context())
}

// resolveSettings applies the explicitly specified flags on top of the configuration
// file and the environment.
func resolveSettings(cmd *cobra.Command) (config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return settings, err
	}

	flags := cmd.Flags()

	if flags.Changed("log-level") {
		settings.LogLevel = logLevel
	}
	if flags.Changed("listen") {
		settings.Listen = serverAddress
	}
	if flags.Changed("allowed-origins") {
		settings.AllowedOrigins = allowedOrigins
	}
	if flags.Changed("database") {
		settings.DatabasePath = databasePath
	}
	if flags.Changed("shell") {
		settings.ShellCommand = shellCommand
	}

	// GCP project ID is auto-detected when running on GCP
	if settings.GCPProjectID == "" && metadata.OnGCE() {
		projectID, err := metadata.ProjectID()
		if err != nil {
			return settings, fmt.Errorf("failed to determine GCP project ID: %w", err)
		}
		settings.GCPProjectID = projectID
	}

	return settings, settings.Validate()
}

func newLogger(settings config.Settings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}

	var zapConfig zap.Config

	// Cloud Logging understands zapdriver's format
	if settings.GCPProjectID != "" {
		zapConfig = zapdriver.NewProductionConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if settings.GCPProjectID != "" {
		return zapConfig.Build(zapdriver.WrapCore(zapdriver.ReportAllErrors(true),
			zapdriver.ServiceName("termdesk")))
	}

	return zapConfig.Build()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the termdesk server with WebSocket sessions, REST API and gRPC session service",
		RunE:  serve,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML configuration file")

	var logLevelNames []string
	for _, level := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel,
		zapcore.ErrorLevel} {
		logLevelNames = append(logLevelNames, level.String())
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		fmt.Sprintf("logging level (possible levels: %s)", strings.Join(logLevelNames, ", ")))

	cmd.PersistentFlags().StringVarP(&serverAddress, "listen", "l", config.Defaults().Listen,
		"address to listen on")

	cmd.PersistentFlags().StringSliceVar(&allowedOrigins, "allowed-origins", []string{},
		"a list comma-separated origins that are allowed to open sessions and use the REST API "+
			"(all origins are allowed when empty)")

	cmd.PersistentFlags().StringVar(&databasePath, "database", "",
		"path to a SQLite database for session records (records are kept in memory when empty)")

	cmd.PersistentFlags().StringVar(&shellCommand, "shell", "",
		"shell command line to spawn for each session (auto-detected when empty)")

	return cmd
}
