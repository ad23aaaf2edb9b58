package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decro-app/decro-sync/internal/config"
	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/logging"
	"github.com/decro-app/decro-sync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "decro-sync",
		Short:         "Offline-first feed sync client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSyncCommand(), newOutboxCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "View bridge listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Local SQLite cache path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-driver", defaults.GetString("remote.driver"), "Remote driver (postgrest, postgres, memory)")
	cmd.PersistentFlags().String("remote-url", "", "Hosted REST endpoint base URL")
	cmd.PersistentFlags().String("remote-database-url", "", "Postgres connection string for the postgres driver")
	cmd.PersistentFlags().String("session-token", "", "Session token of the signed-in user")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Outbox replay interval")
	cmd.PersistentFlags().Bool("otel-enabled", defaults.GetBool("otel.enabled"), "Export traces over OTLP")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.driver", "remote-driver")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.database_url", "remote-database-url")
	bindFlag(cmd, "session.token", "session-token")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "otel.enabled", "otel-enabled")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine, replay worker and view bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Hydrate the feed and run a single outbox replay pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd)
		},
	}
}

func newOutboxCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Print pending and dead-lettered outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutbox(cmd.Context(), cmd)
		},
	}
}

func runServe(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(signalCtx, viper.GetViper())
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	if err := app.engine.RefreshSession(signalCtx); err != nil {
		logger.Warn("initial session refresh failed", zap.Error(err))
	}
	if err := app.engine.Hydrate(signalCtx); err != nil {
		logger.Warn("initial hydration failed; serving cached feed", zap.Error(err))
	}
	if err := app.engine.Start(signalCtx); err != nil {
		return err
	}
	defer app.engine.Stop()

	deps := server.Dependencies{
		Engine:      app.engine,
		Subgroups:   app.directory,
		Usernames:   app.directory,
		Logger:      logger,
		ServiceName: app.config.OTEL.ServiceName,
	}
	if app.cookies != nil {
		deps.Sessions = app.cookies
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("view bridge starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSync(ctx context.Context, cmd *cobra.Command) error {
	app, err := buildApplication(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.engine.RefreshSession(ctx); err != nil {
		app.logger.Warn("session refresh failed", zap.Error(err))
	}
	if err := app.engine.Hydrate(ctx); err != nil {
		app.logger.Warn("hydration failed; cached feed kept", zap.Error(err))
	}
	result, err := app.engine.ReplayOnce(ctx)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"posts":    len(app.engine.Posts()),
		"replay":   result,
		"volatile": app.engine.VolatilePending(),
	})
}

func runOutbox(ctx context.Context, cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := localstore.Open(localstore.Config{Path: appConfig.DatabasePath, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	pending, err := store.PendingOutbox(ctx, 0)
	if err != nil {
		return err
	}
	deadLetters, err := store.ListDeadLetters(ctx)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"pending":     pending,
		"deadLetters": deadLetters,
	})
}
