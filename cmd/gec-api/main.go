package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/neurotatarlar/gec-annotation-platform/internal/archive"
	"github.com/neurotatarlar/gec-annotation-platform/internal/auth"
	"github.com/neurotatarlar/gec-annotation-platform/internal/config"
	"github.com/neurotatarlar/gec-annotation-platform/internal/database"
	"github.com/neurotatarlar/gec-annotation-platform/internal/logging"
	"github.com/neurotatarlar/gec-annotation-platform/internal/metrics"
	"github.com/neurotatarlar/gec-annotation-platform/internal/server"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gec-api",
		Short: "Grammatical error correction annotation service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Int("lock-ttl-minutes", defaults.GetInt("assignment.lock_ttl_minutes"), "Minutes before an idle text lock expires")
	flags.Bool("shared-texts", defaults.GetBool("assignment.shared_texts"), "Keep offering texts until enough annotators submitted")
	flags.Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics at /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "assignment.lock_ttl_minutes", "lock-ttl-minutes")
	bindFlag(cmd, "assignment.shared_texts", "shared-texts")
	bindFlag(cmd, "metrics.enabled", "metrics")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	serviceConfig := texts.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		Logger:      logger,
		LockTTL:     appConfig.LockTTL,
		SharedTexts: appConfig.SharedTexts,
	}
	deps := server.Dependencies{
		SessionValidator: sessionValidator,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	}
	if appConfig.MetricsEnabled {
		recorder := metrics.NewRecorder()
		serviceConfig.Metrics = recorder
		deps.Metrics = recorder
	}

	textsService, err := texts.NewService(serviceConfig)
	if err != nil {
		return err
	}
	deps.TextsService = textsService

	if appConfig.Archive.Enabled() {
		store, err := archive.NewMinioStore(ctx, archive.MinioConfig{
			Endpoint:  appConfig.Archive.Endpoint,
			AccessKey: appConfig.Archive.AccessKey,
			SecretKey: appConfig.Archive.SecretKey,
			Bucket:    appConfig.Archive.Bucket,
			UseSSL:    appConfig.Archive.UseSSL,
		})
		if err != nil {
			return err
		}
		archiver, err := archive.New(archive.Config{Store: store, Logger: logger})
		if err != nil {
			return err
		}
		deps.Archiver = archiver
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
