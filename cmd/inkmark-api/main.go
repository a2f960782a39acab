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

	"github.com/inkmarklab/inkmark/internal/compose"
	"github.com/inkmarklab/inkmark/internal/config"
	"github.com/inkmarklab/inkmark/internal/database"
	"github.com/inkmarklab/inkmark/internal/docservice"
	"github.com/inkmarklab/inkmark/internal/grading"
	"github.com/inkmarklab/inkmark/internal/logging"
	"github.com/inkmarklab/inkmark/internal/overlay"
	"github.com/inkmarklab/inkmark/internal/pageindex"
	"github.com/inkmarklab/inkmark/internal/pdfconv"
	"github.com/inkmarklab/inkmark/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkmark-api",
		Short: "Inkmark feedback annotation service",
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
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("stamps-dir", defaults.GetString("stamps.dir"), "Directory with stamp image assets")
	cmd.PersistentFlags().Duration("generation-timeout", defaults.GetDuration("generation.timeout"), "Per-request document generation timeout")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "stamps.dir", "stamps-dir")
	bindFlag(cmd, "generation.timeout", "generation-timeout")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	overlayStore, err := overlay.NewStore(overlay.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	gradingStore, err := grading.NewStore(grading.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	converter := pdfconv.NewConverter(pdfconv.ConverterConfig{Logger: logger})
	pages := pageindex.NewIndex(pageindex.IndexConfig{Logger: logger})
	pages.Register(pdfconv.MimeTypePDF, converter)

	composer, err := compose.NewComposer(compose.ComposerConfig{
		Converter: converter,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	documents, err := docservice.NewService(docservice.ServiceConfig{
		Overlays:   overlayStore,
		Grades:     gradingStore,
		Pages:      pages,
		Composer:   composer,
		IDProvider: docservice.NewUUIDProvider(),
		StampsDir:  appConfig.StampsDir,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Documents: documents,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         appConfig.HTTPAddress,
		Handler:      http.TimeoutHandler(handler, appConfig.GenerationTimeout, "request timed out"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: appConfig.GenerationTimeout + 10*time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
