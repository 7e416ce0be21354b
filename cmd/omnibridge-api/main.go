package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/accounts"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/config"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/connectors"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/database"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/search"
	"github.com/MarcoPoloResearchLab/omnibridge/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "omnibridge-api",
		Short: "OmniBridge account linking and search backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Credential store backend (memory, sqlite)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("connector-timeout-ms", defaults.GetInt("search.connector_timeout_ms"), "Per-connector search timeout in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "search.connector_timeout_ms", "connector-timeout-ms")
	bindFlag(cmd, "log.level", "log-level")
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

// newTokenCommand mints a bearer token for an identity using the configured signing secret.
func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <email>",
		Short: "Print a bearer token for the given identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return err
		},
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

// openStore returns the credential store for the configured backend and a cleanup func.
func openStore(appConfig config.AppConfig, logger *zap.Logger) (accounts.Store, func(), error) {
	if appConfig.StoreBackend == config.StoreBackendMemory {
		return accounts.NewMemoryStore(), func() {}, nil
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	sqlStore, err := accounts.NewSQLStore(db)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if appConfig.CacheTTL <= 0 {
		return sqlStore, func() { sqlDB.Close() }, nil
	}

	cached, err := accounts.NewCachedStore(accounts.CachedStoreConfig{
		Backing:    sqlStore,
		TTL:        appConfig.CacheTTL,
		MaxEntries: appConfig.CacheMaxCost,
	})
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return cached, func() {
		cached.Close()
		sqlDB.Close()
	}, nil
}

func newRegistry(appConfig config.AppConfig, store accounts.Store, logger *zap.Logger) (*search.Registry, error) {
	gmail, err := connectors.NewGmailConnector(connectors.GmailConfig{
		Accounts:   store,
		API:        connectors.NewGmailHTTPClient(appConfig.GmailBaseURL, nil),
		MaxResults: appConfig.GoogleMaxResults,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	drive, err := connectors.NewDriveConnector(connectors.DriveConfig{
		Accounts:   store,
		API:        connectors.NewDriveHTTPClient(appConfig.DriveBaseURL, nil),
		MaxResults: appConfig.GoogleMaxResults,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	registry := search.NewRegistry()
	for _, connector := range []connectors.Connector{gmail, drive} {
		if err := registry.Register(connector); err != nil {
			return nil, err
		}
	}
	return registry, nil
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

	store, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokenManager, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Store:  store,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	registry, err := newRegistry(appConfig, store, logger)
	if err != nil {
		return err
	}

	metrics, err := search.NewMetrics(nil)
	if err != nil {
		return err
	}
	aggregator, err := search.NewAggregator(search.AggregatorConfig{
		Registry:         registry,
		ConnectorTimeout: appConfig.ConnectorTimeout,
		MaxParallel:      appConfig.MaxParallel,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:       tokenManager,
		AccountsService:    accountsService,
		Registry:           registry,
		Aggregator:         aggregator,
		AllowTokenIssuance: appConfig.AllowTokenIssuance,
		AllowedOrigins:     appConfig.AllowedOrigins,
		Logger:             logger,
	})
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend),
			zap.Strings("sources", registry.Names()))
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
