// Command esignd runs the document signing service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docsuite/esign/api"
	"github.com/docsuite/esign/audit"
	"github.com/docsuite/esign/config"
	"github.com/docsuite/esign/provider"
	"github.com/docsuite/esign/session"
	"github.com/docsuite/esign/signing"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
		dsn        = flag.String("session-dsn", "", "PostgreSQL connection string for the OAuth session store (overrides config)")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "esignd: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Listen = *addr
	}
	if *dsn != "" {
		cfg.Session.PostgresDSN = *dsn
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := buildLogger(cfg.Logging)

	// Session store
	var sessions session.Store
	if cfg.Session.PostgresDSN != "" {
		pgStore, err := session.Connect(context.Background(), cfg.Session.PostgresDSN)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		if err := pgStore.Migrate(context.Background()); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		sessions = pgStore
		logger.Info("using PostgreSQL session store")
	} else {
		memStore := session.NewMemoryStore()
		memStore.StartJanitor(cfg.Session.JanitorInterval.Std())
		sessions = memStore
		logger.Info("using in-memory session store (states will not survive restarts)")
	}
	defer sessions.Close()

	// Audit publisher
	publisher, err := buildPublisher(cfg.Audit)
	if err != nil {
		logger.Error("failed to configure audit publisher", "error", err)
		os.Exit(1)
	}

	orch := signing.NewOrchestrator(logger, publisher, buildProviders(cfg.Providers, logger)...)
	jobs := signing.NewJobs(orch, logger, cfg.Jobs.Retention.Std())

	srv := api.NewServer(api.Config{
		Addr:           cfg.Server.Listen,
		ReadTimeout:    cfg.Server.ReadTimeout.Std(),
		WriteTimeout:   cfg.Server.WriteTimeout.Std(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ClientRedirect: cfg.Server.ClientRedirectURL,
		SessionTTL:     cfg.Session.TTL.Std(),
	}, orch, jobs, sessions, publisher, logger)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	fmt.Fprintf(os.Stderr, "esignd %s (%s) listening on %s\n", version, commit, cfg.Server.Listen)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func buildPublisher(cfg config.AuditConfig) (audit.Publisher, error) {
	if cfg.Mode != "kafka" {
		return audit.NewNoopPublisher(), nil
	}
	return audit.NewKafkaPublisher(audit.KafkaConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
	})
}

// buildProviders registers every method whose configuration is present. The
// certificate method has no external dependency and is always on.
func buildProviders(cfg config.ProvidersConfig, logger *slog.Logger) []provider.Provider {
	providers := []provider.Provider{provider.NewLocalCertificate()}

	if cfg.Card.Endpoint != "" {
		providers = append(providers, provider.NewCard(cfg.Card.Endpoint))
		logger.Info("card method enabled", "endpoint", cfg.Card.Endpoint)
	}

	if cfg.Itsme.Configured() {
		providers = append(providers, provider.NewSyncOAuth(provider.OAuthConfig{
			ClientID:     cfg.Itsme.ClientID,
			ClientSecret: cfg.Itsme.ClientSecret,
			AuthorizeURL: cfg.Itsme.AuthorizeURL,
			TokenURL:     cfg.Itsme.TokenURL,
			RedirectURI:  cfg.Itsme.RedirectURI,
			Scope:        cfg.Itsme.Scope,
		}, cfg.Itsme.UserinfoURL, cfg.Itsme.SignURL))
		logger.Info("itsme method enabled")
	}

	if cfg.CSAM.Configured() {
		p := provider.NewPollingOAuth(provider.OAuthConfig{
			ClientID:     cfg.CSAM.ClientID,
			ClientSecret: cfg.CSAM.ClientSecret,
			AuthorizeURL: cfg.CSAM.AuthorizeURL,
			TokenURL:     cfg.CSAM.TokenURL,
			RedirectURI:  cfg.CSAM.RedirectURI,
			Scope:        cfg.CSAM.Scope,
		}, cfg.CSAM.BaseURL)
		p.Interval = cfg.CSAM.PollInterval.Std()
		p.MaxAttempts = cfg.CSAM.MaxPollAttempts
		providers = append(providers, p)
		logger.Info("csam method enabled")
	}

	return providers
}
