package main

import (
	"context"
	"fmt"
	"time"

	"github.com/decro-app/decro-sync/internal/auth"
	"github.com/decro-app/decro-sync/internal/config"
	"github.com/decro-app/decro-sync/internal/directory"
	"github.com/decro-app/decro-sync/internal/feedsync"
	"github.com/decro-app/decro-sync/internal/localstore"
	"github.com/decro-app/decro-sync/internal/logging"
	"github.com/decro-app/decro-sync/internal/observability"
	"github.com/decro-app/decro-sync/internal/remote"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	gatewayTokenIssuer   = "decro-sync"
	gatewayTokenAudience = "authenticated"
	shutdownTimeout      = 5 * time.Second
)

type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	store     *localstore.Store
	directory *directory.Service
	engine    *feedsync.Engine
	cookies   *auth.SessionValidator
	closers   []func()
}

// engineSessions exposes the engine's current identity to the gateway token
// issuer, so REST calls carry the signed-in user as subject.
type engineSessions struct {
	engine *feedsync.Engine
}

func (s *engineSessions) GetSession(context.Context) (*auth.Session, error) {
	if s.engine == nil {
		return nil, nil
	}
	return s.engine.Session(), nil
}

func buildApplication(ctx context.Context, configViper *viper.Viper) (*application, error) {
	appConfig, err := config.Load(configViper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}
	app.closers = append(app.closers, func() { _ = logger.Sync() })

	shutdownTracing, err := observability.SetupOTel(ctx, appConfig.OTEL, version)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("tracing setup: %w", err)
	}
	app.closers = append(app.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("trace exporter shutdown failed", zap.Error(err))
		}
	})

	store, err := localstore.Open(localstore.Config{Path: appConfig.DatabasePath, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.store = store
	app.closers = append(app.closers, func() { _ = store.Close() })

	var validator *auth.SessionValidator
	if appConfig.Session.SigningSecret != "" {
		validator, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.Session.SigningSecret),
			Issuer:        appConfig.Session.Issuer,
			CookieName:    appConfig.Session.CookieName,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.cookies = validator
	}

	sessionsForTokens := &engineSessions{}
	gateway, closeGateway, err := openGateway(ctx, appConfig.Remote, sessionsForTokens, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closeGateway)

	names, err := directory.NewService(directory.ServiceConfig{Gateway: gateway, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.directory = names

	sessionProvider, err := sessionProviderFor(appConfig.Session, validator, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	metrics, err := feedsync.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		app.Close()
		return nil, err
	}

	engine, err := feedsync.NewEngine(feedsync.EngineConfig{
		Store:       store,
		Gateway:     gateway,
		Names:       names,
		Sessions:    sessionProvider,
		Metrics:     metrics,
		Logger:      logger,
		Interval:    appConfig.Sync.Interval,
		BatchSize:   appConfig.Sync.BatchSize,
		FeedLimit:   appConfig.Sync.FeedLimit,
		MaxAttempts: appConfig.Sync.MaxAttempts,
		SourceID:    appConfig.Sync.SourceID,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	sessionsForTokens.engine = engine
	app.engine = engine
	return app, nil
}

// Close releases resources in reverse order of acquisition.
func (a *application) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
	a.closers = nil
}

func openGateway(ctx context.Context, cfg config.RemoteConfig, sessions auth.SessionProvider, logger *zap.Logger) (remote.Gateway, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgREST:
		var tokens remote.TokenSource
		if cfg.JWTSecret != "" {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(cfg.JWTSecret),
				Issuer:        gatewayTokenIssuer,
				Audience:      gatewayTokenAudience,
				Role:          cfg.Role,
				Sessions:      sessions,
			})
			if err != nil {
				return nil, nil, err
			}
			tokens = issuer
		}
		gateway, err := remote.NewPostgRESTGateway(remote.PostgRESTConfig{
			BaseURL:           cfg.URL,
			APIKey:            cfg.APIKey,
			Tokens:            tokens,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RateRPS,
			Logger:            logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return gateway, func() {}, nil
	case config.DriverPostgres:
		gateway, err := remote.NewPostgresGateway(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return gateway, gateway.Close, nil
	case config.DriverMemory:
		logger.Warn("using in-memory remote; writes are lost on exit")
		return remote.NewMemoryGateway(remote.MemoryGatewayConfig{}), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("remote driver %q is not supported", cfg.Driver)
	}
}

// sessionProviderFor resolves the identity source for the engine: a held
// session token validated on each lookup, or nobody signed in.
func sessionProviderFor(cfg config.SessionConfig, validator *auth.SessionValidator, logger *zap.Logger) (auth.SessionProvider, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	if validator == nil {
		return nil, fmt.Errorf("session.signing_secret is required to validate session.token")
	}
	holder := &auth.MutableTokenHolder{}
	holder.Set(cfg.Token)
	return auth.NewTokenSessionProvider(validator, holder.Supply, logger)
}
