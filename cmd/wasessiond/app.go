package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/reaje/whatsapp-microservice/internal/api"
	"github.com/reaje/whatsapp-microservice/internal/config"
	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/provider"
	"github.com/reaje/whatsapp-microservice/internal/provider/businessapi"
	"github.com/reaje/whatsapp-microservice/internal/provider/embedded"
	"github.com/reaje/whatsapp-microservice/internal/provider/process"
	"github.com/reaje/whatsapp-microservice/internal/service"
	"github.com/reaje/whatsapp-microservice/internal/session"
	"github.com/reaje/whatsapp-microservice/internal/storage"
	"github.com/reaje/whatsapp-microservice/internal/supervisor"
	"github.com/reaje/whatsapp-microservice/internal/transport"
	"github.com/reaje/whatsapp-microservice/internal/transport/bridge"
	"github.com/reaje/whatsapp-microservice/internal/transport/whatsmeow"
)

const (
	broadcastBuffer   = 256
	readHeaderTimeout = 10 * time.Second
	// supervisorStopMargin is added to the runtime's stop timeout when
	// waiting for the supervisor to finish its SIGTERM then SIGKILL sequence.
	supervisorStopMargin = 5 * time.Second
)

// app holds every long-lived component of a running server.
type app struct {
	cfg         config.Config
	logger      zerolog.Logger
	store       *storage.FileCredentialStore
	directory   *storage.ProviderDirectory
	broadcaster *service.EventBroadcaster
	supervisor  *supervisor.Supervisor
	sessions    *service.SessionService
	handler     *api.Handler
	server      *http.Server
}

func newApp(cfg config.Config, logger zerolog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewFileCredentialStore(filepath.Join(cfg.Storage.DataDir, "sessions"))
	if err != nil {
		return nil, err
	}
	directory, err := storage.NewProviderDirectory(cfg.TenantsPath(), domain.ProviderKind(cfg.Providers.DefaultKind), logger.With().Str("component", "tenants").Logger())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		directory:   directory,
		broadcaster: service.NewEventBroadcaster(broadcastBuffer),
	}

	registry := provider.NewRegistry()
	if cfg.EmbeddedEnabled() {
		p, err := a.embeddedProvider()
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	} else {
		registry.Register(provider.NewUnavailable(domain.ProviderEmbedded, "embedded provider is disabled"))
	}
	if cfg.BusinessAPIEnabled() {
		registry.Register(a.businessProvider())
	} else {
		registry.Register(provider.NewUnavailable(domain.ProviderBusinessAPI, "business api provider is disabled"))
	}

	a.sessions = service.NewSessionService(registry, directory, logger)

	apiCfg := api.Config{
		Sessions:    a.sessions,
		Broadcaster: a.broadcaster,
		Logger:      logger,
	}
	if a.supervisor != nil {
		apiCfg.Supervisor = a.supervisor
	}
	a.handler = api.NewHandler(apiCfg)
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

func (a *app) sessionConfig(kind domain.ProviderKind, dialer transport.Dialer) session.Config {
	s := a.cfg.Session
	return session.Config{
		Provider:    kind,
		Dialer:      dialer,
		Credentials: a.store,
		Notifier:    a.broadcaster,
		Logger:      a.logger.With().Str("provider", string(kind)).Logger(),
		Reconnect: session.ReconnectPolicy{
			Delay:       s.ReconnectDelay.Std(),
			MaxAttempts: s.ReconnectMaxAttempts,
			Multiplier:  s.ReconnectMultiplier,
			MaxDelay:    s.ReconnectMaxDelay.Std(),
		},
		TerminalCodes: s.TerminalCloseCodes,
		PairingWait:   s.PairingWait.Std(),
	}
}

func (a *app) embeddedProvider() (provider.Provider, error) {
	ec := a.cfg.Embedded
	opts := embedded.Options{
		SendRate:  rate.Limit(ec.SendRate),
		SendBurst: ec.SendBurst,
	}

	var dialer transport.Dialer
	switch ec.Transport {
	case config.TransportBridge:
		d, err := bridge.New(bridge.Config{
			BaseURL: ec.Runtime.BridgeURL,
			Logger:  a.logger.With().Str("component", "bridge").Logger(),
		})
		if err != nil {
			return nil, err
		}
		dialer = d
		a.supervisor = a.newSupervisor()
		opts.Availability = a.supervisor.Available
	default:
		d, err := whatsmeow.New(whatsmeow.Config{
			Dirs:   a.store,
			Logger: a.logger.With().Str("component", "whatsmeow").Logger(),
		})
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	return embedded.New(session.NewManager(a.sessionConfig(domain.ProviderEmbedded, dialer)), opts), nil
}

func (a *app) newSupervisor() *supervisor.Supervisor {
	rt := a.cfg.Embedded.Runtime
	logger := a.logger.With().Str("component", "supervisor").Logger()
	launcher := supervisor.ProcessLauncher{Config: process.Config{
		Command:     rt.Command,
		Args:        rt.Args,
		WorkingDir:  rt.WorkingDir,
		Environment: rt.Env,
		Logger:      a.logger.With().Str("component", "runtime").Logger(),
	}}
	return supervisor.New(supervisor.Config{
		StartupTimeout:      rt.StartupTimeout.Std(),
		StartupPollInterval: rt.StartupPollInterval.Std(),
		HealthInterval:      rt.HealthInterval.Std(),
		HealthTimeout:       rt.HealthTimeout.Std(),
		MaxRestarts:         rt.MaxRestarts,
		RestartCooldown:     rt.RestartCooldown.Std(),
		StopTimeout:         rt.StopTimeout.Std(),
	}, launcher, supervisor.NewHTTPHealthChecker(rt.HealthURL), logger)
}

func (a *app) businessProvider() provider.Provider {
	bc := a.cfg.BusinessAPI
	sc := a.sessionConfig(domain.ProviderBusinessAPI, nil)
	return businessapi.New(businessapi.Config{
		BaseURL:          bc.BaseURL,
		APIVersion:       bc.APIVersion,
		Timeout:          bc.Timeout.Std(),
		BreakerThreshold: bc.BreakerThreshold,
		BreakerCooldown:  bc.BreakerCooldown.Std(),
		Credentials:      sc.Credentials,
		Notifier:         sc.Notifier,
		Logger:           sc.Logger,
		Reconnect:        sc.Reconnect,
		PairingWait:      sc.PairingWait,
	})
}

// start launches the background work: tenants file watching, the runtime
// supervisor and session restore. It does not start the HTTP server.
func (a *app) start(ctx context.Context) {
	go func() {
		if err := a.directory.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("tenants file watch stopped")
		}
	}()

	if a.supervisor != nil {
		a.supervisor.Start(ctx)
	}

	go a.restore(ctx)
}

// restore reconnects stored sessions once the runtime (if any) is healthy.
func (a *app) restore(ctx context.Context) {
	if a.supervisor != nil {
		if err := waitAvailable(ctx, a.supervisor.Available, a.cfg.Embedded.Runtime.StartupPollInterval.Std()); err != nil {
			a.logger.Warn().Err(err).Msg("runtime never became available; embedded sessions not restored")
		}
	}
	n, err := a.sessions.RestoreSessions(ctx, a.store)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error().Err(err).Msg("session restore failed")
		return
	}
	a.logger.Info().Int("restored", n).Msg("stored sessions restored")
}

func waitAvailable(ctx context.Context, available func() error, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := available()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrSupervisorExhausted) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// shutdown stops the HTTP server, then the sessions, then the runtime.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	a.handler.Close()
	if err := a.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if a.supervisor != nil {
		if err := a.stopSupervisor(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
	}
	return errors.Join(errs...)
}

// stopSupervisor gives the runtime its full stop timeout even when the
// earlier shutdown steps used up ctx, so the child is never left running.
func (a *app) stopSupervisor(ctx context.Context) error {
	budget := a.cfg.Embedded.Runtime.StopTimeout.Std() + supervisorStopMargin
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()
	return a.supervisor.Stop(stopCtx)
}
