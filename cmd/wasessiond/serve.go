package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reaje/whatsapp-microservice/internal/config"
	"github.com/reaje/whatsapp-microservice/internal/logging"
	"github.com/reaje/whatsapp-microservice/internal/metrics"
)

func runServe(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.ConfigureRuntime()
	if !logging.SetLevel(loaded.Log.Level) {
		logger.Warn().Str("level", loaded.Log.Level).Msg("unknown log level; keeping default")
	}
	for _, w := range loaded.Warnings {
		logger.Warn().Msg(w)
	}
	metrics.RegisterMetrics()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(loaded.Config, logger)
	if err != nil {
		return err
	}
	a.start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", a.server.Addr).Msg("http server listening")
		serveErr <- a.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), loaded.Server.ShutdownTimeout.Std())
	defer cancel()
	return errors.Join(runErr, a.shutdown(shutdownCtx))
}
