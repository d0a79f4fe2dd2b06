package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iradwatkins/stepperslife-events-sub003/global"
	"github.com/iradwatkins/stepperslife-events-sub003/limiter"
)

const (
	envListenAddr = "LISTEN_ADDR"
	envLogLevel   = "LOG_LEVEL"
	envLogFormat  = "LOG_FORMAT"

	defaultListenAddr = ":8080"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	_ = godotenv.Load()
	setupLogging(os.Getenv(envLogLevel), os.Getenv(envLogFormat))

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("ratelimitd exited with error")
	}
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if strings.EqualFold(format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run() error {
	cfg, err := limiter.ConfigFromEnv()
	if err != nil {
		return err
	}

	gate, sel, err := cfg.Build(time.Now)
	if err != nil {
		return err
	}
	global.SetGate(gate)

	lc := global.GetLifecycle()
	if err := lc.Register(sel.Local()); err != nil {
		return err
	}
	if remote := sel.Remote(); remote != nil {
		if err := lc.Register(remote); err != nil {
			return err
		}
	}
	if err := lc.StartAll(); err != nil {
		return err
	}
	defer func() {
		if err := lc.StopAll(); err != nil {
			log.Error().Err(err).Msg("failed to stop components")
		}
	}()

	addr := os.Getenv(envListenAddr)
	if addr == "" {
		addr = defaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(gate, sel),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("storage", cfg.StorageType()).Msg("ratelimitd listening")
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
