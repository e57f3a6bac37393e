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

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/logging"
	"chatrelay/metrics"
	"chatrelay/protocol"
	"chatrelay/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Env, cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("chat relay stopped")
	}
	log.Info().Msg("chat relay stopped")
}

func run(cfg *config.Config) error {
	database, err := db.New(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer database.Close()

	authSvc := auth.NewService(database,
		auth.WithBcryptCost(cfg.BcryptCost),
		auth.WithOcidLength(cfg.OcidLength),
	)
	srv := server.New(database, authSvc, server.ConfigFrom(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	requested := make(chan string, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Port))
	})

	g.Go(func() error {
		reason := protocol.ReasonShutdown
		select {
		case <-gctx.Done():
		case reason = <-requested:
		}
		srv.Shutdown(reason)
		cancel()
		return nil
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}

	if cfg.ControlSocket != "" {
		ctl := &controller{
			stats:     srv.Stats,
			groups:    database,
			requested: requested,
		}
		g.Go(func() error { return ctl.serve(gctx, cfg.ControlSocket) })
	}

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
