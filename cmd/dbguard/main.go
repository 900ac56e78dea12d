// Command dbguard runs the resilience layer against a MySQL pool and serves
// its health, metrics and debug endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/jonwraymond/dbguard/config"
	"github.com/jonwraymond/dbguard/observe"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "dbguard: load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dbguard: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	obs, err := observe.NewObserver(ctx, cfg.Observe.Observe())
	if err != nil {
		return fmt.Errorf("observer: %w", err)
	}
	logger := obs.Logger()
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, obs)
	if err != nil {
		_ = obs.Shutdown(context.Background())
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		_ = obs.Shutdown(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "http server listening", observe.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = obs.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(
		srv.Shutdown(shutdownCtx),
		obs.Shutdown(shutdownCtx),
	)
}
