package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/daniwesttech/mpesa-server/internal/config"
	"github.com/daniwesttech/mpesa-server/pkg/mpesaserver"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	// .env is optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	app, err := mpesaserver.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		os.Exit(1)
	}

	log := app.Logger()

	ln, err := listenWithRetry(cfg.Server.Address, cfg.Server.PortRetryAttempts)
	if err != nil {
		log.Error().Err(err).Msg("main.listen_failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Server().Serve(ln)
	}()

	log.Info().
		Str("address", ln.Addr().String()).
		Str("route_prefix", cfg.Server.RoutePrefix).
		Str("environment", cfg.Daraja.Environment).
		Str("storage_backend", cfg.Storage.Backend).
		Msg("main.server_started")

	select {
	case <-ctx.Done():
		log.Info().Msg("main.shutdown_signal_received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("main.server_failed")
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("main.shutdown_incomplete")
		os.Exit(1)
	}

	log.Info().Msg("main.shutdown_complete")
}

// listenWithRetry binds the configured address, walking up the port number
// when it is taken. Useful in development where a previous run may still
// hold the port.
func listenWithRetry(address string, attempts int) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err == nil || attempts <= 0 {
		return ln, err
	}

	host, portStr, splitErr := net.SplitHostPort(address)
	if splitErr != nil {
		return nil, err
	}
	port, convErr := strconv.Atoi(portStr)
	if convErr != nil {
		return nil, err
	}

	for i := 1; i <= attempts; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, retryErr := net.Listen("tcp", candidate)
		if retryErr == nil {
			return ln, nil
		}
		err = retryErr
	}

	return nil, fmt.Errorf("no free port after %d attempts from %s: %w", attempts, address, err)
}
