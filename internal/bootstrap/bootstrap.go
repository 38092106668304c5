// Package bootstrap holds the startup/shutdown sequence shared by every
// cmd/* process: load .env, load config, build a logger, connect to the
// bus, serve the health admin mux, and wait for a shutdown signal. This
// mirrors ashureev-shsh-labs/cmd/server/main.go's sequence, generalized
// so each of the five backplane processes doesn't repeat it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/config"
	"github.com/jonathonfletcher/poq/internal/health"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

// Process bundles what every cmd/* main needs: a resolved config, a
// connected bus client, a telemetry handle, and a context cancelled on
// SIGINT/SIGTERM.
type Process struct {
	Ctx       context.Context
	Stop      context.CancelFunc
	Config    *config.Config
	Bus       bus.Client
	Telemetry telemetry.Handle

	name       string
	healthAddr string
	healthSrv  *http.Server
}

// Start runs the shared boot sequence: build a slog JSON logger, load
// .env (best effort), load config, and connect the bus. It does not bind
// the health admin mux; ServeHealth does that. name identifies the
// process in logs and on /healthz.
func Start(name string) (*Process, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	handle := telemetry.New(logger.With("service", name), nil)

	client := bus.NewNATSClient(bus.Config{URL: cfg.NATSEndpoint, Name: cfg.NATSName + "-" + name}, handle)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := client.Start(ctx); err != nil {
		stop()
		return nil, fmt.Errorf("bootstrap: connect bus: %w", err)
	}

	p := &Process{
		Ctx:        ctx,
		Stop:       stop,
		Config:     cfg,
		Bus:        client,
		Telemetry:  handle,
		name:       name,
		healthAddr: cfg.GatewayHealthAddr,
	}
	return p, nil
}

// ServeHealth binds the /healthz and /readyz mux on addr (falling back to
// the config's default health address if addr is empty) and serves it in
// the background until the process context is cancelled.
func (p *Process) ServeHealth(addr string) {
	if addr == "" {
		addr = p.healthAddr
	}
	h := health.New(p.Bus, p.name, p.Config.AdminAllowedOrigins)
	p.healthSrv = &http.Server{Addr: addr, Handler: h.Mux()}

	go func() {
		if err := p.healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.Telemetry.Logger.Error("health server failed", "error", err)
		}
	}()
	p.Telemetry.Logger.Info("health server listening", "addr", addr)
}

// Wait blocks until the process context is cancelled. Callers must stop
// their own service (which still needs a live bus connection to
// unsubscribe) before calling Shutdown.
func (p *Process) Wait() {
	<-p.Ctx.Done()
	p.Stop()
}

// Shutdown stops the health server and the bus connection with a bounded
// timeout. Call this after the owning service has finished unwinding its
// own subscriptions.
func (p *Process) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.healthSrv != nil {
		_ = p.healthSrv.Shutdown(shutdownCtx)
	}
	_ = p.Bus.Stop(shutdownCtx)
}
