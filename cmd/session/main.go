// Command session runs SessionService (S): the per-login relay and
// one-session-per-character enforcement point.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jonathonfletcher/poq/internal/bootstrap"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/session"
)

func main() {
	proc, err := bootstrap.Start("session")
	if err != nil {
		slog.Error("failed to start process", "error", err)
		os.Exit(1)
	}

	accounts, err := catalog.LoadAccounts(proc.Config.AccountsPath)
	if err != nil {
		proc.Telemetry.Logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	svc := session.New(proc.Bus, proc.Telemetry, accounts, proc.Config.SessionPingInterval)
	if err := svc.Start(proc.Ctx); err != nil {
		proc.Telemetry.Logger.Error("failed to start session service", "error", err)
		os.Exit(1)
	}

	proc.ServeHealth(proc.Config.GatewayHealthAddr)
	proc.Wait()

	if err := svc.Stop(context.Background()); err != nil {
		proc.Telemetry.Logger.Error("failed to stop session service cleanly", "error", err)
	}
	proc.Shutdown()
}
