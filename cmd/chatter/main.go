// Command chatter runs ChatterService (H): lazily-instantiated per-system
// chat relays.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jonathonfletcher/poq/internal/bootstrap"
	"github.com/jonathonfletcher/poq/internal/chatter"
)

func main() {
	proc, err := bootstrap.Start("chatter")
	if err != nil {
		slog.Error("failed to start process", "error", err)
		os.Exit(1)
	}

	svc := chatter.New(proc.Bus, proc.Telemetry)
	if err := svc.Start(proc.Ctx); err != nil {
		proc.Telemetry.Logger.Error("failed to start chatter service", "error", err)
		os.Exit(1)
	}

	proc.ServeHealth(proc.Config.GatewayHealthAddr)
	proc.Wait()

	if err := svc.Stop(context.Background()); err != nil {
		proc.Telemetry.Logger.Error("failed to stop chatter service cleanly", "error", err)
	}
	proc.Shutdown()
}
