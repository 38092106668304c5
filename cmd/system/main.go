// Command system runs SystemService (Y): the universe topology and
// per-system presence owner.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jonathonfletcher/poq/internal/bootstrap"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/system"
)

func main() {
	proc, err := bootstrap.Start("system")
	if err != nil {
		slog.Error("failed to start process", "error", err)
		os.Exit(1)
	}

	universe, err := catalog.LoadUniverse(proc.Config.UniversePath)
	if err != nil {
		proc.Telemetry.Logger.Error("failed to load universe", "error", err)
		os.Exit(1)
	}

	svc := system.New(proc.Bus, proc.Telemetry, universe)
	if err := svc.Start(proc.Ctx); err != nil {
		proc.Telemetry.Logger.Error("failed to start system service", "error", err)
		os.Exit(1)
	}

	proc.ServeHealth(proc.Config.GatewayHealthAddr)
	proc.Wait()

	if err := svc.Stop(context.Background()); err != nil {
		proc.Telemetry.Logger.Error("failed to stop system service cleanly", "error", err)
	}
	proc.Shutdown()
}
