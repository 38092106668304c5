// Command character runs CharacterService (C): the character roster and
// login/logout state owner.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jonathonfletcher/poq/internal/bootstrap"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/character"
)

func main() {
	proc, err := bootstrap.Start("character")
	if err != nil {
		slog.Error("failed to start process", "error", err)
		os.Exit(1)
	}

	characters, err := catalog.LoadCharacters(proc.Config.CharactersPath)
	if err != nil {
		proc.Telemetry.Logger.Error("failed to load characters", "error", err)
		os.Exit(1)
	}

	svc := character.New(proc.Bus, proc.Telemetry, characters)
	if err := svc.Start(proc.Ctx); err != nil {
		proc.Telemetry.Logger.Error("failed to start character service", "error", err)
		os.Exit(1)
	}

	proc.ServeHealth(proc.Config.GatewayHealthAddr)
	proc.Wait()

	if err := svc.Stop(context.Background()); err != nil {
		proc.Telemetry.Logger.Error("failed to stop character service cleanly", "error", err)
	}
	proc.Shutdown()
}
