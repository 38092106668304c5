// Command gateway runs Gateway (G): the single bus-facing gRPC front
// door external clients connect through.
package main

import (
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"

	"github.com/jonathonfletcher/poq/internal/bootstrap"
	"github.com/jonathonfletcher/poq/internal/gateway"
)

func main() {
	proc, err := bootstrap.Start("gateway")
	if err != nil {
		slog.Error("failed to start process", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", proc.Config.GatewayAddr)
	if err != nil {
		proc.Telemetry.Logger.Error("failed to listen", "addr", proc.Config.GatewayAddr, "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	translator := gateway.NewTranslator(proc.Bus, proc.Telemetry)
	gateway.RegisterServer(grpcServer, translator)

	go func() {
		proc.Telemetry.Logger.Info("gateway listening", "addr", proc.Config.GatewayAddr)
		if err := grpcServer.Serve(lis); err != nil {
			proc.Telemetry.Logger.Error("gateway server failed", "error", err)
		}
	}()

	proc.ServeHealth(proc.Config.GatewayHealthAddr)
	proc.Wait()

	grpcServer.GracefulStop()
	proc.Shutdown()
}
