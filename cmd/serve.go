package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Nomadcxx/floyd-bridge/pkg/config"
	"github.com/Nomadcxx/floyd-bridge/pkg/executor"
	"github.com/Nomadcxx/floyd-bridge/pkg/rpc"
	"github.com/Nomadcxx/floyd-bridge/pkg/telemetry"
)

const bridgeVersion = "1.0.0"

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	Long: `Start the bridge server that accepts local JSON-RPC-over-WebSocket
clients and dispatches their tool calls to the local executor.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("base-port", "p", 4000, "First port to try binding")
	serveCmd.Flags().Int("max-port-attempts", 10, "Number of ports to try from base-port")
	serveCmd.Flags().Bool("enable-telemetry", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().String("otel-endpoint", "", "OpenTelemetry endpoint (if empty, uses auto-export)")

	_ = viper.BindPFlag("bridge.base_port", serveCmd.Flags().Lookup("base-port"))
	_ = viper.BindPFlag("bridge.max_port_attempts", serveCmd.Flags().Lookup("max-port-attempts"))
	_ = viper.BindPFlag("telemetry.enabled", serveCmd.Flags().Lookup("enable-telemetry"))
	_ = viper.BindPFlag("telemetry.endpoint", serveCmd.Flags().Lookup("otel-endpoint"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Telemetry.Enabled {
		logger.Info("Initializing OpenTelemetry")
		cleanup, err := telemetry.Initialize(bridgeVersion)
		if err != nil {
			logger.Warnf("Failed to initialize telemetry: %v", err)
		} else {
			defer cleanup()
		}
	}

	exec := executor.New(logger)
	srv := rpc.NewServer(rpc.ServerConfig{Name: "floyd-bridge", Version: bridgeVersion}, exec, logger)

	port, err := srv.Start(cfg.Bridge.BasePort, cfg.Bridge.MaxPortAttempts)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Infof("Bridge server ready on ws://127.0.0.1:%d/", port)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt

	logger.Infof("Received signal %v, shutting down...", sig)
	srv.Stop()
	return nil
}
