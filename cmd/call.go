package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nomadcxx/floyd-bridge/pkg/config"
	"github.com/Nomadcxx/floyd-bridge/pkg/discovery"
	"github.com/Nomadcxx/floyd-bridge/pkg/rpc"
)

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Call a tool on a running bridge peer",
	Long: `Discover a bridge peer (or use --port), connect, call the named tool
once and print its result as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	callCmd.Flags().Int("port", 0, "Peer port (0 = discover)")
}

func runCall(cmd *cobra.Command, args []string) error {
	logger := GetLogger()
	toolName := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rawArgs, _ := cmd.Flags().GetString("args")
	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		probe := discovery.New(logger, cfg.Bridge.ConnectTimeout())
		result := probe.Discover(cmd.Context(), cfg.Bridge.BasePort, cfg.Bridge.MaxPortAttempts)
		if !result.Available {
			return fmt.Errorf("no peer detected after %d attempts", result.Attempts)
		}
		port = result.Port
	}

	client := rpc.NewClient(rpc.ClientConfig{
		URL:            fmt.Sprintf("ws://127.0.0.1:%d/", port),
		Name:           "floyd-bridge-cli",
		Version:        bridgeVersion,
		ConnectTimeout: cfg.Bridge.ConnectTimeout(),
		RequestTimeout: cfg.Bridge.RequestTimeout(),
	}, logger)

	if err := client.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("failed to connect to peer on port %d: %w", port, err)
	}
	defer client.Disconnect()

	start := time.Now()
	result, err := client.CallTool(cmd.Context(), toolName, toolArgs)
	if err != nil {
		return fmt.Errorf("tool call failed: %w", err)
	}
	logger.Debugf("Tool %s completed in %s", toolName, time.Since(start))

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
