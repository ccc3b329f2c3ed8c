package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Nomadcxx/floyd-bridge/pkg/config"
	"github.com/Nomadcxx/floyd-bridge/pkg/discovery"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Scan for a running bridge peer",
	Long:  `Run the port-scanning discovery probe once and print the result as JSON.`,
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().IntP("base-port", "p", 4000, "First port to probe")
	probeCmd.Flags().Int("max-port-attempts", 10, "Number of ports to probe from base-port")
	probeCmd.Flags().Int("attempt-timeout-ms", 1000, "Per-port timeout in milliseconds")

	_ = viper.BindPFlag("bridge.base_port", probeCmd.Flags().Lookup("base-port"))
	_ = viper.BindPFlag("bridge.max_port_attempts", probeCmd.Flags().Lookup("max-port-attempts"))
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	timeoutMs, _ := cmd.Flags().GetInt("attempt-timeout-ms")
	probe := discovery.New(logger, time.Duration(timeoutMs)*time.Millisecond)

	result := probe.Discover(cmd.Context(), cfg.Bridge.BasePort, cfg.Bridge.MaxPortAttempts)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Available {
		return fmt.Errorf("no peer detected after %d attempts", result.Attempts)
	}
	return nil
}
