// Command galaxy is a thin demo harness for the orchestrator, fleet
// manager, and event bus: enough to register devices from a config file,
// run one illustrative constellation end to end, and expose Prometheus
// metrics, without a planner, CLI front-end, or web UI attached.
package main

import (
	"fmt"
	"os"

	"github.com/galaxyhq/galaxy/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "galaxy",
	Short: "Galaxy - DAG constellation orchestrator for a device fleet",
	Long: `Galaxy runs task constellations — DAGs of inter-dependent tasks —
across a fleet of devices reachable over WebSocket, synchronizing
dispatch against an external planner's structural edits and tracking
devices through connect, heartbeat, and reconnect.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"galaxy version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a galaxy config file (YAML)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("galaxy version %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil
	},
}
