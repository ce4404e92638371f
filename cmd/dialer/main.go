package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	bucketFlag string
	dayFlag    string
	runFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "dialer",
	Short: "Collection dialer orchestration",
	Long: `dialer selects the accounts to call each day, uploads them to the
predictive dialer in batches and reconciles the call results.

Examples:
  dialer serve                              # Run workers, scheduler and HTTP API
  dialer construct --bucket b1 --run        # Build today's population of b1 now
  dialer discrepancy --day 2024-03-20       # Check every bucket of a day
  dialer report --day 2024-03-20            # Write the daily workbook`,
	SilenceUsage: true,
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(constructCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(discrepancyCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}
