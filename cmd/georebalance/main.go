package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	outputFmt  string
)

var rootCmd = &cobra.Command{
	Use:   "georebalance",
	Short: "Bike share station rebalancing planner",
	Long: `Rebalances bike share stations by moving bikes from overstocked stations
to their nearest understocked neighbours. Runs once over a snapshot or as a
polling service that publishes every pass.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (yaml or json)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json or yaml")

	rootCmd.AddCommand(serveCmd, watchCmd, planCmd, nearestCmd, loadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
