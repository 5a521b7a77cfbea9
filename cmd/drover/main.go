package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "drover",
	Short: "Drover - meta-orchestrator for agent worker fleets",
	Long: `Drover routes agent tasks across a federation of worker instances,
walking each task down a ladder of runtime isolation levels with
per-tenant budgets, health probing and circuit breaking along the way.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(auditCmd)
}
