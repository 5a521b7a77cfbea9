package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Inspect and manage worker instances",
}

var instanceListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		instances, err := c.ListInstances(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %-10s %-10s %-10s %-8s %s\n", "ID", "STATUS", "HEALTH", "REGION", "ACTIVE", "ENDPOINT")
		for _, inst := range instances {
			health := "unknown"
			if inst.Health != nil {
				health = string(inst.Health.Status)
			}
			active := 0
			if inst.Load != nil {
				active = inst.Load.ActiveSessions
			}
			fmt.Printf("%-20s %-10s %-10s %-10s %-8d %s\n",
				inst.ID, inst.Status, health, inst.Region, active, inst.Endpoint)
		}
		return nil
	},
}

var instanceDrainCmd = &cobra.Command{
	Use:   "drain <instance-id>",
	Short: "Drain an instance",
	Long: `Drain an instance: no new tasks are routed to it, running tasks get
the drain deadline to finish, then the instance is removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.DrainInstance(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Instance draining: %s\n", args[0])
		return nil
	},
}

func init() {
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceDrainCmd)
	instanceCmd.PersistentFlags().String("api", "127.0.0.1:7433", "Control plane API address")
}
