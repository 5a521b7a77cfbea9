package main

import (
	"fmt"

	"github.com/cuemby/drover/pkg/types"
	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenant budgets and quotas",
}

var tenantBudgetCmd = &cobra.Command{
	Use:   "budget <tenant>",
	Short: "Set a tenant's cost ceiling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetFloat64("limit")
		scope, _ := cmd.Flags().GetString("scope")
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}

		c := apiClient(cmd)
		if err := c.SetBudget(cmd.Context(), args[0], types.BudgetScope(scope), limit); err != nil {
			return err
		}
		fmt.Printf("✓ Budget set: %s %s limit %.2f\n", args[0], scope, limit)
		return nil
	},
}

var tenantQuotaCmd = &cobra.Command{
	Use:   "quota <tenant>",
	Short: "Set a tenant's concurrency ceilings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxTasks, _ := cmd.Flags().GetInt("max-active-tasks")
		maxInstances, _ := cmd.Flags().GetInt("max-instances")

		c := apiClient(cmd)
		if err := c.SetQuota(cmd.Context(), args[0], maxTasks, maxInstances); err != nil {
			return err
		}
		fmt.Printf("✓ Quota set: %s max-active-tasks=%d\n", args[0], maxTasks)
		return nil
	},
}

func init() {
	tenantBudgetCmd.Flags().Float64("limit", 0, "Cost ceiling (required)")
	tenantBudgetCmd.Flags().String("scope", "daily", "Budget scope: daily, monthly")
	_ = tenantBudgetCmd.MarkFlagRequired("limit")

	tenantQuotaCmd.Flags().Int("max-active-tasks", 0, "Concurrent task ceiling")
	tenantQuotaCmd.Flags().Int("max-instances", 0, "Instance ceiling")

	tenantCmd.AddCommand(tenantBudgetCmd)
	tenantCmd.AddCommand(tenantQuotaCmd)
	tenantCmd.PersistentFlags().String("api", "127.0.0.1:7433", "Control plane API address")
}
