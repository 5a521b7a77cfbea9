package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/drover/pkg/types"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditHistoryCmd = &cobra.Command{
	Use:   "history <entity-kind> <entity-id>",
	Short: "Show the audit history of an entity",
	Long: `Show every recorded state transition of one durable entity.

Entity kinds: instance, task, attempt, budget, breaker.

Example:
  drover audit history task 0b5fe6a1-...`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		entries, err := c.AuditHistory(cmd.Context(), types.EntityKind(args[0]), args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%-8s %-25s %-12s %-12s %-10s %s\n", "SEQ", "TIMESTAMP", "FROM", "TO", "ACTOR", "REASON")
		for _, e := range entries {
			fmt.Printf("%-8d %-25s %-12s %-12s %-10s %s\n",
				e.Seq, e.Timestamp.Format(time.RFC3339), e.FromState, e.ToState, e.Actor, e.Reason)
		}
		return nil
	},
}

var auditRollbackCmd = &cobra.Command{
	Use:   "rollback <tenant> <scope> <seq>",
	Short: "Restore a tenant budget to an earlier audited state",
	Long: `Roll a tenant budget back to the state its audit log recorded at
or before the given sequence number. Scope is daily or monthly.

Example:
  drover audit rollback acme daily 42`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence number %q: %w", args[2], err)
		}
		c := apiClient(cmd)
		b, err := c.RollbackBudget(cmd.Context(), args[0], types.BudgetScope(args[1]), seq)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Budget %s/%s rolled back (limit %.2f, consumed %.2f)\n",
			b.TenantID, b.Scope, b.Limit, b.Consumed)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditHistoryCmd)
	auditCmd.AddCommand(auditRollbackCmd)
	auditCmd.PersistentFlags().String("api", "127.0.0.1:7433", "Control plane API address")
}
