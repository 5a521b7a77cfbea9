package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/client"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	Long: `Submit a task to the control plane.

Examples:
  # Run a payload for tenant acme
  drover task submit --tenant acme --payload 'build the report'

  # Pin capabilities and a deadline
  drover task submit --tenant acme --payload π --capability python --deadline 5m`,
	RunE: runTaskSubmit,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		task, err := c.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		c := apiClient(cmd)
		tasks, err := c.ListTasks(cmd.Context(), tenant)
		if err != nil {
			return err
		}
		fmt.Printf("%-38s %-12s %-10s %-10s %s\n", "ID", "TENANT", "PRIORITY", "STATE", "MESSAGE")
		for _, task := range tasks {
			fmt.Printf("%-38s %-12s %-10s %-10s %s\n",
				task.ID, task.TenantID, task.Priority, task.State, task.Message)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.CancelTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested: %s\n", args[0])
		return nil
	},
}

var taskAttemptsCmd = &cobra.Command{
	Use:   "attempts <task-id>",
	Short: "Show a task's attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		attempts, err := c.ListAttempts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%-4s %-20s %-16s %-10s %-20s %s\n", "#", "INSTANCE", "RUNTIME", "OUTCOME", "ERROR KIND", "COST")
		for _, a := range attempts {
			fmt.Printf("%-4d %-20s %-16s %-10s %-20s %.2f\n",
				a.Index, a.InstanceID, a.RuntimeKind, a.Outcome, a.ErrorKind, a.ObservedCost)
		}
		return nil
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		taskID, _ := cmd.Flags().GetString("task")

		var query []string
		if tenant != "" {
			query = append(query, "tenant="+tenant)
		}
		if taskID != "" {
			query = append(query, "task="+taskID)
		}

		c := apiClient(cmd)
		return c.WatchEvents(cmd.Context(), strings.Join(query, "&"), func(e *client.Event) {
			fmt.Printf("%s  %-24s task=%s instance=%s  %s\n",
				e.Timestamp.Format(time.RFC3339), e.Type, e.TaskID, e.InstanceID, e.Message)
		})
	},
}

var taskApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Submit tasks from a YAML manifest",
	Long: `Submit every task in a YAML manifest.

Example manifest:
  tasks:
    - tenant: acme
      payload: "run the nightly report"
      priority: high
      capabilities: [python]`,
	RunE: runTaskApply,
}

func init() {
	taskSubmitCmd.Flags().String("tenant", "", "Tenant ID (required)")
	taskSubmitCmd.Flags().String("payload", "", "Task payload (required)")
	taskSubmitCmd.Flags().String("session", "", "Session ID for instance affinity")
	taskSubmitCmd.Flags().String("priority", "normal", "Priority: critical, high, normal, low")
	taskSubmitCmd.Flags().Duration("deadline", 0, "Deadline relative to now, e.g. 5m")
	taskSubmitCmd.Flags().StringSlice("capability", nil, "Required capability (repeatable)")
	taskSubmitCmd.Flags().String("region", "", "Preferred region")
	taskSubmitCmd.Flags().StringSlice("runtime", nil, "Pinned runtime kind ladder (repeatable)")
	taskSubmitCmd.Flags().Float64("budget", 0, "Cost ceiling for this task")
	taskSubmitCmd.Flags().Bool("override-budget", false, "Bypass budget checks (needs budget.override)")
	taskSubmitCmd.Flags().Int("max-attempts", 0, "Retry attempts per runtime kind")
	taskSubmitCmd.Flags().Bool("wait", false, "Wait for the task to finish")
	_ = taskSubmitCmd.MarkFlagRequired("tenant")
	_ = taskSubmitCmd.MarkFlagRequired("payload")

	taskListCmd.Flags().String("tenant", "", "Filter by tenant")
	taskWatchCmd.Flags().String("tenant", "", "Filter by tenant")
	taskWatchCmd.Flags().String("task", "", "Filter by task ID")
	taskApplyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = taskApplyCmd.MarkFlagRequired("file")

	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskAttemptsCmd)
	taskCmd.AddCommand(taskWatchCmd)
	taskCmd.AddCommand(taskApplyCmd)
	taskCmd.PersistentFlags().String("api", "127.0.0.1:7433", "Control plane API address")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	payload, _ := cmd.Flags().GetString("payload")
	session, _ := cmd.Flags().GetString("session")
	priority, _ := cmd.Flags().GetString("priority")
	deadline, _ := cmd.Flags().GetDuration("deadline")
	capabilities, _ := cmd.Flags().GetStringSlice("capability")
	region, _ := cmd.Flags().GetString("region")
	runtimes, _ := cmd.Flags().GetStringSlice("runtime")
	budget, _ := cmd.Flags().GetFloat64("budget")
	overrideBudget, _ := cmd.Flags().GetBool("override-budget")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	wait, _ := cmd.Flags().GetBool("wait")

	req := &client.SubmitTaskRequest{
		TenantID:       tenant,
		SessionID:      session,
		Payload:        payload,
		Priority:       priority,
		Capabilities:   capabilities,
		Region:         region,
		RuntimeKinds:   runtimes,
		BudgetCeiling:  budget,
		BudgetOverride: overrideBudget,
	}
	if deadline > 0 {
		req.Deadline = time.Now().Add(deadline).UTC().Format(time.RFC3339)
	}
	if maxAttempts > 0 {
		req.RetryPolicy = &client.RetryPolicy{MaxAttempts: maxAttempts}
	}

	c := apiClient(cmd)
	task, err := c.SubmitTask(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	fmt.Printf("✓ Task submitted: %s\n", task.ID)

	if !wait {
		return nil
	}
	for {
		time.Sleep(time.Second)
		task, err = c.GetTask(cmd.Context(), task.ID)
		if err != nil {
			return err
		}
		if isTerminal(task.State) {
			printTask(task)
			return nil
		}
	}
}

// taskManifest is the YAML batch-submission document
type taskManifest struct {
	Tasks []struct {
		Tenant       string   `yaml:"tenant"`
		Session      string   `yaml:"session,omitempty"`
		Payload      string   `yaml:"payload"`
		Priority     string   `yaml:"priority,omitempty"`
		Capabilities []string `yaml:"capabilities,omitempty"`
		Region       string   `yaml:"region,omitempty"`
		RuntimeKinds []string `yaml:"runtimeKinds,omitempty"`
		Budget       float64  `yaml:"budget,omitempty"`
	} `yaml:"tasks"`
}

func runTaskApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var manifest taskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(manifest.Tasks) == 0 {
		return fmt.Errorf("manifest contains no tasks")
	}

	c := apiClient(cmd)
	for _, entry := range manifest.Tasks {
		task, err := c.SubmitTask(cmd.Context(), &client.SubmitTaskRequest{
			TenantID:      entry.Tenant,
			SessionID:     entry.Session,
			Payload:       entry.Payload,
			Priority:      entry.Priority,
			Capabilities:  entry.Capabilities,
			Region:        entry.Region,
			RuntimeKinds:  entry.RuntimeKinds,
			BudgetCeiling: entry.Budget,
		})
		if err != nil {
			return fmt.Errorf("failed to submit task for %s: %w", entry.Tenant, err)
		}
		fmt.Printf("✓ Task submitted: %s (tenant=%s)\n", task.ID, entry.Tenant)
	}
	return nil
}

func printTask(task *client.TaskSummary) {
	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Tenant:    %s\n", task.TenantID)
	fmt.Printf("Priority:  %s\n", task.Priority)
	fmt.Printf("State:     %s\n", task.State)
	if task.InstanceID != "" {
		fmt.Printf("Instance:  %s\n", task.InstanceID)
	}
	fmt.Printf("Attempts:  %d\n", task.Attempts)
	if task.FailureKind != "" {
		fmt.Printf("Failure:   %s\n", task.FailureKind)
	}
	if task.Message != "" {
		fmt.Printf("Message:   %s\n", task.Message)
	}
}

func isTerminal(state string) bool {
	switch state {
	case "succeeded", "failed", "cancelled", "timed-out":
		return true
	}
	return false
}

// apiClient builds a client from the command's --api flag
func apiClient(cmd *cobra.Command) *client.Client {
	addr, err := cmd.Flags().GetString("api")
	if err != nil || addr == "" {
		addr = "127.0.0.1:7433"
	}
	return client.New(addr)
}
