package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/breaker"
	"github.com/cuemby/drover/pkg/budget"
	"github.com/cuemby/drover/pkg/client"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/controlplane"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/fallback"
	"github.com/cuemby/drover/pkg/health"
	"github.com/cuemby/drover/pkg/lifecycle"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/policy"
	"github.com/cuemby/drover/pkg/registry"
	"github.com/cuemby/drover/pkg/router"
	"github.com/cuemby/drover/pkg/runtime"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the Drover control plane: admission, routing, the task
lifecycle engine, health probing and the HTTP API.

A single node bootstraps its own Raft cluster by default. Additional
nodes join an existing control plane with --join.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file")
	serveCmd.Flags().String("node-id", "drover-1", "Unique node ID")
	serveCmd.Flags().String("bind-addr", "", "Raft bind address (overrides config)")
	serveCmd.Flags().String("api-addr", "", "HTTP API address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("policy-file", "", "Tenant runtime policy YAML")
	serveCmd.Flags().String("join", "", "API address of an existing control plane to join")
	serveCmd.Flags().Bool("standalone", false, "Run without Raft replication")
	serveCmd.Flags().String("worker-token", "", "Bearer token for worker dispatch and probes")
	serveCmd.Flags().StringSlice("local-runtime", nil, "Runtime kinds to serve in-process instead of via workers")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg := config.DefaultConfig()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// With replication on, every durable write goes through the Raft log
	// and reads stay on the local store.
	var node *controlplane.Node
	dataStore := storage.Store(store)
	standalone, _ := cmd.Flags().GetBool("standalone")
	joinAddr, _ := cmd.Flags().GetString("join")
	if !standalone {
		node, err = controlplane.NewNode(controlplane.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		}, store)
		if err != nil {
			return err
		}
		if joinAddr == "" {
			if err := node.Bootstrap(); err != nil {
				return fmt.Errorf("failed to bootstrap: %w", err)
			}
		} else {
			if err := node.Open(); err != nil {
				return err
			}
			joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := client.New(joinAddr).JoinCluster(joinCtx, cfg.NodeID, cfg.BindAddr); err != nil {
				return fmt.Errorf("failed to join cluster: %w", err)
			}
			fmt.Println("✓ Joined control plane")
		}
		dataStore = controlplane.NewReplicatedStore(node, store)
	}

	auditLog, err := audit.NewLog(dataStore)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	bus := events.NewBus(
		events.WithQueueSize(cfg.Events.SubscriberQueueSize),
		events.WithDeadAfter(cfg.Events.DeadAfterConsecutive),
	)
	defer bus.Close()

	gate := budget.NewGate(cfg.Budget, bus, budget.WithAuditor(auditLog))
	if budgets, err := store.ListBudgets(); err == nil {
		quotas, _ := store.ListQuotas()
		gate.Restore(budgets, quotas)
	}

	reg, err := registry.NewRegistry(dataStore, bus, cfg.Drain.InstanceDrainDeadline, registry.WithAuditor(auditLog))
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetAfter:       cfg.Breaker.ResetAfter,
	}, breaker.WithTransitionFunc(func(key string, from, to types.BreakerStatus) {
		bus.Publish(&events.Event{
			Type:     events.EventCircuitTransition,
			Message:  fmt.Sprintf("breaker %s: %s -> %s", key, from, to),
			Metadata: map[string]string{"key": key, "from": string(from), "to": string(to)},
			Audit:    true,
		})
		_ = dataStore.UpsertBreaker(&types.BreakerState{
			Key:           key,
			State:         to,
			SchemaVersion: types.SchemaVersion,
		})
	}))

	pol := policy.AllowAll()
	if policyPath, _ := cmd.Flags().GetString("policy-file"); policyPath != "" {
		loaded, err := policy.LoadFile(policyPath)
		if err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
		pol = loaded
	}

	workerToken, _ := cmd.Flags().GetString("worker-token")
	monitor := health.NewMonitor(cfg.Health, reg,
		health.NewHTTPProber(cfg.Health.ProbeTimeout, workerToken),
		bus, health.WithAuditor(auditLog))

	localKinds := cfg.Runtime.LocalKinds
	if v, _ := cmd.Flags().GetStringSlice("local-runtime"); len(v) > 0 {
		localKinds = v
	}
	var dispatcher lifecycle.Dispatcher = lifecycle.NewHTTPDispatcher(workerToken)
	if len(localKinds) > 0 {
		providers := make(map[types.RuntimeKind]runtime.Provider, len(localKinds))
		for _, name := range localKinds {
			kind := types.RuntimeKind(name)
			p, err := runtime.New(kind, runtime.Options{
				DataDir:          cfg.DataDir,
				RemoteEndpoint:   cfg.Runtime.RemoteEndpoint,
				RemoteToken:      cfg.Runtime.RemoteToken,
				ContainerdSocket: cfg.Runtime.ContainerdSocket,
				ContainerImage:   cfg.Runtime.ContainerImage,
				Namespace:        cfg.Runtime.ContainerNamespace,
				VMName:           cfg.Runtime.VMName,
				CostPerSecond:    cfg.Runtime.CostPerSecond,
			})
			if err != nil {
				return fmt.Errorf("failed to create %s runtime: %w", name, err)
			}
			providers[kind] = p
		}
		dispatcher = lifecycle.NewLocalDispatcher(providers)
	}

	engine := lifecycle.NewEngine(*cfg, lifecycle.Deps{
		Store:      dataStore,
		Router:     router.NewRouter(cfg.Router, reg, brk, bus),
		Ladder:     fallback.NewLadder(pol, bus),
		Breaker:    brk,
		Gate:       gate,
		Audit:      auditLog,
		Bus:        bus,
		Dispatcher: dispatcher,
		Prober:     monitor,
		Policy:     pol,
	})

	if err := engine.Start(); err != nil {
		return err
	}
	probeCtx, stopProbes := context.WithCancel(context.Background())
	monitor.Start(probeCtx)

	apiServer, err := api.NewServer(cfg.API, api.Deps{
		Engine:   engine,
		Registry: reg,
		Gate:     gate,
		Audit:    auditLog,
		Bus:      bus,
		Store:    dataStore,
		Node:     node,
	})
	if err != nil {
		stopProbes()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	fmt.Printf("Drover control plane running (API %s). Press Ctrl+C to stop.\n", cfg.APIAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Drain.AdmissionDrainWindow+cfg.Drain.RunningDrainWindow+10*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(shutdownCtx)
	stopProbes()
	monitor.Stop()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if node != nil {
		if err := node.Shutdown(); err != nil {
			return err
		}
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// Cluster commands

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage control-plane membership",
}

var clusterServersCmd = &cobra.Command{
	Use:   "servers",
	Short: "List control-plane members",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		servers, err := c.ClusterServers(cmd.Context())
		if err != nil {
			return err
		}
		for _, server := range servers {
			fmt.Printf("%s\t%s\n", server.ID, server.Address)
		}
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterServersCmd)
	clusterCmd.PersistentFlags().String("api", "127.0.0.1:7433", "Control plane API address")
}
