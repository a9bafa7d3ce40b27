package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bvandewe/cml-cloud-manager/pkg/cluster"
	"github.com/bvandewe/cml-cloud-manager/pkg/config"
	"github.com/bvandewe/cml-cloud-manager/pkg/log"
	"github.com/bvandewe/cml-cloud-manager/pkg/metrics"
	"github.com/bvandewe/cml-cloud-manager/pkg/registry"
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
	Use:   "cmlcloudmgr",
	Short: "CML cloud manager - orchestrates lab workers and lablet reservations",
	Long: `cmlcloudmgr schedules lablet reservations onto a fleet of cloud lab
workers: it places instances, provisions and drains worker VMs, allocates
console ports, drives lab instantiation and relays lifecycle events.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cmlcloudmgr version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(templateCmd)
}

// Manager commands

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run a manager node",
}

var managerInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize and run a manager node",
	Long: `Start a manager node with this node as the first cluster member.

A single node is fully functional; additional managers join for
failover of the scheduler and controller leases.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		debug, _ := cmd.Flags().GetBool("debug")

		return runManager(nodeID, bindAddr, metricsAddr, configPath, dataDir, debug, true)
	},
}

var managerJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Run a manager node joining an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		debug, _ := cmd.Flags().GetBool("debug")

		return runManager(nodeID, bindAddr, metricsAddr, configPath, dataDir, debug, false)
	},
}

func runManager(nodeID, bindAddr, metricsAddr, configPath, dataDir string, debug, bootstrap bool) error {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})

	cfg, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if bindAddr != "" {
		cfg.Cluster.BindAddr = bindAddr
	}
	if nodeID == "" {
		nodeID = cfg.Cluster.NodeID
	}
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node id not set and hostname unavailable: %w", err)
		}
		nodeID = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := registry.New(ctx, cfg, nodeID)
	if err != nil {
		return fmt.Errorf("failed to assemble manager: %w", err)
	}

	mgr, err := cluster.NewManager(&cluster.Config{
		NodeID:   nodeID,
		BindAddr: cfg.Cluster.BindAddr,
		DataDir:  cfg.DataDir,
	}, svc.BoltStore)
	if err != nil {
		return fmt.Errorf("failed to create cluster manager: %w", err)
	}
	if bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	} else {
		if err := mgr.Join(); err != nil {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
	}

	svc.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if handler, err := svc.Router.Handler(ctx); err == nil {
		mux.Handle("/events", handler)
	}
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed", err)
		}
	}()

	log.Info(fmt.Sprintf("manager %s running, metrics on %s", nodeID, metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	svc.Shutdown()
	if err := mgr.Shutdown(); err != nil {
		log.Errorf("cluster shutdown failed", err)
	}
	return nil
}

// Template commands

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Work with worker template seed files",
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a worker template seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.TemplateFile = args[0]
		templates, err := cfg.Templates(afero.NewOsFs())
		if err != nil {
			return err
		}
		for _, tpl := range templates {
			fmt.Printf("✓ %s (%s, %s, regions %v)\n", tpl.Name, tpl.InstanceType, tpl.LicenseType, tpl.Regions)
		}
		fmt.Printf("%d template(s) valid\n", len(templates))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{managerInitCmd, managerJoinCmd} {
		c.Flags().String("node-id", "", "Node identifier (defaults to hostname)")
		c.Flags().String("bind-addr", "", "Raft bind address")
		c.Flags().String("metrics-addr", ":9090", "Metrics and inbound-event listen address")
		c.Flags().String("config", "", "Path to configuration file")
		c.Flags().String("data-dir", "", "Data directory override")
		c.Flags().Bool("debug", false, "Enable debug logging")
	}
	managerCmd.AddCommand(managerInitCmd)
	managerCmd.AddCommand(managerJoinCmd)
	templateCmd.AddCommand(templateValidateCmd)
}
