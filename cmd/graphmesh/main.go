// graphmesh is a federated relay node for the decentralized graph network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/graphmesh/graphmesh/internal/config"
	"github.com/graphmesh/graphmesh/internal/node"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	adminURL   string
	adminToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphmesh",
		Short: "graphmesh - federated graph database relay node",
		Long: `graphmesh runs a relay node in a decentralized graph database network.

A node serves one persistent graph instance plus a capacity-bounded pool
of ephemeral instances over WebSocket, gossips peer reputation, fulfills
pin requests from the replication log and mirrors storage deals from the
chain.

Start a node:

  graphmesh serve --config /etc/graphmesh/node.yaml

Inspect a running node through its admin API:

  graphmesh status --admin-url http://127.0.0.1:8766 --admin-token $TOKEN
  graphmesh instances
  graphmesh peers
  graphmesh deals
  graphmesh reconcile`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "http://127.0.0.1:8766", "admin API base URL")
	rootCmd.PersistentFlags().StringVar(&adminToken, "admin-token", "", "admin API token (or GRAPHMESH_ADMIN_TOKEN)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a graphmesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show node health and reconciliation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
	rootCmd.AddCommand(statusCmd)

	instancesCmd := &cobra.Command{
		Use:   "instances",
		Short: "List active graph instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstances()
		},
	}
	rootCmd.AddCommand(instancesCmd)

	peersCmd := &cobra.Command{
		Use:   "peers [host]",
		Short: "Show peer reputation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := ""
			if len(args) == 1 {
				host = args[0]
			}
			return runPeers(host)
		},
	}
	rootCmd.AddCommand(peersCmd)

	dealsCmd := &cobra.Command{
		Use:   "deals",
		Short: "List mirrored storage deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeals()
		},
	}
	rootCmd.AddCommand(dealsCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger a deal reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile()
		},
	}
	rootCmd.AddCommand(reconcileCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graphmesh %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe() error {
	setupLogging()

	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	n, err := node.New(ctx, cfg, Version)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}
