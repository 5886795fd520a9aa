// Command dsm-storage-node runs a single decentralized storage node:
// a local backend fronted by the epidemic replication engine, with a
// Prometheus metrics endpoint alongside the gossip listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/dsm-storage-node/pkg/cluster"
	"github.com/cuemby/dsm-storage-node/pkg/config"
	"github.com/cuemby/dsm-storage-node/pkg/discovery"
	"github.com/cuemby/dsm-storage-node/pkg/epidemic"
	"github.com/cuemby/dsm-storage-node/pkg/events"
	"github.com/cuemby/dsm-storage-node/pkg/health"
	"github.com/cuemby/dsm-storage-node/pkg/log"
	"github.com/cuemby/dsm-storage-node/pkg/metrics"
	"github.com/cuemby/dsm-storage-node/pkg/reconcile"
	"github.com/cuemby/dsm-storage-node/pkg/routing"
	"github.com/cuemby/dsm-storage-node/pkg/storage"
	"github.com/cuemby/dsm-storage-node/pkg/storage/distributed"
	"github.com/cuemby/dsm-storage-node/pkg/storage/memorybackend"
	"github.com/cuemby/dsm-storage-node/pkg/storage/sqlbackend"
	"github.com/cuemby/dsm-storage-node/pkg/topology"
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
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dsm-storage-node",
	Short:   "A decentralized, epidemic-replicated storage node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dsm-storage-node version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	startCmd.Flags().StringP("config", "f", "", "Path to node configuration YAML (required)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Bind address for the /metrics endpoint")
	_ = startCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(validateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Parse and validate a node configuration file without starting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("ok: node %q, storage=%s, bind=%s\n", cfg.Node.ID, cfg.Storage.Kind, cfg.Node.BindAddr)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node: local storage, topology maintenance and epidemic replication",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger := log.WithNodeID(cfg.Node.ID)
		logger.Info().Str("bind_addr", cfg.Node.BindAddr).Str("storage", string(cfg.Storage.Kind)).Msg("starting node")

		node, err := buildNode(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := node.engine.Start(ctx); err != nil {
			return fmt.Errorf("start epidemic engine: %w", err)
		}
		defer node.engine.Stop()

		node.changeBroker.Start()
		defer node.changeBroker.Stop()
		node.conflictBroker.Start()
		defer node.conflictBroker.Stop()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return node.backend.Close()
	},
}

// node bundles the constructed subsystems so start can defer their
// shutdown in the right order.
type node struct {
	backend        *distributed.Backend
	engine         *epidemic.Engine
	changeBroker   *events.Broker[events.Change]
	conflictBroker *events.Broker[events.Conflict]
}

func buildNode(cfg config.Config) (*node, error) {
	local, err := buildLocalBackend(cfg)
	if err != nil {
		return nil, err
	}

	self, err := topology.ParseNodeID(cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("node.id: %w", err)
	}
	top := topology.New(self, cfg.TopologyConfig())
	routes := routing.NewTable(top)
	clusters := cluster.New(cfg.ClusterConfig())
	mon := health.NewMonitor(cfg.HealthConfig())
	scanner := discovery.New(cfg.DiscoveryConfig())

	changeBroker := events.NewChangeBroker()
	conflictBroker := events.NewConflictBroker()
	reconciler := reconcile.New(cfg.ReconcileConfig(), conflictBroker)

	backend := distributed.New(distributed.Config{NodeID: cfg.Node.ID}, local, nil, top, conflictBroker)
	engine := epidemic.New(cfg.EpidemicConfig(), backend, top, routes, clusters, reconciler, mon, scanner, changeBroker)
	backend.SetEngine(engine)

	return &node{
		backend:        backend,
		engine:         engine,
		changeBroker:   changeBroker,
		conflictBroker: conflictBroker,
	}, nil
}

func buildLocalBackend(cfg config.Config) (storage.Backend, error) {
	switch cfg.Storage.Kind {
	case config.StorageSQL:
		return sqlbackend.Open(cfg.Storage.SQLDSN)
	default:
		return memorybackend.New(memorybackend.Config{
			MaxMemoryBytes: cfg.Storage.MaxMemoryBytes,
			MaxEntries:     cfg.Storage.MaxEntries,
			Eviction:       cfg.Storage.Eviction,
			SnapshotPath:   cfg.Storage.SnapshotPath,
			SnapshotEvery:  cfg.Storage.SnapshotEvery,
		})
	}
}
