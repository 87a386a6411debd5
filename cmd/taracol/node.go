package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taracol/pkg/config"
	"taracol/pkg/node"
)

type nodeFlags struct {
	nodeID     string
	listenAddr string
	httpAddr   string
	dataDir    string
	endpoint   string
	directory  string
	peers      []string
}

func (f *nodeFlags) register(cmd *cobra.Command, mode config.Mode) {
	cmd.Flags().StringVar(&f.nodeID, "node-id", "", "node identifier")
	cmd.Flags().StringVar(&f.listenAddr, "listen", "", "federation listen address")
	cmd.Flags().StringVar(&f.httpAddr, "http", "", "HTTP listen address for health, metrics and lookups")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "data directory")
	cmd.Flags().StringVar(&f.directory, "directory", "", "federation address of the identity directory")
	if mode == config.ModePDS {
		cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "endpoint advertised for hosted accounts")
	}
	if mode == config.ModeRelay {
		cmd.Flags().StringSliceVar(&f.peers, "peer", nil, "peer to replicate from as id=address (repeatable)")
	}
}

// loadConfig reads the config file, or the defaults for mode, then applies
// TARACOL_* variables and finally the command-line flags.
func loadConfig(cmd *cobra.Command, mode config.Mode, f *nodeFlags) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if loaded.Mode != mode {
			return nil, fmt.Errorf("config file is for a %s, not a %s", loaded.Mode, mode)
		}
		cfg = loaded
	} else {
		cfg = config.Default(mode)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if f == nil {
		return cfg, nil
	}
	flags := cmd.Flags()
	if flags.Changed("node-id") {
		cfg.NodeID = f.nodeID
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = f.listenAddr
	}
	if flags.Changed("http") {
		cfg.HTTPAddr = f.httpAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("directory") {
		cfg.Identity.Directory = f.directory
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	for _, p := range f.peers {
		parsed, err := config.ParsePeers(p)
		if err != nil {
			return nil, err
		}
		cfg.Relay.Peers = append(cfg.Relay.Peers, parsed...)
	}
	return cfg, nil
}

func pdsCmd() *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "pds",
		Short: "Run a personal data server",
		Long:  `Host account repositories, serve the identity directory and publish commits on the firehose.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, config.ModePDS, &f)
		},
	}
	f.register(cmd, config.ModePDS)
	return cmd
}

func relayCmd() *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay",
		Long:  `Backfill and stream from the configured peers, verify every commit and re-publish the mirror.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, config.ModeRelay, &f)
		},
	}
	f.register(cmd, config.ModeRelay)
	return cmd
}

func runNode(cmd *cobra.Command, mode config.Mode, f *nodeFlags) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig(cmd, mode, f)
	if err != nil {
		return err
	}
	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", mode, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-n.Done():
		if err != nil {
			logger.Error("Coordinator exited", zap.Error(err))
		}
	}
	return n.Stop()
}

// openOffline opens a stopped PDS's state for account maintenance.
func openOffline(cmd *cobra.Command) (*node.Node, error) {
	cfg, err := loadConfig(cmd, config.ModePDS, nil)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("endpoint") {
		cfg.Endpoint, _ = cmd.Flags().GetString("endpoint")
	}
	logger := setupLogger(verbose)
	return node.New(cfg, logger)
}
