// Command rhizome-node runs one DHT node: load configuration, bring up
// the node supervisor, bootstrap against any configured peers, and serve
// until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vazonhub/rhizome/pkg/config"
	"github.com/vazonhub/rhizome/pkg/logging"
	"github.com/vazonhub/rhizome/pkg/node"
	"github.com/vazonhub/rhizome/pkg/rherrors"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var nodeType string

	cmd := &cobra.Command{
		Use:     "rhizome-node",
		Short:   "Run a rhizome DHT node",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, nodeType)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; defaults are used for anything missing)")
	cmd.Flags().StringVar(&nodeType, "node-type", "", fmt.Sprintf("node type, overriding the config file's node.node_type (also used when generating a default config): %s|%s|%s|%s", config.NodeTypeFull, config.NodeTypeLight, config.NodeTypeMobile, config.NodeTypeSeed))

	return cmd
}

func run(configPath, nodeType string) error {
	cfg, err := loadOrGenerateConfig(configPath, nodeType)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if nodeType != "" {
		cfg.Node.NodeType = nodeType
	}
	switch cfg.Node.NodeType {
	case config.NodeTypeFull, config.NodeTypeLight, config.NodeTypeMobile, config.NodeTypeSeed:
	default:
		return fmt.Errorf("configuration: %w", rherrors.NewInvalidNodeType(cfg.Node.NodeType))
	}

	logPath := filepath.Join(cfg.Storage.DataDir, "rhizome-node.log")
	logger, err := logging.NewLogger("node", logging.INFO, logPath)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.Info("starting rhizome node", logging.Fields{
		"version":   version,
		"node_type": cfg.Node.NodeType,
		"listen":    fmt.Sprintf("%s:%d", cfg.Network.ListenHost, cfg.Network.ListenPort),
	})

	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.Bootstrap(ctx)
	n.Start(ctx)

	logger.Info("node ready", logging.Fields{"node_id": n.ID().String()})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping node", logging.Fields{})
	if err := n.Stop(); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	logger.Info("node stopped cleanly", logging.Fields{})
	return nil
}

func loadOrGenerateConfig(path, nodeType string) (*config.Config, error) {
	if path == "" {
		t := nodeType
		if t == "" {
			t = config.NodeTypeFull
		}
		return config.GenerateDefaultConfig(t), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t := nodeType
		if t == "" {
			t = config.NodeTypeFull
		}
		cfg := config.GenerateDefaultConfig(t)
		if err := config.WriteConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("write starter config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadConfig(path)
}
