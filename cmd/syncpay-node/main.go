// Command syncpay-node runs a single node of the cluster: it loads
// configuration, constructs the Host, starts every subsystem, and serves
// the HTTP surface of spec.md §6 until interrupted.
//
// Grounded on HelixCode's cmd/root.go for the cobra+viper CLI shape,
// adapted to a single long-running server command instead of a
// subcommand tree (the reference's main.py takes exactly one positional
// node id argument, which this CLI keeps as the required --node-id flag;
// the node id is not read from the environment).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/syncpay/cluster/internal/api"
	"github.com/syncpay/cluster/internal/config"
	"github.com/syncpay/cluster/internal/host"
)

var (
	nodeID     string
	configFile string
	debug      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncpay-node",
		Short:   "Run one node of the syncpay payment cluster",
		Version: "1.0.0",
		RunE:    runNode,
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "this node's id in the node table (required)")
	cmd.Flags().StringVar(&configFile, "config", "", "path to a YAML config file overriding defaults")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	cmd.MarkFlagRequired("node-id")

	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr, ok := cfg.NodeAddr(nodeID)
	if !ok {
		return fmt.Errorf("node id %q not present in node_configs", nodeID)
	}

	h, err := host.New(nodeID, cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	srv := api.New(h, cfg.ClusterSharedSecret, addr, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		h.Stop()
		return err
	case <-sigCh:
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during HTTP shutdown")
	}

	cancel()
	h.Stop()
	return nil
}
