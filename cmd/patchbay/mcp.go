package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aretw0/patchbay"
	mcpAdapter "github.com/aretw0/patchbay/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

// mcpCmd represents the mcp command
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the daemon behind a Model Context Protocol (MCP) server",
	Long: `Runs the configured graph and exposes its control surface as MCP tools over
Standard Input/Output, so agents can inspect the graph and connect ports.
Logs go to Stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMCP(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command) error {
	// Ensure logs don't corrupt JSON-RPC on Stdout
	log.SetOutput(os.Stderr)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg, os.Stderr)
	if err != nil {
		return err
	}
	d, backend, err := openDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	srv := mcpAdapter.NewServer(d,
		mcpAdapter.WithLogger(logger),
		mcpAdapter.WithVersion(strings.TrimSpace(patchbay.Version)))
	logger.Info("starting MCP server (stdio)", "graph", d.Name())
	serveErr := srv.ServeStdio()
	cancel()
	if err := <-done; err != nil {
		return err
	}
	if serveErr != nil {
		return fmt.Errorf("mcp server: %w", serveErr)
	}
	return nil
}
