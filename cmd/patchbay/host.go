package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/patchbay/pkg/adapters/remote"
	"github.com/aretw0/patchbay/pkg/plugins/generic"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host units for a daemon on a local socket",
	Long: `Listens on a local socket and serves a fresh generic unit to every daemon
that connects to it through the "remote" plugin.

The unit is described by --props, a YAML or JSON file holding the same props a
"generic" node takes, or by --role alone.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHost(cmd); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.Flags().String("socket", "", "Socket path to listen on")
	hostCmd.Flags().String("props", "", "File with the unit props")
	hostCmd.Flags().String("role", "filter", "Unit role when no props are given: source, sink or filter")
	_ = hostCmd.MarkFlagRequired("socket")
}

func hostConfig(cmd *cobra.Command) (generic.Config, error) {
	path, _ := cmd.Flags().GetString("props")
	if path == "" {
		role, _ := cmd.Flags().GetString("role")
		return generic.Config{Role: role}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return generic.Config{}, fmt.Errorf("failed to read props: %w", err)
	}
	// YAML is a superset of JSON.
	var props map[string]any
	if err := yaml.Unmarshal(data, &props); err != nil {
		return generic.Config{}, fmt.Errorf("failed to parse props: %w", err)
	}
	return generic.Decode(props)
}

func runHost(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg, os.Stderr)
	if err != nil {
		return err
	}
	unit, err := hostConfig(cmd)
	if err != nil {
		return err
	}
	// Fail on a bad description now rather than per session.
	if _, err := generic.New(unit); err != nil {
		return err
	}

	socket, _ := cmd.Flags().GetString("socket")
	l, err := remote.Listen(socket)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("hosting units", "socket", l.Addr(), "role", unit.Role)
	return remote.Host(ctx, l, func() (ports.Plugin, error) {
		return generic.New(unit, generic.WithLogger(logger))
	}, logger)
}
