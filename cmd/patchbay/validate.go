package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aretw0/patchbay"
	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/registry"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration",
	Long: `Checks the configuration, then builds its graph without running it and
reports the state every declared link reached.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if err := runValidate(cmd.Context(), cfg, os.Stdout); err != nil {
			fmt.Printf("Validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Graph is valid!")
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if err := cfg.Validate(registry.Default()); err != nil {
		return err
	}
	d, err := patchbay.New(cfg, patchbay.WithLogger(logging.NewNop()))
	if err != nil {
		return err
	}
	snap, err := d.Snapshot(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, l := range snap.Links {
		out, in := linkEnd(snap, l.OutputNode, domain.DirectionOutput, l.OutputPort), linkEnd(snap, l.InputNode, domain.DirectionInput, l.InputPort)
		if l.State == domain.LinkStateError.String() {
			failed++
			fmt.Fprintf(w, "  link %d %s -> %s: %s (%s)\n", l.ID, out, in, l.State, l.Error)
			continue
		}
		fmt.Fprintf(w, "  link %d %s -> %s: %s\n", l.ID, out, in, l.State)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d links failed to negotiate", failed, len(snap.Links))
	}
	return nil
}

func linkEnd(snap *domain.Snapshot, node uint32, dir domain.Direction, port uint32) string {
	n, ok := snap.Node(node)
	if !ok {
		return fmt.Sprintf("%d:%d", node, port)
	}
	for _, p := range n.Ports {
		if p.ID == port && p.Direction == dir.String() && p.Name != "" {
			return n.Name + ":" + p.Name
		}
	}
	return fmt.Sprintf("%s:%d", n.Name, port)
}
