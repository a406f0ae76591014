package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aretw0/patchbay"
	"github.com/aretw0/patchbay/internal/presentation/graph"
	"github.com/aretw0/patchbay/internal/presentation/tui"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/spf13/cobra"
)

const fetchTimeout = 10 * time.Second

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the graph of a daemon",
	Long: `Prints a graph snapshot as JSON, a Mermaid diagram or a Markdown report.

The snapshot is fetched from a running daemon with --url, read from the
configured snapshot store, or, when neither has one, built offline from the
configuration.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runGraph(cmd, os.Stdout); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().String("url", "", "Base URL of a running daemon, e.g. http://localhost:8080")
	graphCmd.Flags().StringP("format", "f", "mermaid", "Output format: json, mermaid or markdown")
}

func runGraph(cmd *cobra.Command, w io.Writer) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg, os.Stderr)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	url, _ := cmd.Flags().GetString("url")

	ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
	defer cancel()

	var snap *domain.Snapshot
	if url != "" {
		snap, err = fetchSnapshot(ctx, url)
	} else {
		snap, err = storedSnapshot(ctx, cfg, logger)
	}
	if err != nil {
		return err
	}
	return render(w, snap, format)
}

func fetchSnapshot(ctx context.Context, base string) (*domain.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/graph", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch graph: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch graph: %s", resp.Status)
	}
	var snap domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	return &snap, nil
}

// storedSnapshot reads the last published snapshot, or builds the graph from
// the configuration when the store has none.
func storedSnapshot(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*domain.Snapshot, error) {
	backend, err := patchbay.OpenBackend(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	if backend.Store != nil {
		snap, err := backend.Store.Load(ctx, cfg.Graph.Name)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrSnapshotNotFound) {
			return nil, err
		}
	}
	d, err := patchbay.New(cfg, patchbay.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return d.Snapshot(ctx)
}

func render(w io.Writer, snap *domain.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "mermaid":
		_, err := io.WriteString(w, graph.GenerateMermaid(snap))
		return err
	case "markdown", "md":
		out := graph.GenerateMarkdown(snap)
		if tui.IsTerminal(w) {
			r, err := tui.NewRenderer(tui.Width(w))
			if err != nil {
				return err
			}
			if out, err = r(out); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, out)
		return err
	default:
		return fmt.Errorf("unknown format %q: use json, mermaid or markdown", format)
	}
}
