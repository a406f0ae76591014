package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aretw0/patchbay"
	"github.com/aretw0/patchbay/internal/presentation/tui"
	httpAdapter "github.com/aretw0/patchbay/pkg/adapters/http"
	mcpAdapter "github.com/aretw0/patchbay/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	Long: `Builds the configured graph, runs its loops and serves introspection and
control over HTTP until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr, default :8080)")
	serveCmd.Flags().Bool("no-http", false, "Do not start the HTTP server")
	serveCmd.Flags().Bool("quiet", false, "Do not print the banner")
}

func runServe(cmd *cobra.Command) error {
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

	// MCP owns stdout, so the banner only goes out without it.
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet && !cfg.MCP.Enabled {
		tui.PrintBanner(os.Stdout, strings.TrimSpace(patchbay.Version))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	serverErrors := make(chan error, 1)
	if noHTTP, _ := cmd.Flags().GetBool("no-http"); !noHTTP {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.HTTP.Addr
		}
		if addr == "" {
			addr = ":8080"
		}
		srv = &http.Server{
			Addr: addr,
			Handler: httpAdapter.NewHandler(d,
				httpAdapter.WithGatherer(d.Gatherer()),
				httpAdapter.WithLogger(logger),
				httpAdapter.WithInfo(httpAdapter.Info{
					App:      "patchbay",
					Version:  strings.TrimSpace(patchbay.Version),
					Graph:    d.Name(),
					Instance: d.Instance(),
				}),
			),
		}
		go func() {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()
	}

	if cfg.MCP.Enabled {
		mcpSrv := mcpAdapter.NewServer(d,
			mcpAdapter.WithLogger(logger),
			mcpAdapter.WithVersion(strings.TrimSpace(patchbay.Version)))
		go func() {
			if err := mcpSrv.ServeStdio(); err != nil {
				logger.Error("mcp server stopped", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	var runErr error
	select {
	case err := <-serverErrors:
		cancel()
		runErr = errors.Join(fmt.Errorf("http server: %w", err), <-done)
	case runErr = <-done:
	}

	if srv != nil {
		shutdownServer(srv, logger)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("patchbay stopped gracefully")
	return nil
}

func shutdownServer(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown did not complete", "timeout", shutdownTimeout, "error", err)
		if err := srv.Close(); err != nil {
			logger.Error("failed to close http server", "error", err)
		}
	}
}
