package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/patchbay"
	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "patchbay",
	Short: "Patchbay is a real-time media routing daemon",
	Long: `Patchbay runs a graph of processing units, negotiates formats and buffers
on the links between their ports and schedules each driver group once per quantum.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")
}

// loadConfig reads --config, falling back to the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the logger from the configuration and --log-level.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	return logging.NewWithFormat(w, level, cfg.Log.Format), nil
}

// openDaemon opens the configured backend and builds a daemon publishing to
// it. The caller closes the backend once the daemon stopped.
func openDaemon(cfg *config.Config, logger *slog.Logger) (*patchbay.Daemon, *patchbay.Backend, error) {
	backend, err := patchbay.OpenBackend(cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := []patchbay.Option{patchbay.WithLogger(logger)}
	if backend.Store != nil {
		opts = append(opts, patchbay.WithStore(backend.Store))
	}
	if backend.Locker != nil {
		opts = append(opts, patchbay.WithLocker(backend.Locker, patchbay.DefaultLeaseTTL))
	}
	d, err := patchbay.New(cfg, opts...)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return d, backend, nil
}
