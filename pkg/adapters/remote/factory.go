package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/mitchellh/mapstructure"
)

// Name is the registry name of remote units.
const Name = "remote"

// DefaultTimeout bounds connecting to a unit host.
const DefaultTimeout = 5 * time.Second

// Config names the host of a remote unit.
type Config struct {
	Socket  string `mapstructure:"socket"`
	Timeout string `mapstructure:"timeout"`
}

// Factory connects to the unit host named by the node props.
func Factory(props map[string]any, logger *slog.Logger) (ports.Plugin, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &cfg, ErrorUnused: true})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(props); err != nil {
		return nil, fmt.Errorf("decode remote props: %w", err)
	}
	if cfg.Socket == "" {
		return nil, fmt.Errorf("remote unit without socket: %w", domain.EINVAL)
	}
	timeout := DefaultTimeout
	if cfg.Timeout != "" {
		if timeout, err = time.ParseDuration(cfg.Timeout); err != nil {
			return nil, fmt.Errorf("remote timeout: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := Dial(ctx, cfg.Socket)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, conn, WithClientLogger(logger.With("socket", cfg.Socket)))
}
