package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Dial connects to a unit host listening on the unix socket at path.
func Dial(ctx context.Context, path string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, path)
	if err != nil {
		return nil, fmt.Errorf("dial unit host: %w", err)
	}
	return wrap(c)
}

// Listener accepts sessions on a unix socket.
type Listener struct {
	l net.Listener
}

// Listen opens a unix socket at path.
func Listen(path string) (*Listener, error) {
	l, err := net.Listen(network, path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{l: l}, nil
}

// Accept waits for the next session.
func (l *Listener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return wrap(c)
}

// Addr returns the socket path.
func (l *Listener) Addr() string { return l.l.Addr().String() }

// Close stops accepting sessions and removes the socket.
func (l *Listener) Close() error { return l.l.Close() }

// Host serves one unit per accepted session until ctx ends. newPlugin builds
// the unit of each session.
func Host(ctx context.Context, l *Listener, newPlugin func() (ports.Plugin, error), logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		plugin, err := newPlugin()
		if err != nil {
			logger.Error("unit creation failed", "error", err)
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("session started")
			if err := Serve(ctx, conn, plugin, WithServeLogger(logger)); err != nil {
				logger.Warn("session failed", "error", err)
				return
			}
			logger.Info("session ended")
		}()
	}
}
