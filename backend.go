package patchbay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/adapters/badger"
	"github.com/aretw0/patchbay/pkg/adapters/memory"
	"github.com/aretw0/patchbay/pkg/adapters/redis"
	"github.com/aretw0/patchbay/pkg/config"
	"github.com/aretw0/patchbay/pkg/ports"
)

// Backend is the snapshot store selected by configuration, plus the lease
// locker when the store supports one.
type Backend struct {
	Store  ports.SnapshotStore
	Locker ports.LeaseLocker
	close  func() error
}

// Close releases the store's resources.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend opens the store described by cfg. With config.StoreNone the
// backend holds no store.
func OpenBackend(cfg config.StoreConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	switch cfg.Kind {
	case config.StoreNone:
		return &Backend{}, nil
	case "", config.StoreMemory:
		return &Backend{Store: memory.NewStore()}, nil
	case config.StoreRedis:
		ttl, err := cfg.TTLDuration()
		if err != nil {
			return nil, err
		}
		prefix := redis.DefaultPrefix
		if cfg.Prefix != "" {
			prefix = cfg.Prefix + ":graph:"
		}
		client := redis.NewClient(cfg.Addr, cfg.Password, cfg.DB)
		b := &Backend{
			Store: redis.NewFromClient(client, redis.WithTTL(ttl), redis.WithPrefix(prefix)),
			close: client.Close,
		}
		if cfg.Lock {
			b.Locker = redis.NewLocker(client, prefix)
		}
		return b, nil
	case config.StoreBadger:
		store, err := badger.Open(badger.Options{Dir: cfg.Path, Logger: logger.With("component", "badger")})
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store, close: store.Close}, nil
	}
	return nil, fmt.Errorf("store kind %q: %w", cfg.Kind, errors.ErrUnsupported)
}
