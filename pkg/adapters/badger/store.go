// Package badger persists graph snapshots in an embedded BadgerDB, encoded
// with msgpack.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
	backend "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const keyPrefix = "snapshot/"

// Options configures the store.
type Options struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir string

	// InMemory keeps everything in memory.
	InMemory bool

	// Logger receives badger's warnings and errors.
	Logger *slog.Logger
}

// Store implements ports.SnapshotStore on BadgerDB.
type Store struct {
	db *backend.DB
}

// Open opens (or creates) the database.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger: Dir is required for on-disk mode")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	dbOpts := backend.DefaultOptions(opts.Dir).WithLogger(slogAdapter{opts.Logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := backend.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func encode(snap *domain.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*domain.Snapshot, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var snap domain.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save persists the snapshot.
func (s *Store) Save(_ context.Context, graph string, snap *domain.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.db.Update(func(txn *backend.Txn) error {
		return txn.Set([]byte(keyPrefix+graph), data)
	})
}

// Load retrieves the snapshot.
func (s *Store) Load(_ context.Context, graph string) (*domain.Snapshot, error) {
	var val []byte
	err := s.db.View(func(txn *backend.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + graph))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, backend.ErrKeyNotFound) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap, err := decode(val)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes the snapshot.
func (s *Store) Delete(_ context.Context, graph string) error {
	err := s.db.Update(func(txn *backend.Txn) error {
		return txn.Delete([]byte(keyPrefix + graph))
	})
	if errors.Is(err, backend.ErrKeyNotFound) {
		return nil
	}
	return err
}

// List returns the stored graph names in key order.
func (s *Store) List(_ context.Context) ([]string, error) {
	var graphs []string
	err := s.db.View(func(txn *backend.Txn) error {
		opts := backend.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			graphs = append(graphs, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return graphs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// slogAdapter routes badger output to slog, dropping info and debug chatter.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(f string, v ...any) {
	a.logger.Error(strings.TrimSpace(fmt.Sprintf(f, v...)), "component", "badger")
}

func (a slogAdapter) Warningf(f string, v ...any) {
	a.logger.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)), "component", "badger")
}

func (slogAdapter) Infof(string, ...any)  {}
func (slogAdapter) Debugf(string, ...any) {}
