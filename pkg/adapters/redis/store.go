package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the adapter writes.
const DefaultPrefix = "patchbay:graph:"

const (
	currentField  = "current"
	instanceField = "instance:"
)

// Store implements ports.SnapshotStore using Redis. Each graph is one hash
// holding the latest snapshot of every daemon instance that published it,
// keyed by instance id, plus the id of the instance that published last.
// Expiry is left to Redis: the whole hash lives for the configured TTL after
// the last save.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for snapshots.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	return NewFromClient(NewClient(address, password, db), opts...)
}

// NewClient opens a client shared by the store and the locker.
func NewClient(address, password string, db int) *backend.Client {
	return backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) snapKey(graph string) string {
	return s.prefix + "snap:" + graph
}

// Save records snap as the latest snapshot of its instance and marks that
// instance current.
func (s *Store) Save(ctx context.Context, graph string, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot of %s: %w", graph, err)
	}
	key := s.snapKey(graph)

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.HSet(ctx, key, currentField, snap.Instance, instanceField+snap.Instance, data)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot of %s: %w", graph, err)
	}
	return nil
}

// Load returns the snapshot of the instance that published last.
func (s *Store) Load(ctx context.Context, graph string) (*domain.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.snapKey(graph)).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %s: %w", graph, err)
	}
	current, ok := fields[currentField]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", graph, domain.ErrSnapshotNotFound)
	}
	return decodeSnapshot(graph, fields[instanceField+current])
}

// LoadInstance returns the latest snapshot one daemon instance published.
func (s *Store) LoadInstance(ctx context.Context, graph, instance string) (*domain.Snapshot, error) {
	data, err := s.client.HGet(ctx, s.snapKey(graph), instanceField+instance).Result()
	if errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("graph %s instance %s: %w", graph, instance, domain.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %s: %w", graph, err)
	}
	return decodeSnapshot(graph, data)
}

// Instances lists the daemon instances with a snapshot of graph.
func (s *Store) Instances(ctx context.Context, graph string) ([]string, error) {
	names, err := s.client.HKeys(ctx, s.snapKey(graph)).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", graph, err)
	}
	var out []string
	for _, name := range names {
		if id, ok := strings.CutPrefix(name, instanceField); ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func decodeSnapshot(graph, data string) (*domain.Snapshot, error) {
	if data == "" {
		return nil, fmt.Errorf("graph %s: %w", graph, domain.ErrSnapshotNotFound)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", graph, err)
	}
	return &snap, nil
}

// Delete removes every snapshot of the graph.
func (s *Store) Delete(ctx context.Context, graph string) error {
	return s.client.Del(ctx, s.snapKey(graph)).Err()
}

// List returns the graphs with a live snapshot.
func (s *Store) List(ctx context.Context) ([]string, error) {
	match := s.snapKey("*")
	var graphs []string
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		graphs = append(graphs, strings.TrimPrefix(iter.Val(), s.snapKey("")))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	slices.Sort(graphs)
	return slices.Compact(graphs), nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
