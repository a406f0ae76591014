package badger_test

import (
	"context"
	"testing"

	"github.com/aretw0/patchbay/pkg/adapters/badger"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/aretw0/patchbay/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore_Contract(t *testing.T) {
	store, err := badger.Open(badger.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	ports.RunSnapshotStoreContract(t, store)
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := badger.Open(badger.Options{Dir: dir})
	require.NoError(t, err)
	snap := &domain.Snapshot{
		Graph: "studio",
		Nodes: []domain.NodeSnapshot{{ID: 7, Name: "mic", Driving: true}},
	}
	require.NoError(t, store.Save(ctx, "studio", snap))
	require.NoError(t, store.Close())

	store, err = badger.Open(badger.Options{Dir: dir})
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load(ctx, "studio")
	require.NoError(t, err)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "mic", loaded.Nodes[0].Name)
	assert.True(t, loaded.Nodes[0].Driving)

	graphs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"studio"}, graphs)
}

func TestBadgerStore_RequiresDir(t *testing.T) {
	_, err := badger.Open(badger.Options{})
	assert.Error(t, err)
}
