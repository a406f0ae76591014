package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunSnapshotStoreContract runs a suite of tests to verify that a SnapshotStore
// implementation adheres to the defined interface contract.
func RunSnapshotStoreContract(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	graph := "contract-graph-" + time.Now().Format("20060102150405")

	sample := func(name string) *domain.Snapshot {
		return &domain.Snapshot{
			Graph: name,
			Taken: time.Now().UTC().Truncate(time.Millisecond),
			Nodes: []domain.NodeSnapshot{
				{ID: 1, Name: "source", Driving: true, Active: true, Ports: []domain.PortSnapshot{
					{ID: 0, Direction: "output", State: "paused", Buffers: 4, Mixes: 1},
				}},
				{ID: 2, Name: "sink", Active: true, DriverID: 1, Required: 1},
			},
			Links: []domain.LinkSnapshot{
				{ID: 3, OutputNode: 1, InputNode: 2, State: "active", Buffers: 4, Prepared: true, Active: true},
			},
		}
	}

	t.Run("Save and Load", func(t *testing.T) {
		snap := sample(graph)

		err := store.Save(ctx, graph, snap)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, graph)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, graph, loaded.Graph)
		require.Len(t, loaded.Nodes, 2)
		require.Len(t, loaded.Links, 1)
		assert.Equal(t, "active", loaded.Links[0].State)
		assert.Equal(t, int32(1), loaded.Nodes[1].Required)
		assert.True(t, snap.Taken.Equal(loaded.Taken))
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+graph)
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		snap := sample(graph)
		snap.Links = nil
		require.NoError(t, store.Save(ctx, graph, snap))

		loaded, err := store.Load(ctx, graph)
		require.NoError(t, err)
		assert.Empty(t, loaded.Links)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, graph, sample(graph)))

		err := store.Delete(ctx, graph)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, graph)
		assert.ErrorIs(t, err, domain.ErrSnapshotNotFound, "Load after Delete should return ErrSnapshotNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := graph + "-1"
		id2 := graph + "-2"
		_ = store.Save(ctx, id1, sample(id1))
		_ = store.Save(ctx, id2, sample(id2))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		graphs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, graphs, id1)
		assert.Contains(t, graphs, id2)
	})
}
