package runtime_test

import (
	"testing"

	"github.com/aretw0/patchbay/internal/runtime"
	"github.com/aretw0/patchbay/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueComplete(t *testing.T) {
	q := runtime.NewWorkQueue(nil)
	a, b := new(int), new(int)

	var got []error
	q.Add(a, 3, func(obj any, seq uint32, err error) {
		assert.Same(t, a, obj)
		assert.Equal(t, uint32(3), seq)
		got = append(got, err)
	})
	q.Add(b, 3, func(any, uint32, error) { t.Fatal("wrong object completed") })
	assert.Equal(t, 1, q.Pending(a))

	assert.False(t, q.Complete(a, 4, nil), "sequence must match")
	assert.True(t, q.Complete(a, 3, domain.EIO))
	assert.False(t, q.Complete(a, 3, nil), "items complete once")
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0], domain.EIO)
	assert.Zero(t, q.Pending(a))
	assert.Equal(t, 1, q.Pending(b))
}

func TestWorkQueueDeferred(t *testing.T) {
	q := runtime.NewWorkQueue(nil)
	obj := new(int)

	var order []string
	q.Add(obj, 0, func(any, uint32, error) {
		order = append(order, "first")
		q.Add(obj, 0, func(any, uint32, error) { order = append(order, "nested") })
	})
	q.Add(obj, 0, func(any, uint32, error) { order = append(order, "second") })
	assert.Equal(t, 2, q.Pending(obj), "deferred items count as pending")
	assert.Empty(t, order, "deferred items wait for Dispatch")

	q.Dispatch()
	assert.Equal(t, []string{"first", "second", "nested"}, order)
	assert.Zero(t, q.Pending(obj))
}

func TestWorkQueueCancel(t *testing.T) {
	q := runtime.NewWorkQueue(nil)
	a, b := new(int), new(int)
	ran := 0
	fn := func(any, uint32, error) { ran++ }

	q.Add(a, 1, fn)
	q.Add(a, 0, fn)
	q.Add(b, 0, fn)

	assert.Equal(t, 2, q.Cancel(a))
	assert.False(t, q.Complete(a, 1, nil), "canceled completions are dropped")
	q.Dispatch()
	assert.Equal(t, 1, ran)
	assert.Zero(t, q.Cancel(a))
}
