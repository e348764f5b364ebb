package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryAddIsTestAndSet(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	var added int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Add(ctx, "MasterWallet111")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&added, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), added)
	members, err := r.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MasterWallet111"}, members)
}

func TestMemoryRegistryRemove(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	_, _ = r.Add(ctx, "a")
	_, _ = r.Add(ctx, "b")

	removed, err := r.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)

	ok, _ := r.Contains(ctx, "b")
	assert.True(t, ok)
	ok, _ = r.Contains(ctx, "a")
	assert.False(t, ok)
}
