package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openattribution/pkg/errors"
)

func TestMemoryResolver_CachesPerExternalID(t *testing.T) {
	resolver := NewMemoryResolver()
	var starts atomic.Int32
	start := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		id := uuid.New()
		return &id, nil
	}

	first, err := resolver.GetOrCreate(context.Background(), "conv-1", start)
	require.NoError(t, err)
	second, err := resolver.GetOrCreate(context.Background(), "conv-1", start)
	require.NoError(t, err)

	assert.Equal(t, *first, *second)
	assert.Equal(t, int32(1), starts.Load())

	other, err := resolver.GetOrCreate(context.Background(), "conv-2", start)
	require.NoError(t, err)
	assert.NotEqual(t, *first, *other)
	assert.Equal(t, int32(2), starts.Load())
}

func TestMemoryResolver_EmptyExternalIDAlwaysStarts(t *testing.T) {
	resolver := NewMemoryResolver()
	var starts atomic.Int32
	start := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		id := uuid.New()
		return &id, nil
	}

	_, err := resolver.GetOrCreate(context.Background(), "", start)
	require.NoError(t, err)
	_, err = resolver.GetOrCreate(context.Background(), "", start)
	require.NoError(t, err)
	assert.Equal(t, int32(2), starts.Load())
}

func TestMemoryResolver_ConcurrentCallsShareOneStart(t *testing.T) {
	resolver := NewMemoryResolver()
	var starts atomic.Int32
	start := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		id := uuid.New()
		return &id, nil
	}

	const workers = 32
	ids := make([]*uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := resolver.GetOrCreate(context.Background(), "conv-1", start)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), starts.Load(), "concurrent callers must share a single creation")
	for i := 1; i < workers; i++ {
		assert.Equal(t, *ids[0], *ids[i])
	}
}

func TestMemoryResolver_FailedStartNotCached(t *testing.T) {
	resolver := NewMemoryResolver()
	var starts atomic.Int32
	failing := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		return nil, errors.Wrap(errors.ErrUnavailable, "endpoint down")
	}

	_, err := resolver.GetOrCreate(context.Background(), "conv-1", failing)
	require.Error(t, err)

	succeeding := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		id := uuid.New()
		return &id, nil
	}
	id, err := resolver.GetOrCreate(context.Background(), "conv-1", succeeding)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int32(2), starts.Load(), "a failed creation must be retried on the next call")
}

func TestMemoryResolver_NilSentinelNotCached(t *testing.T) {
	resolver := NewMemoryResolver()
	silent := func(ctx context.Context) (*uuid.UUID, error) {
		return nil, nil // fail-silent delivery client
	}

	id, err := resolver.GetOrCreate(context.Background(), "conv-1", silent)
	require.NoError(t, err)
	assert.Nil(t, id)

	var starts atomic.Int32
	start := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		id := uuid.New()
		return &id, nil
	}
	id, err = resolver.GetOrCreate(context.Background(), "conv-1", start)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int32(1), starts.Load())
}

func TestMemoryResolver_ForgetEvicts(t *testing.T) {
	resolver := NewMemoryResolver()
	var starts atomic.Int32
	start := func(ctx context.Context) (*uuid.UUID, error) {
		starts.Add(1)
		id := uuid.New()
		return &id, nil
	}

	first, err := resolver.GetOrCreate(context.Background(), "conv-1", start)
	require.NoError(t, err)

	require.NoError(t, resolver.Forget(context.Background(), "conv-1"))

	second, err := resolver.GetOrCreate(context.Background(), "conv-1", start)
	require.NoError(t, err)
	assert.NotEqual(t, *first, *second)
	assert.Equal(t, int32(2), starts.Load())
}
