package gossip

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(Config{Capacity: 1000, StoreSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServiceObserve(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	id := randomIDs(t, 1)[0]

	fresh, err := s.Observe(ctx, id)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.Observe(ctx, id)
	require.NoError(t, err)
	assert.False(t, fresh, "a second copy from another route is a duplicate")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Observed)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint(1), st.FilterCount)
}

func TestServiceReconcile(t *testing.T) {
	ctx := context.Background()
	ours := newTestService(t)
	theirs := newTestService(t)

	ids := randomIDs(t, 6)
	for i, id := range ids {
		require.NoError(t, ours.Remember(ctx, id, []byte{byte(i)}))
		if i < 3 {
			require.NoError(t, theirs.Remember(ctx, id, []byte{byte(i)}))
		}
	}

	summary, err := theirs.Summary(ctx, 512)
	require.NoError(t, err)

	missing, err := ours.Missing(ctx, summary, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{{3}, {4}, {5}}, missing)

	limited, err := ours.Missing(ctx, summary, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{5}}, limited, "newest first")

	summary, err = ours.Summary(ctx, 512)
	require.NoError(t, err)
	missing, err = ours.Missing(ctx, summary, 0)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestServiceMissingBadSummary(t *testing.T) {
	s := newTestService(t)
	_, err := s.Missing(context.Background(), []byte{1, 2}, 0)
	assert.ErrorIs(t, err, ErrInvalidSummary)
}

func TestServiceStoreBounded(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	for _, id := range randomIDs(t, 40) {
		require.NoError(t, s.Remember(ctx, id, []byte("pkt")))
	}
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, st.Stored)
}

func TestServiceClosed(t *testing.T) {
	s, err := NewService(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Observe(context.Background(), randomIDs(t, 1)[0])
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServiceContextCancelled(t *testing.T) {
	s := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either the request ran or the cancelled context won the race
	_, err := s.Observe(ctx, randomIDs(t, 1)[0])
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
