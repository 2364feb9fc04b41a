package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	chunks := chunkSlice(items, 3)
	require.Len(t, chunks, 3)
	require.Equal(t, []int{1, 2, 3}, chunks[0])
	require.Equal(t, []int{4, 5, 6}, chunks[1])
	require.Equal(t, []int{7}, chunks[2])

	require.Len(t, chunkSlice(items, 100), 1)
	require.Empty(t, chunkSlice([]int{}, 3))

	// A nonsense size still makes progress.
	require.Len(t, chunkSlice(items, 0), len(items))
}
