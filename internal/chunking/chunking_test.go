package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEmptyText(t *testing.T) {
	assert.Nil(t, Split("", 100, 10))
}

func TestSplitShorterThanMaxReturnsSingleChunk(t *testing.T) {
	chunks := Split("hello world", 100, 10)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
}

func TestSplitOverlapRepeatsTrailingText(t *testing.T) {
	text := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	chunks := Split(text, 60, 10)
	require.GreaterOrEqual(t, len(chunks), 2)
	// The tail of chunk 0 should reappear at the head of chunk 1.
	tail := chunks[0].Text[len(chunks[0].Text)-10:]
	assert.True(t, strings.HasPrefix(chunks[1].Text, tail) || strings.Contains(chunks[1].Text, tail))
}

func TestSplitPrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("x", 40) + "\n\n" + strings.Repeat("y", 40)
	chunks := Split(text, 45, 0)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "\n\n") || !strings.Contains(chunks[0].Text, "y"))
}

func TestBatchGroupsBySize(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	batches := Batch(items, 3)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{1, 2, 3}, batches[0])
	assert.Equal(t, []int{4, 5, 6}, batches[1])
	assert.Equal(t, []int{7}, batches[2])
}

func TestBatchZeroSizeReturnsSingleBatch(t *testing.T) {
	items := []int{1, 2, 3}
	batches := Batch(items, 0)
	require.Len(t, batches, 1)
	assert.Equal(t, items, batches[0])
}
