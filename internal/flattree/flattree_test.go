package flattree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseBlocks(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(uint64) uint64
		input    uint64
		expected uint64
	}{
		{"parent of 0", Parent, 0, 1},
		{"parent of 2", Parent, 2, 1},
		{"parent of 1", Parent, 1, 3},
		{"parent of 4", Parent, 4, 5},
		{"parent of 5", Parent, 5, 3},
		{"parent of 6", Parent, 6, 5},
		{"sibling of 0", Sibling, 0, 2},
		{"sibling of 2", Sibling, 2, 0},
		{"sibling of 1", Sibling, 1, 5},
		{"sibling of 5", Sibling, 5, 1},
		{"left child of 3", LeftChild, 3, 1},
		{"left child of 1", LeftChild, 1, 0},
		{"right child of 3", RightChild, 3, 5},
		{"right child of 1", RightChild, 1, 2},
		{"left span of 3", LeftSpan, 3, 0},
		{"right span of 3", RightSpan, 3, 6},
		{"left span of 11", LeftSpan, 11, 8},
		{"right span of 11", RightSpan, 11, 14},
		{"left span of leaf", LeftSpan, 8, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.fn(tt.input))
		})
	}
}

func TestDepthAndOffset(t *testing.T) {
	assert.Equal(t, uint64(0), Depth(0))
	assert.Equal(t, uint64(1), Depth(1))
	assert.Equal(t, uint64(2), Depth(3))
	assert.Equal(t, uint64(1), Depth(5))
	assert.Equal(t, uint64(3), Depth(7))

	assert.Equal(t, uint64(0), Offset(0))
	assert.Equal(t, uint64(1), Offset(2))
	assert.Equal(t, uint64(1), Offset(5))
	assert.Equal(t, uint64(2), Offset(9))
}

func TestIndex(t *testing.T) {
	for i := uint64(0); i < 1000; i++ {
		assert.Equal(t, i, Index(Depth(i), Offset(i)))
	}
}

func TestFullRoots(t *testing.T) {
	tests := []struct {
		head     uint64
		expected []uint64
	}{
		{0, nil},
		{2, []uint64{0}},
		{8, []uint64{3}},
		{20, []uint64{7, 17}},
		{18, []uint64{7, 16}},
		{16, []uint64{7}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FullRoots(tt.head), "head %d", tt.head)
	}
}

func TestIteratorMovement(t *testing.T) {
	iter := NewIterator(0)
	require.Equal(t, uint64(0), iter.Index())
	require.Equal(t, uint64(1), iter.Parent())
	require.Equal(t, uint64(3), iter.Parent())
	require.Equal(t, uint64(7), iter.Parent())
	require.Equal(t, uint64(3), iter.LeftChild())
	require.Equal(t, uint64(5), iter.RightChild())
	require.Equal(t, uint64(1), iter.Sibling())
	require.Equal(t, uint64(0), iter.LeftChild())
	require.True(t, iter.IsLeft())

	iter.Seek(8)
	require.Equal(t, uint64(10), iter.Sibling())
	require.Equal(t, uint64(9), iter.Parent())
	require.Equal(t, uint64(13), iter.Sibling())
	require.Equal(t, uint64(11), iter.Parent())
	require.Equal(t, uint64(3), iter.Sibling())
	require.Equal(t, uint64(7), iter.Parent())
}

func TestIteratorContains(t *testing.T) {
	iter := NewIterator(7)
	assert.True(t, iter.Contains(7))
	assert.True(t, iter.Contains(0))
	assert.True(t, iter.Contains(14))
	assert.False(t, iter.Contains(15))

	leaf := NewIterator(4)
	assert.True(t, leaf.Contains(4))
	assert.False(t, leaf.Contains(3))
	assert.False(t, leaf.Contains(5))
}

func TestIteratorFullRootWalk(t *testing.T) {
	collect := func(head uint64) []uint64 {
		var roots []uint64
		iter := NewIterator(0)
		for iter.FullRoot(head) {
			roots = append(roots, iter.Index())
			iter.NextTree()
		}
		return roots
	}

	for _, head := range []uint64{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 24, 64, 1000} {
		assert.Equal(t, FullRoots(head), collect(head), "head %d", head)
	}
}

func TestIteratorSpans(t *testing.T) {
	iter := NewIterator(7)
	require.Equal(t, uint64(0), iter.LeftSpan())
	iter.Seek(7)
	require.Equal(t, uint64(14), iter.RightSpan())
	require.Equal(t, uint64(2), iter.Factor())
}
