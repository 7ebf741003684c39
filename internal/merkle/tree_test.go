package merkle

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
)

func newEmptyTree(t *testing.T) *Tree {
	t.Helper()
	header := &common.TreeHeader{}
	tree, instructions, err := Open(header, nil, nil)
	require.NoError(t, err)
	require.Empty(t, instructions)
	require.NotNil(t, tree)
	return tree
}

// appendBlocks commits the given blocks one changeset per block.
func appendBlocks(t *testing.T, tree *Tree, secret []byte, blocks ...[]byte) {
	t.Helper()
	for _, block := range blocks {
		changeset := tree.Changeset()
		changeset.Append(block)
		changeset.HashAndSign(secret)
		require.NoError(t, tree.Commit(changeset))
	}
}

func TestChangesetAppend(t *testing.T) {
	tree := newEmptyTree(t)
	changeset := tree.Changeset()

	changeset.Append([]byte("hello"))
	changeset.Append([]byte("world"))

	assert.Equal(t, uint64(2), changeset.Length)
	assert.Equal(t, uint64(10), changeset.ByteLength)
	assert.Equal(t, uint64(2), changeset.BatchLength)
	// Two leaves and their parent.
	require.Len(t, changeset.Nodes, 3)
	assert.Equal(t, uint64(0), changeset.Nodes[0].Index)
	assert.Equal(t, uint64(2), changeset.Nodes[1].Index)
	assert.Equal(t, uint64(1), changeset.Nodes[2].Index)
	require.Len(t, changeset.Roots, 1)
	assert.Equal(t, uint64(1), changeset.Roots[0].Index)
}

func TestRootHashIndependentOfBatching(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	blocks := [][]byte{
		[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd"), []byte("e"),
	}

	one := newEmptyTree(t)
	batch := one.Changeset()
	for _, block := range blocks {
		batch.Append(block)
	}
	batch.HashAndSign(keyPair.Secret)
	require.NoError(t, one.Commit(batch))

	two := newEmptyTree(t)
	appendBlocks(t, two, keyPair.Secret, blocks...)

	assert.Equal(t, crypto.TreeHash(one.Roots), crypto.TreeHash(two.Roots))
	assert.Equal(t, one.Length, two.Length)
	assert.Equal(t, one.ByteLength, two.ByteLength)
	assert.Equal(t, one.Signature, two.Signature)
}

func TestCommitSafeguards(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)

	stale := tree.Changeset()
	stale.Append([]byte("stale"))
	stale.HashAndSign(keyPair.Secret)

	appendBlocks(t, tree, keyPair.Secret, []byte("winner"))

	require.False(t, tree.Commitable(stale))
	err := tree.Commit(stale)
	var opErr *common.InvalidOperationError
	require.ErrorAs(t, err, &opErr)
}

func TestByteRange(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	appendBlocks(t, tree, keyPair.Secret,
		[]byte("hello"), []byte("world"), []byte("!"))

	tests := []struct {
		index  uint64
		offset uint64
		length uint64
	}{
		{0, 0, 5},
		{1, 5, 5},
		{2, 10, 1},
	}
	for _, tt := range tests {
		byteRange, instructions, err := tree.ByteRange(tt.index, nil)
		require.NoError(t, err)
		require.Empty(t, instructions, "index %d", tt.index)
		assert.Equal(t, tt.offset, byteRange.Index, "offset of %d", tt.index)
		assert.Equal(t, tt.length, byteRange.Length, "length of %d", tt.index)
	}
}

func TestByteRangeOutOfBounds(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	appendBlocks(t, tree, keyPair.Secret, []byte("only"))

	_, _, err := tree.ByteRange(1, nil)
	var badArg *common.BadArgumentError
	require.ErrorAs(t, err, &badArg)
}

func TestFlushWritesNodes(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	appendBlocks(t, tree, keyPair.Secret, []byte("hello"), []byte("world"))

	infos := tree.Flush()
	// Leaves 0 and 2 plus parent 1.
	require.Len(t, infos, 3)
	offsets := map[uint64]bool{}
	for _, info := range infos {
		require.Equal(t, common.StoreTree, info.Store)
		require.Len(t, info.Data, 40)
		offsets[info.Index] = true
	}
	assert.True(t, offsets[0])
	assert.True(t, offsets[40])
	assert.True(t, offsets[80])

	// Everything flushed; nothing pending.
	assert.Empty(t, tree.Flush())
}

func TestNodePersistenceRoundTrip(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	appendBlocks(t, tree, keyPair.Secret, []byte("hello"))

	infos := tree.Flush()
	require.Len(t, infos, 1)
	node, err := nodeFromBytes(0, infos[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), node.Length)
	assert.True(t, bytes.Equal(crypto.LeafHash([]byte("hello")), node.Hash))
}

func TestOpenFromRootInfos(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	appendBlocks(t, tree, keyPair.Secret,
		[]byte("one"), []byte("two"), []byte("three"))

	flushed := map[uint64][]byte{}
	for _, info := range tree.Flush() {
		flushed[info.Index] = info.Data
	}

	header := &common.TreeHeader{
		Length:    tree.Length,
		Fork:      tree.Fork,
		Signature: tree.Signature,
	}
	_, instructions, err := Open(header, nil, nil)
	require.NoError(t, err)
	// Roots of three blocks: indexes 1 and 4.
	require.Len(t, instructions, 2)
	assert.Equal(t, uint64(40), instructions[0].Index)
	assert.Equal(t, uint64(160), instructions[1].Index)

	infos := make([]common.StoreInfo, 0, len(instructions))
	for _, instruction := range instructions {
		data, ok := flushed[instruction.Index]
		require.True(t, ok)
		infos = append(infos, common.NewContent(common.StoreTree, instruction.Index, data))
	}
	reopened, _, err := Open(header, infos, nil)
	require.NoError(t, err)
	require.NotNil(t, reopened)
	assert.Equal(t, tree.Length, reopened.Length)
	assert.Equal(t, tree.ByteLength, reopened.ByteLength)
	assert.Equal(t, crypto.TreeHash(tree.Roots), crypto.TreeHash(reopened.Roots))
}

func TestTruncateStagesBlanksAndTailDrop(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	var blocks [][]byte
	for i := 0; i < 5; i++ {
		blocks = append(blocks, []byte(fmt.Sprintf("#%d", i)))
	}
	appendBlocks(t, tree, keyPair.Secret, blocks...)
	// The flushed nodes stand in for the tree store reads.
	flushed := tree.Flush()

	changeset, instructions, err := tree.Truncate(3, tree.Fork, flushed)
	require.NoError(t, err)
	require.Empty(t, instructions)
	require.NotNil(t, changeset)
	changeset.HashAndSign(keyPair.Secret)
	require.NoError(t, tree.Commit(changeset))

	assert.Equal(t, uint64(3), tree.Length)
	assert.Equal(t, uint64(6), tree.ByteLength)

	infos := tree.Flush()
	require.NotEmpty(t, infos)
	assert.Equal(t, common.StoreInfoSize, infos[0].Type)
	assert.True(t, infos[0].Miss)
	// Tail starts right after the last kept leaf: (3-1)*80+40.
	assert.Equal(t, uint64(200), infos[0].Index)
}

func TestMissingNodesInsideTree(t *testing.T) {
	keyPair := crypto.KeyPairFromSeed(make([]byte, 32))
	tree := newEmptyTree(t)
	appendBlocks(t, tree, keyPair.Secret,
		[]byte("a"), []byte("b"), []byte("c"), []byte("d"))

	// All nodes are buffered, so nothing is missing.
	count, instructions, err := tree.MissingNodes(0, nil)
	require.NoError(t, err)
	require.Empty(t, instructions)
	assert.Equal(t, uint64(0), count)

	// An index outside the tree reports zero by definition.
	count, _, err = tree.MissingNodes(16, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), count)
}
