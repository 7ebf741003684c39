package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelog/hypercore/internal/common"
)

func testHash(fill byte) []byte {
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = fill
	}
	return hash
}

func TestNodeRoundTrip(t *testing.T) {
	node := common.NewNode(1337, testHash(0xab), 98765)

	state := NewState()
	state.PreencodeNode(node)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeNode(node, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeNode(buffer)
	require.NoError(t, err)
	assert.Equal(t, node.Index, decoded.Index)
	assert.Equal(t, node.Length, decoded.Length)
	assert.Equal(t, node.Hash, decoded.Hash)
	assert.False(t, decoded.Blank)
}

func TestNodesRoundTrip(t *testing.T) {
	nodes := []*common.Node{
		common.NewNode(0, testHash(1), 5),
		common.NewNode(2, testHash(2), 6),
		common.NewNode(1, testHash(3), 11),
	}

	state := NewState()
	state.PreencodeNodes(nodes)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeNodes(nodes, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeNodes(buffer)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i := range nodes {
		assert.Equal(t, nodes[i].Index, decoded[i].Index)
		assert.Equal(t, nodes[i].Hash, decoded[i].Hash)
	}
}

func TestDataUpgradeRoundTrip(t *testing.T) {
	upgrade := &common.DataUpgrade{
		Start:           3,
		Length:          7,
		Nodes:           []*common.Node{common.NewNode(5, testHash(9), 20)},
		AdditionalNodes: []*common.Node{},
		Signature:       testHash(0x51),
	}

	state := NewState()
	state.PreencodeDataUpgrade(upgrade)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeDataUpgrade(upgrade, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeDataUpgrade(buffer)
	require.NoError(t, err)
	assert.Equal(t, upgrade.Start, decoded.Start)
	assert.Equal(t, upgrade.Length, decoded.Length)
	require.Len(t, decoded.Nodes, 1)
	assert.Equal(t, uint64(5), decoded.Nodes[0].Index)
	assert.Empty(t, decoded.AdditionalNodes)
	assert.Equal(t, upgrade.Signature, decoded.Signature)
}

func TestDataBlockRoundTrip(t *testing.T) {
	block := &common.DataBlock{
		Index: 4,
		Value: []byte("block value"),
		Nodes: []*common.Node{common.NewNode(10, testHash(4), 2)},
	}

	state := NewState()
	state.PreencodeDataBlock(block)
	buffer := state.CreateBuffer()
	require.NoError(t, state.EncodeDataBlock(block, buffer))

	dec := NewStateFromBuffer(buffer)
	decoded, err := dec.DecodeDataBlock(buffer)
	require.NoError(t, err)
	assert.Equal(t, block.Index, decoded.Index)
	assert.Equal(t, block.Value, decoded.Value)
	require.Len(t, decoded.Nodes, 1)
}
