package hypercore

import (
	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/encoding"
)

// Proof request and response objects exchanged with peers. The wire
// framing around them is left to the transport. EncodeNode and
// DecodeNode cover the compact encoding of a node; no root-level codec
// is exposed for the other objects.
type (
	// RequestBlock asks for a block (or hash) and its spine nodes.
	RequestBlock = common.RequestBlock
	// RequestSeek asks for the nodes locating a byte offset.
	RequestSeek = common.RequestSeek
	// RequestUpgrade asks to extend the requester's tree.
	RequestUpgrade = common.RequestUpgrade
	// DataBlock carries a block value and its verification nodes.
	DataBlock = common.DataBlock
	// DataHash carries verification nodes for a hash request.
	DataHash = common.DataHash
	// DataSeek carries the nodes locating a byte offset.
	DataSeek = common.DataSeek
	// DataUpgrade extends the verifier's tree.
	DataUpgrade = common.DataUpgrade
	// Proof is a verifiable bundle of tree information.
	Proof = common.Proof
	// ValuelessProof is a proof without its block payload.
	ValuelessProof = common.ValuelessProof
)

// EncodeNode encodes a node in its wire form: varint index, varint
// length, 32 byte hash.
func EncodeNode(node *Node) ([]byte, error) {
	state := encoding.NewState()
	state.PreencodeNode(node)
	buffer := state.CreateBuffer()
	if err := state.EncodeNode(node, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}

// DecodeNode decodes a node from its wire form.
func DecodeNode(buffer []byte) (*Node, error) {
	state := encoding.NewStateFromBuffer(buffer)
	return state.DecodeNode(buffer)
}
