package common

// RequestBlock asks a peer for a block or hash plus the sibling nodes
// needed to verify it.
type RequestBlock struct {
	// Index is the block index for block requests and the tree index
	// for hash requests.
	Index uint64
	// Nodes is how many spine nodes the requester is missing.
	Nodes uint64
}

// RequestSeek asks a peer for the nodes locating a byte offset.
type RequestSeek struct {
	Bytes uint64
}

// RequestUpgrade asks a peer to extend the requester's tree.
type RequestUpgrade struct {
	Start  uint64
	Length uint64
}

// DataBlock carries a block value and its verification nodes.
type DataBlock struct {
	Index uint64
	Value []byte
	Nodes []*Node
}

// DataHash carries the verification nodes for a hash request.
type DataHash struct {
	Index uint64
	Nodes []*Node
}

// DataSeek carries the nodes locating a byte offset.
type DataSeek struct {
	Bytes uint64
	Nodes []*Node
}

// DataUpgrade extends the verifier's tree: the right-spine nodes plus
// a signature over the new tree head.
type DataUpgrade struct {
	Start           uint64
	Length          uint64
	Nodes           []*Node
	AdditionalNodes []*Node
	Signature       []byte
}

// Proof is a verifiable bundle of tree information from a peer.
type Proof struct {
	Fork    uint64
	Block   *DataBlock
	Hash    *DataHash
	Seek    *DataSeek
	Upgrade *DataUpgrade
}

// ValuelessProof is a proof's shape without the block payload; the
// block value is attached later from the block store.
type ValuelessProof struct {
	Fork uint64
	// Block is a hash response whose value is still to be filled in.
	Block   *DataHash
	Hash    *DataHash
	Seek    *DataSeek
	Upgrade *DataUpgrade
}

// IntoProof attaches a block value, turning the valueless proof into a
// full proof.
func (v *ValuelessProof) IntoProof(value []byte) *Proof {
	proof := &Proof{
		Fork:    v.Fork,
		Hash:    v.Hash,
		Seek:    v.Seek,
		Upgrade: v.Upgrade,
	}
	if v.Block != nil && value != nil {
		proof.Block = &DataBlock{
			Index: v.Block.Index,
			Value: value,
			Nodes: v.Block.Nodes,
		}
	}
	return proof
}
