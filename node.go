package hypercore

import "github.com/corelog/hypercore/internal/common"

// Node is a stored Merkle tree node: a flat-tree index, the byte
// length of the subtree it covers and its Blake2b-256 hash.
type Node = common.Node

// NewNode creates a node from its parts.
func NewNode(index uint64, hash []byte, length uint64) *Node {
	return common.NewNode(index, hash, length)
}

// Store names one of the four byte files backing a log.
type Store = common.Store

// The four stores of a log.
const (
	StoreTree     = common.StoreTree
	StoreData     = common.StoreData
	StoreBitfield = common.StoreBitfield
	StoreOplog    = common.StoreOplog
)
