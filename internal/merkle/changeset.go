// Package merkle implements the flat-tree Merkle store: incremental
// append, truncation, root signing and proof generation/verification.
package merkle

import (
	"crypto/ed25519"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
	"github.com/corelog/hypercore/internal/flattree"
)

// Changeset stages changes to a Merkle tree in two steps: the changes
// are first accumulated here (and recorded into the oplog), then the
// changeset is committed to the tree.
type Changeset struct {
	Length      uint64
	Ancestors   uint64
	ByteLength  uint64
	BatchLength uint64
	Fork        uint64
	Roots       []*common.Node
	Nodes       []*common.Node
	Hash        []byte
	Signature   []byte
	Upgraded    bool

	// Safeguards against committing into a tree that moved on.
	OriginalTreeLength uint64
	OriginalTreeFork   uint64
}

// NewChangeset starts a changeset over the given tree state.
func NewChangeset(length, byteLength, fork uint64, roots []*common.Node) *Changeset {
	return &Changeset{
		Length:             length,
		Ancestors:          length,
		ByteLength:         byteLength,
		Fork:               fork,
		Roots:              append([]*common.Node(nil), roots...),
		OriginalTreeLength: length,
		OriginalTreeFork:   fork,
	}
}

// Append hashes a block into a new leaf and merges completed sibling
// subtrees into parents. It returns the block's byte length.
func (c *Changeset) Append(data []byte) int {
	head := c.Length * 2
	iter := flattree.NewIterator(head)
	node := common.NewNode(head, crypto.LeafHash(data), uint64(len(data)))
	c.AppendRoot(node, iter)
	c.BatchLength++
	return len(data)
}

// AppendRoot pushes a new root and combines adjacent roots that are
// flat-tree siblings until no more combine.
func (c *Changeset) AppendRoot(node *common.Node, iter *flattree.Iterator) {
	c.Upgraded = true
	c.Length += iter.Factor() / 2
	c.ByteLength += node.Length
	c.Roots = append(c.Roots, node)
	c.Nodes = append(c.Nodes, node)

	for len(c.Roots) > 1 {
		a := c.Roots[len(c.Roots)-1]
		b := c.Roots[len(c.Roots)-2]
		if iter.Sibling() != b.Index {
			iter.Sibling() // unset so it always points to the last root
			break
		}

		parent := common.NewNode(iter.Parent(), crypto.ParentHash(a, b), a.Length+b.Length)
		c.Nodes = append(c.Nodes, parent)
		c.Roots = c.Roots[:len(c.Roots)-2]
		c.Roots = append(c.Roots, parent)
	}
}

// HashAndSign computes the root summary hash and signs the signable
// tree with the given secret key.
func (c *Changeset) HashAndSign(secret ed25519.PrivateKey) {
	hash := c.HashRoots()
	signable := c.Signable(hash)
	c.Hash = hash
	c.Signature = crypto.Sign(secret, signable)
}

// VerifyAndSetSignature checks the signature against the public key
// and adopts it on success.
func (c *Changeset) VerifyAndSetSignature(signature []byte, public ed25519.PublicKey) error {
	if len(signature) != ed25519.SignatureSize {
		return &common.InvalidSignatureError{Context: "could not parse signature"}
	}
	hash := c.HashRoots()
	if err := crypto.Verify(public, c.Signable(hash), signature); err != nil {
		return err
	}
	c.Hash = hash
	c.Signature = append([]byte(nil), signature...)
	return nil
}

// HashRoots summarises the current roots.
func (c *Changeset) HashRoots() []byte {
	return crypto.TreeHash(c.Roots)
}

// Signable builds the signed buffer for the given root hash.
func (c *Changeset) Signable(hash []byte) []byte {
	return crypto.SignableTree(hash, c.Length, c.Fork)
}
