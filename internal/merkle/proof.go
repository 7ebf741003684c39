package merkle

import (
	"crypto/ed25519"
	"fmt"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
	"github.com/corelog/hypercore/internal/flattree"
)

// normalizedIndexed folds a block or hash request into one shape:
// block requests address leaves by block index, hash requests address
// arbitrary tree indexes.
type normalizedIndexed struct {
	value     bool
	index     uint64
	nodes     uint64
	lastIndex uint64
}

func normalizeIndexed(block, hash *common.RequestBlock) *normalizedIndexed {
	if block != nil {
		return &normalizedIndexed{
			value:     true,
			index:     block.Index * 2,
			nodes:     block.Nodes,
			lastIndex: block.Index,
		}
	}
	if hash != nil {
		return &normalizedIndexed{
			index:     hash.Index,
			nodes:     hash.Nodes,
			lastIndex: flattree.RightSpan(hash.Index) / 2,
		}
	}
	return nil
}

type normalizedData struct {
	value []byte
	index uint64
	nodes []*common.Node
}

func normalizeData(block *common.DataBlock, hash *common.DataHash) *normalizedData {
	if block != nil {
		return &normalizedData{
			value: block.Value,
			index: block.Index * 2,
			nodes: block.Nodes,
		}
	}
	if hash != nil {
		return &normalizedData{
			index: hash.Index,
			nodes: hash.Nodes,
		}
	}
	return nil
}

// localProof accumulates the node lists of a proof while it is built.
// The set flags distinguish an empty list from one never produced.
type localProof struct {
	seek              []*common.Node
	seekSet           bool
	nodes             []*common.Node
	nodesSet          bool
	upgrade           []*common.Node
	upgradeSet        bool
	additionalUpgrade []*common.Node
	additionalSet     bool
}

// nodesToRoot walks the given number of parents up from an index,
// erroring if the walk crosses the head.
func nodesToRoot(index, nodes, head uint64) (uint64, error) {
	iter := flattree.NewIterator(index)
	for i := uint64(0); i < nodes; i++ {
		iter.Parent()
		if iter.Contains(head) {
			return 0, &common.InvalidOperationError{
				Context: fmt.Sprintf("nodes out of bounds, index %d, nodes %d, head %d", index, nodes, head),
			}
		}
	}
	return iter.Index(), nil
}

func parentNode(index uint64, left, right *common.Node) *common.Node {
	return common.NewNode(index, crypto.ParentHash(left, right), left.Length+right.Length)
}

func blockNode(index uint64, value []byte) *common.Node {
	return common.NewNode(index, crypto.LeafHash(value), uint64(len(value)))
}

// nodeQueue feeds the nodes of a received proof in verification
// order, with an optional extra node spliced in by index.
type nodeQueue struct {
	i      int
	nodes  []*common.Node
	extra  *common.Node
	length int
}

func newNodeQueue(nodes []*common.Node, extra *common.Node) *nodeQueue {
	length := len(nodes)
	if extra != nil {
		length++
	}
	return &nodeQueue{nodes: nodes, extra: extra, length: length}
}

func (q *nodeQueue) shift(index uint64) (*common.Node, error) {
	if q.extra != nil && q.extra.Index == index {
		node := q.extra
		q.extra = nil
		q.length--
		return node, nil
	}
	if q.i >= len(q.nodes) {
		return nil, &common.InvalidOperationError{
			Context: fmt.Sprintf("expected node %d, got none", index),
		}
	}
	node := q.nodes[q.i]
	q.i++
	if node.Index != index {
		return nil, &common.InvalidOperationError{
			Context: fmt.Sprintf("expected node %d, got node %d", index, node.Index),
		}
	}
	q.length--
	return node, nil
}

// CreateValuelessProof produces a proof's shape for the requested
// block/hash/seek/upgrade combination, without block payloads.
func (t *Tree) CreateValuelessProof(block, hash *common.RequestBlock, seek *common.RequestSeek, upgrade *common.RequestUpgrade, infos []common.StoreInfo) (*common.ValuelessProof, []common.StoreInfoInstruction, error) {
	nodes := t.infosToNodes(infos)
	var instructions []common.StoreInfoInstruction
	fork := t.Fork
	signature := t.Signature
	head := 2 * t.Length
	from := uint64(0)
	to := head
	if upgrade != nil {
		from = upgrade.Start * 2
		to = from + upgrade.Length*2
	}
	indexed := normalizeIndexed(block, hash)

	if from >= to || to > head {
		return nil, nil, &common.InvalidOperationError{Context: "invalid upgrade"}
	}

	subTree := head
	p := &localProof{}
	untrustedSubTree := false
	if indexed != nil {
		if seek != nil && upgrade != nil && indexed.index >= from {
			return nil, nil, &common.InvalidOperationError{
				Context: "cannot do both a seek and a block/hash request when upgrading",
			}
		}

		if upgrade != nil {
			untrustedSubTree = indexed.lastIndex < upgrade.Start
		} else {
			untrustedSubTree = true
		}

		if untrustedSubTree {
			var err error
			subTree, err = nodesToRoot(indexed.index, indexed.nodes, to)
			if err != nil {
				return nil, nil, err
			}
			seekRoot := head
			if seek != nil {
				index, seekInstructions, err := t.seekUntrustedTree(subTree, seek.Bytes, nodes)
				if err != nil {
					return nil, nil, err
				}
				if len(seekInstructions) > 0 {
					instructions = append(instructions, seekInstructions...)
					return nil, instructions, nil
				}
				seekRoot = index
			}
			newInstructions, err := t.blockAndSeekProof(indexed, seek != nil, seekRoot, subTree, p, nodes)
			if err != nil {
				return nil, nil, err
			}
			instructions = append(instructions, newInstructions...)
		} else if upgrade != nil {
			subTree = indexed.index
		}
	}
	if !untrustedSubTree && seek != nil {
		index, seekInstructions, err := t.seekFromHead(to, seek.Bytes, nodes)
		if err != nil {
			return nil, nil, err
		}
		if len(seekInstructions) > 0 {
			instructions = append(instructions, seekInstructions...)
			return nil, instructions, nil
		}
		subTree = index
	}

	if upgrade != nil {
		newInstructions, err := t.upgradeProof(indexed, seek != nil, from, to, subTree, p, nodes)
		if err != nil {
			return nil, nil, err
		}
		instructions = append(instructions, newInstructions...)

		if head > to {
			additionalInstructions, err := t.additionalUpgradeProof(to, head, p, nodes)
			if err != nil {
				return nil, nil, err
			}
			instructions = append(instructions, additionalInstructions...)
		}
	}

	if len(instructions) > 0 {
		return nil, instructions, nil
	}

	proof := &common.ValuelessProof{Fork: fork}
	if block != nil {
		if !p.nodesSet {
			return nil, nil, &common.InvalidOperationError{Context: "block proof nodes missing"}
		}
		proof.Block = &common.DataHash{Index: block.Index, Nodes: p.nodes}
	} else if hash != nil {
		if !p.nodesSet {
			return nil, nil, &common.InvalidOperationError{Context: "hash proof nodes missing"}
		}
		proof.Hash = &common.DataHash{Index: hash.Index, Nodes: p.nodes}
	}
	if seek != nil && p.seekSet {
		proof.Seek = &common.DataSeek{Bytes: seek.Bytes, Nodes: p.seek}
	}
	if upgrade != nil {
		if !p.upgradeSet {
			return nil, nil, &common.InvalidOperationError{Context: "upgrade proof nodes missing"}
		}
		if signature == nil {
			return nil, nil, &common.InvalidOperationError{Context: "tree is not signed, cannot upgrade"}
		}
		proof.Upgrade = &common.DataUpgrade{
			Start:           upgrade.Start,
			Length:          upgrade.Length,
			Nodes:           p.upgrade,
			AdditionalNodes: p.additionalUpgrade,
			Signature:       append([]byte(nil), signature...),
		}
		if proof.Upgrade.Nodes == nil {
			proof.Upgrade.Nodes = []*common.Node{}
		}
		if proof.Upgrade.AdditionalNodes == nil {
			proof.Upgrade.AdditionalNodes = []*common.Node{}
		}
	}
	return proof, nil, nil
}

// VerifyProof checks a proof received from a peer against the public
// key and the stored tree, returning the changeset to commit.
func (t *Tree) VerifyProof(proof *common.Proof, publicKey ed25519.PublicKey, infos []common.StoreInfo) (*Changeset, []common.StoreInfoInstruction, error) {
	nodes := t.infosToNodes(infos)
	changeset := t.Changeset()

	unverifiedBlockRoot, err := verifyTree(proof.Block, proof.Hash, proof.Seek, changeset)
	if err != nil {
		return nil, nil, err
	}
	if proof.Upgrade != nil {
		covered, err := verifyUpgrade(proof.Fork, proof.Upgrade, unverifiedBlockRoot, publicKey, changeset)
		if err != nil {
			return nil, nil, err
		}
		if covered {
			unverifiedBlockRoot = nil
		}
	}

	if unverifiedBlockRoot != nil {
		verified, instruction, err := t.requiredNode(unverifiedBlockRoot.Index, nodes)
		if err != nil {
			return nil, nil, err
		}
		if instruction != nil {
			return nil, []common.StoreInfoInstruction{*instruction}, nil
		}
		if !hashEqual(verified.Hash, unverifiedBlockRoot.Hash) {
			return nil, nil, &common.InvalidChecksumError{
				Store:   common.StoreTree,
				Context: fmt.Sprintf("invalid checksum at node %d", unverifiedBlockRoot.Index),
			}
		}
	}

	return changeset, nil, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// verifyTree consumes the seek and indexed nodes of a proof,
// synthesising parents up to the unverified block root.
func verifyTree(block *common.DataBlock, hash *common.DataHash, seek *common.DataSeek, changeset *Changeset) (*common.Node, error) {
	untrusted := normalizeData(block, hash)

	if untrusted == nil {
		if seek == nil || len(seek.Nodes) == 0 {
			return nil, nil
		}
	}

	var root *common.Node

	if seek != nil && len(seek.Nodes) > 0 {
		iter := flattree.NewIterator(seek.Nodes[0].Index)
		q := newNodeQueue(seek.Nodes, nil)
		node, err := q.shift(iter.Index())
		if err != nil {
			return nil, err
		}
		currentRoot := node
		changeset.Nodes = append(changeset.Nodes, node)
		for q.length > 0 {
			node, err := q.shift(iter.Sibling())
			if err != nil {
				return nil, err
			}
			parent := parentNode(iter.Parent(), currentRoot, node)
			currentRoot = parent
			changeset.Nodes = append(changeset.Nodes, node, parent)
		}
		root = currentRoot
	}

	if untrusted != nil {
		iter := flattree.NewIterator(untrusted.index)
		q := newNodeQueue(untrusted.nodes, root)

		var node *common.Node
		if untrusted.value != nil {
			node = blockNode(iter.Index(), untrusted.value)
		} else {
			var err error
			node, err = q.shift(iter.Index())
			if err != nil {
				return nil, err
			}
		}
		currentRoot := node
		changeset.Nodes = append(changeset.Nodes, node)
		for q.length > 0 {
			next, err := q.shift(iter.Sibling())
			if err != nil {
				return nil, err
			}
			parent := parentNode(iter.Parent(), currentRoot, next)
			currentRoot = parent
			changeset.Nodes = append(changeset.Nodes, next, parent)
		}
		root = currentRoot
	}
	return root, nil
}

// verifyUpgrade extends the changeset's roots with the upgrade nodes
// and verifies the signature over the new head. It reports whether the
// indexed block root ended up covered by a trusted root.
func verifyUpgrade(fork uint64, upgrade *common.DataUpgrade, blockRoot *common.Node, publicKey ed25519.PublicKey, changeset *Changeset) (bool, error) {
	q := newNodeQueue(upgrade.Nodes, blockRoot)
	grow := len(changeset.Roots) > 0
	i := 0
	to := 2 * (upgrade.Start + upgrade.Length)
	iter := flattree.NewIterator(0)
	for iter.FullRoot(to) {
		if i < len(changeset.Roots) && changeset.Roots[i].Index == iter.Index() {
			i++
			iter.NextTree()
			continue
		}
		if grow {
			grow = false
			rootIndex := iter.Index()
			if i < len(changeset.Roots) {
				iter.Seek(changeset.Roots[len(changeset.Roots)-1].Index)
				for iter.Index() != rootIndex {
					node, err := q.shift(iter.Sibling())
					if err != nil {
						return false, err
					}
					changeset.AppendRoot(node, iter)
				}
				iter.NextTree()
				continue
			}
		}
		node, err := q.shift(iter.Index())
		if err != nil {
			return false, err
		}
		changeset.AppendRoot(node, iter)
		iter.NextTree()
	}
	if len(changeset.Roots) == 0 {
		return false, &common.InvalidOperationError{Context: "invalid upgrade"}
	}

	extra := upgrade.AdditionalNodes

	iter.Seek(changeset.Roots[len(changeset.Roots)-1].Index)
	i = 0

	for i < len(extra) && extra[i].Index == iter.Sibling() {
		changeset.AppendRoot(extra[i], iter)
		i++
	}

	for i < len(extra) {
		node := extra[i]
		i++
		for node.Index != iter.Index() {
			if iter.Factor() == 2 {
				return false, &common.InvalidOperationError{
					Context: fmt.Sprintf("unexpected node %d in the %s store", node.Index, common.StoreTree),
				}
			}
			iter.LeftChild()
		}
		changeset.AppendRoot(node, iter)
		iter.Sibling()
	}
	changeset.Fork = fork
	if err := changeset.VerifyAndSetSignature(upgrade.Signature, publicKey); err != nil {
		return false, err
	}
	return q.extra == nil, nil
}

// seekFromHead descends from the right-most roots covering the head
// into the subtree containing the byte offset.
func (t *Tree) seekFromHead(head, bytes uint64, nodes nodeMap) (uint64, []common.StoreInfoInstruction, error) {
	var instructions []common.StoreInfoInstruction
	roots := flattree.FullRoots(head)

	for _, root := range roots {
		node, instruction, err := t.requiredNode(root, nodes)
		if err != nil {
			return 0, nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
			continue
		}
		if bytes == node.Length {
			return root, nil, nil
		}
		if bytes > node.Length {
			bytes -= node.Length
			continue
		}
		index, newInstructions, err := t.seekTrustedTree(root, bytes, nodes)
		if err != nil {
			return 0, nil, err
		}
		if len(newInstructions) > 0 {
			instructions = append(instructions, newInstructions...)
			return 0, instructions, nil
		}
		return index, nil, nil
	}

	if len(instructions) > 0 {
		return 0, instructions, nil
	}
	return head, nil, nil
}

// seekTrustedTree trusts that bytes is inside the root and finds the
// node covering it.
func (t *Tree) seekTrustedTree(root, bytes uint64, nodes nodeMap) (uint64, []common.StoreInfoInstruction, error) {
	if bytes == 0 {
		return root, nil, nil
	}
	iter := flattree.NewIterator(root)
	var instructions []common.StoreInfoInstruction
	for iter.Index()&1 != 0 {
		node, instruction, err := t.optionalNode(iter.LeftChild(), nodes)
		if err != nil {
			return 0, nil, err
		}
		if instruction != nil {
			// Unknown whether this node is the match; the caller has
			// to loop with more nodes.
			instructions = append(instructions, *instruction)
			break
		}
		if node == nil {
			iter.Parent()
			return iter.Index(), nil, nil
		}
		if node.Length == bytes {
			return iter.Index(), nil, nil
		}
		if node.Length > bytes {
			continue
		}
		bytes -= node.Length
		iter.Sibling()
	}
	if len(instructions) > 0 {
		return 0, instructions, nil
	}
	return iter.Index(), nil, nil
}

// seekUntrustedTree finds the byte offset without trusting that it
// falls inside the given root.
func (t *Tree) seekUntrustedTree(root, bytes uint64, nodes nodeMap) (uint64, []common.StoreInfoInstruction, error) {
	var instructions []common.StoreInfoInstruction
	offset, offsetInstructions, err := t.byteOffsetFromNodes(root, nodes)
	if err != nil {
		return 0, nil, err
	}
	if len(offsetInstructions) > 0 {
		instructions = append(instructions, offsetInstructions...)
	} else {
		if offset > bytes {
			return 0, nil, &common.InvalidOperationError{Context: "invalid seek, wrong offset"}
		}
		if offset == bytes {
			return root, nil, nil
		}
		bytes -= offset
		node, instruction, err := t.requiredNode(root, nodes)
		if err != nil {
			return 0, nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
		} else if node.Length <= bytes {
			return 0, nil, &common.InvalidOperationError{Context: "invalid seek, wrong length"}
		}
	}
	index, newInstructions, err := t.seekTrustedTree(root, bytes, nodes)
	if err != nil {
		return 0, nil, err
	}
	if len(newInstructions) > 0 {
		instructions = append(instructions, newInstructions...)
		return 0, instructions, nil
	}
	if len(instructions) > 0 {
		return 0, instructions, nil
	}
	return index, nil, nil
}

// blockAndSeekProof collects the spine from the indexed leaf to its
// containing root, diverting into the seek subtree where it crosses.
func (t *Tree) blockAndSeekProof(indexed *normalizedIndexed, isSeek bool, seekRoot, root uint64, p *localProof, nodes nodeMap) ([]common.StoreInfoInstruction, error) {
	if indexed == nil {
		return t.seekProof(seekRoot, root, p, nodes)
	}

	iter := flattree.NewIterator(indexed.index)
	var instructions []common.StoreInfoInstruction
	pNodes := []*common.Node{}

	if !indexed.value {
		node, instruction, err := t.requiredNode(iter.Index(), nodes)
		if err != nil {
			return nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
		} else {
			pNodes = append(pNodes, node)
		}
	}
	for iter.Index() != root {
		iter.Sibling()
		if isSeek && iter.Contains(seekRoot) && iter.Index() != seekRoot {
			newInstructions, err := t.seekProof(seekRoot, iter.Index(), p, nodes)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, newInstructions...)
		} else {
			node, instruction, err := t.requiredNode(iter.Index(), nodes)
			if err != nil {
				return nil, err
			}
			if instruction != nil {
				instructions = append(instructions, *instruction)
			} else {
				pNodes = append(pNodes, node)
			}
		}
		iter.Parent()
	}
	p.nodes = pNodes
	p.nodesSet = true
	return instructions, nil
}

// seekProof collects the spine from the seek root up to the given
// root.
func (t *Tree) seekProof(seekRoot, root uint64, p *localProof, nodes nodeMap) ([]common.StoreInfoInstruction, error) {
	iter := flattree.NewIterator(seekRoot)
	var instructions []common.StoreInfoInstruction
	seekNodes := []*common.Node{}

	node, instruction, err := t.requiredNode(iter.Index(), nodes)
	if err != nil {
		return nil, err
	}
	if instruction != nil {
		instructions = append(instructions, *instruction)
	} else {
		seekNodes = append(seekNodes, node)
	}

	for iter.Index() != root {
		iter.Sibling()
		node, instruction, err := t.requiredNode(iter.Index(), nodes)
		if err != nil {
			return nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
		} else {
			seekNodes = append(seekNodes, node)
		}
		iter.Parent()
	}
	p.seek = seekNodes
	p.seekSet = true
	return instructions, nil
}

// upgradeProof walks the full roots of the upgrade window, connecting
// the verifier's existing tree and embedding the indexed subtree
// instead of duplicating it.
func (t *Tree) upgradeProof(indexed *normalizedIndexed, isSeek bool, from, to, subTree uint64, p *localProof, nodes nodeMap) ([]common.StoreInfoInstruction, error) {
	var instructions []common.StoreInfoInstruction
	upgrade := []*common.Node{}
	hasUpgrade := from == 0

	iter := flattree.NewIterator(0)
	for iter.FullRoot(to) {
		// Subtrees the verifier already has are skipped.
		if iter.Index()+iter.Factor()/2 < from {
			iter.NextTree()
			continue
		}

		// Connect the existing tree.
		if !hasUpgrade && iter.Contains(from-2) {
			hasUpgrade = true
			root := iter.Index()
			target := from - 2

			iter.Seek(target)

			for iter.Index() != root {
				iter.Sibling()
				if iter.Index() > target {
					if !p.nodesSet && !p.seekSet && iter.Contains(subTree) {
						newInstructions, err := t.blockAndSeekProof(indexed, isSeek, subTree, iter.Index(), p, nodes)
						if err != nil {
							return nil, err
						}
						instructions = append(instructions, newInstructions...)
					} else {
						node, instruction, err := t.requiredNode(iter.Index(), nodes)
						if err != nil {
							return nil, err
						}
						if instruction != nil {
							instructions = append(instructions, *instruction)
						} else {
							upgrade = append(upgrade, node)
						}
					}
				}
				iter.Parent()
			}

			iter.NextTree()
			continue
		}

		hasUpgrade = true

		// If the included subtree is a child of this root, embed it
		// instead of duplicating the root.
		if !p.nodesSet && !p.seekSet && iter.Contains(subTree) {
			newInstructions, err := t.blockAndSeekProof(indexed, isSeek, subTree, iter.Index(), p, nodes)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, newInstructions...)
			iter.NextTree()
			continue
		}

		node, instruction, err := t.requiredNode(iter.Index(), nodes)
		if err != nil {
			return nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
		} else {
			upgrade = append(upgrade, node)
		}

		iter.NextTree()
	}

	if hasUpgrade {
		p.upgrade = upgrade
		p.upgradeSet = true
	}
	return instructions, nil
}

// additionalUpgradeProof emits the roots between the upgrade window
// and the current head.
func (t *Tree) additionalUpgradeProof(from, to uint64, p *localProof, nodes nodeMap) ([]common.StoreInfoInstruction, error) {
	var instructions []common.StoreInfoInstruction
	additional := []*common.Node{}
	hasAdditional := from == 0

	iter := flattree.NewIterator(0)
	for iter.FullRoot(to) {
		if iter.Index()+iter.Factor()/2 < from {
			iter.NextTree()
			continue
		}

		if !hasAdditional && iter.Contains(from-2) {
			hasAdditional = true
			root := iter.Index()
			target := from - 2

			iter.Seek(target)

			for iter.Index() != root {
				iter.Sibling()
				if iter.Index() > target {
					node, instruction, err := t.requiredNode(iter.Index(), nodes)
					if err != nil {
						return nil, err
					}
					if instruction != nil {
						instructions = append(instructions, *instruction)
					} else {
						additional = append(additional, node)
					}
				}
				iter.Parent()
			}

			iter.NextTree()
			continue
		}

		hasAdditional = true

		node, instruction, err := t.requiredNode(iter.Index(), nodes)
		if err != nil {
			return nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
		} else {
			additional = append(additional, node)
		}

		iter.NextTree()
	}

	if hasAdditional {
		p.additionalUpgrade = additional
		p.additionalSet = true
	}
	return instructions, nil
}
