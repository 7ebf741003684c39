package merkle

import (
	"fmt"

	"github.com/corelog/hypercore/internal/cache"
	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/encoding"
	"github.com/corelog/hypercore/internal/flattree"
)

// nodeSize is the on-disk size of a tree node: 8 bytes little-endian
// length followed by the 32 byte hash.
const nodeSize = 40

// Tree is the in-memory Merkle tree state: the minimal set of subtree
// roots covering the log, plus buffered but unflushed node writes and
// a pending truncation.
type Tree struct {
	Roots      []*common.Node
	Length     uint64
	ByteLength uint64
	Fork       uint64
	Signature  []byte

	unflushed  map[uint64]*common.Node
	truncated  bool
	truncateTo uint64
	nodeCache  *cache.NodeCache
}

// nodeMap carries nodes read from storage into the pure tree logic. A
// nil value records a read that came back as a miss.
type nodeMap map[uint64]*common.Node

// Open builds a tree from the oplog's tree header. Called with nil
// infos it returns the read instructions for the root nodes; called
// again with the results it returns the tree.
func Open(header *common.TreeHeader, infos []common.StoreInfo, cacheOptions *cache.Options) (*Tree, []common.StoreInfoInstruction, error) {
	rootIndexes := flattree.FullRoots(header.Length * 2)

	if infos == nil {
		instructions := make([]common.StoreInfoInstruction, 0, len(rootIndexes))
		for _, index := range rootIndexes {
			instructions = append(instructions, common.NewContentInstruction(common.StoreTree, nodeSize*index, nodeSize))
		}
		if len(instructions) > 0 {
			return nil, instructions, nil
		}
		infos = []common.StoreInfo{}
	}

	roots := make([]*common.Node, 0, len(rootIndexes))
	var byteLength, length uint64

	for i, index := range rootIndexes {
		if i >= len(infos) || index != infos[i].Index/nodeSize {
			return nil, nil, &common.CorruptStorageError{
				Store:   common.StoreTree,
				Context: "root nodes not in the expected order",
			}
		}
		node, err := nodeFromBytes(index, infos[i].Data)
		if err != nil {
			return nil, nil, err
		}
		byteLength += node.Length
		// Accumulates the total span of the roots seen so far.
		length += 2 * ((node.Index - length) + 1)
		roots = append(roots, node)
	}
	if length > 0 {
		length /= 2
	}

	var signature []byte
	if len(header.Signature) > 0 {
		signature = append([]byte(nil), header.Signature...)
	}

	tree := &Tree{
		Roots:      roots,
		Length:     length,
		ByteLength: byteLength,
		Fork:       header.Fork,
		Signature:  signature,
		unflushed:  make(map[uint64]*common.Node),
	}
	if cacheOptions != nil {
		tree.nodeCache = cache.New(cacheOptions, roots)
	}
	return tree, nil, nil
}

// Changeset starts a changeset over the current tree state.
func (t *Tree) Changeset() *Changeset {
	return NewChangeset(t.Length, t.ByteLength, t.Fork, t.Roots)
}

// Commitable reports whether the changeset still matches this tree.
func (t *Tree) Commitable(c *Changeset) bool {
	var correctLength bool
	if c.Upgraded {
		correctLength = c.OriginalTreeLength == t.Length
	} else {
		correctLength = c.OriginalTreeLength <= t.Length
	}
	return c.OriginalTreeFork == t.Fork && correctLength
}

// Commit applies a changeset to the in-memory tree.
func (t *Tree) Commit(c *Changeset) error {
	if !t.Commitable(c) {
		return &common.InvalidOperationError{
			Context: "tree was modified during changeset, refusing to commit",
		}
	}

	if c.Upgraded {
		t.commitTruncation(c)

		t.Roots = c.Roots
		t.Length = c.Length
		t.ByteLength = c.ByteLength
		t.Fork = c.Fork
		t.Signature = c.Signature
	}

	for _, node := range c.Nodes {
		t.unflushed[node.Index] = node
	}
	return nil
}

// AddNode buffers a node as unflushed, used when replaying the oplog.
func (t *Tree) AddNode(node *common.Node) {
	t.unflushed[node.Index] = node
}

func (t *Tree) commitTruncation(c *Changeset) {
	if c.Ancestors >= c.OriginalTreeLength {
		return
	}
	if c.Ancestors > 0 {
		head := 2 * c.Ancestors
		iter := flattree.NewIterator(head - 2)
		for {
			index := iter.Index()
			if iter.Contains(head) && index < head {
				t.unflushed[index] = common.NewBlankNode(index)
			}
			if iter.Offset() == 0 {
				break
			}
			iter.Parent()
		}
	}

	if t.truncated {
		if c.Ancestors < t.truncateTo {
			t.truncateTo = c.Ancestors
		}
	} else {
		t.truncateTo = c.Ancestors
	}
	t.truncated = true

	for index := range t.unflushed {
		if index >= 2*c.Ancestors {
			delete(t.unflushed, index)
		}
	}
}

// Flush returns the writes persisting the buffered tree changes: the
// truncation of the tree file tail, if pending, followed by one write
// per unflushed node.
func (t *Tree) Flush() []common.StoreInfo {
	var infos []common.StoreInfo
	if t.truncated {
		infos = append(infos, t.flushTruncation()...)
	}
	infos = append(infos, t.flushNodes()...)
	return infos
}

func (t *Tree) flushTruncation() []common.StoreInfo {
	var offset uint64
	if t.truncateTo > 0 {
		offset = (t.truncateTo-1)*80 + 40
	}
	t.truncateTo = 0
	t.truncated = false
	return []common.StoreInfo{common.NewTruncate(common.StoreTree, offset)}
}

func (t *Tree) flushNodes() []common.StoreInfo {
	infos := make([]common.StoreInfo, 0, len(t.unflushed))
	for _, node := range t.unflushed {
		state, buffer := encoding.NewStateWithSize(nodeSize)
		_ = state.EncodeU64(node.Length, buffer)
		_ = state.EncodeFixed32(node.Hash, buffer)
		infos = append(infos, common.NewContent(common.StoreTree, node.Index*nodeSize, buffer))
	}
	t.unflushed = make(map[uint64]*common.Node)
	return infos
}

// ByteRange returns the data-store range of the block at the given
// index, or the storage reads needed to compute it.
func (t *Tree) ByteRange(hypercoreIndex uint64, infos []common.StoreInfo) (*common.NodeByteRange, []common.StoreInfoInstruction, error) {
	index, err := t.validateHypercoreIndex(hypercoreIndex)
	if err != nil {
		return nil, nil, err
	}
	nodes := t.infosToNodes(infos)

	var instructions []common.StoreInfoInstruction
	byteRange := &common.NodeByteRange{}

	// The requested node itself carries the byte length.
	node, instruction, err := t.requiredNode(index, nodes)
	if err != nil {
		return nil, nil, err
	}
	if instruction != nil {
		instructions = append(instructions, *instruction)
	} else {
		byteRange.Length = node.Length
	}

	// The offset may require summing many sibling lengths.
	offset, offsetInstructions, err := t.byteOffsetFromNodes(index, nodes)
	if err != nil {
		return nil, nil, err
	}
	if len(offsetInstructions) > 0 {
		instructions = append(instructions, offsetInstructions...)
	} else {
		byteRange.Index = offset
	}

	if len(instructions) > 0 {
		return nil, instructions, nil
	}
	return byteRange, nil, nil
}

// ByteOffset returns the data-store offset of the block at the given
// index.
func (t *Tree) ByteOffset(hypercoreIndex uint64, infos []common.StoreInfo) (uint64, []common.StoreInfoInstruction, error) {
	index, err := t.validateHypercoreIndex(hypercoreIndex)
	if err != nil {
		return 0, nil, err
	}
	return t.byteOffsetFromIndex(index, infos)
}

// ByteOffsetInChangeset resolves a block's offset against a changeset
// that has not been committed yet, falling back to stored nodes for
// the parts the changeset does not cover.
func (t *Tree) ByteOffsetInChangeset(hypercoreIndex uint64, c *Changeset, infos []common.StoreInfo) (uint64, []common.StoreInfoInstruction, error) {
	if t.Length == hypercoreIndex {
		return t.ByteLength, nil, nil
	}
	index := hypercoreIndex * 2
	iter := flattree.NewIterator(index)
	var treeOffset uint64
	isRight := false
	var parent *common.Node
	for _, node := range c.Nodes {
		if node.Index == iter.Index() {
			if isRight && parent != nil {
				treeOffset += node.Length - parent.Length
			}
			parent = node
			isRight = iter.IsRight()
			iter.Parent()
		}
	}

	searchIndex := index
	if parent != nil {
		for r, root := range c.Roots {
			if root.Index == parent.Index {
				for i := 0; i < r; i++ {
					treeOffset += t.Roots[i].Length
				}
				return treeOffset, nil, nil
			}
		}
		searchIndex = parent.Index
	}

	offset, instructions, err := t.byteOffsetFromIndex(searchIndex, infos)
	if err != nil || len(instructions) > 0 {
		return 0, instructions, err
	}
	return offset + treeOffset, nil, nil
}

// Truncate stages a truncation of the tree down to the given length,
// returning the changeset to commit.
func (t *Tree) Truncate(length, fork uint64, infos []common.StoreInfo) (*Changeset, []common.StoreInfoInstruction, error) {
	head := length * 2
	fullRoots := flattree.FullRoots(head)
	nodes := t.infosToNodes(infos)
	changeset := t.Changeset()

	var instructions []common.StoreInfoInstruction
	for i, root := range fullRoots {
		if i < len(changeset.Roots) && changeset.Roots[i].Index == root {
			continue
		}
		if len(changeset.Roots) > i {
			changeset.Roots = changeset.Roots[:i]
		}

		node, instruction, err := t.requiredNode(root, nodes)
		if err != nil {
			return nil, nil, err
		}
		if instruction != nil {
			instructions = append(instructions, *instruction)
		} else {
			changeset.Roots = append(changeset.Roots, node)
		}
	}

	if len(instructions) > 0 {
		return nil, instructions, nil
	}

	if len(changeset.Roots) > len(fullRoots) {
		changeset.Roots = changeset.Roots[:len(fullRoots)]
	}
	changeset.Fork = fork
	changeset.Length = length
	changeset.Ancestors = length
	changeset.ByteLength = 0
	for _, node := range changeset.Roots {
		changeset.ByteLength += node.Length
	}
	changeset.Upgraded = true
	return changeset, nil, nil
}

// MissingNodes counts the nodes missing on the way from the given tree
// index to the first locally known subtree. Must be called in a loop,
// feeding back the requested reads.
func (t *Tree) MissingNodes(index uint64, infos []common.StoreInfo) (uint64, []common.StoreInfoInstruction, error) {
	head := 2 * t.Length
	iter := flattree.NewIterator(index)
	iterRightSpan := iter.Index() + iter.Factor()/2 - 1
	// If the index is not in the current tree, the number of missing
	// nodes is unknowable.
	if iterRightSpan >= head {
		return 0, nil, nil
	}

	nodes := t.infosToNodes(infos)
	var count uint64
	for !iter.Contains(head) {
		node, instruction, err := t.optionalNode(iter.Index(), nodes)
		if err != nil {
			return 0, nil, err
		}
		if instruction != nil {
			return 0, []common.StoreInfoInstruction{*instruction}, nil
		}
		if node == nil {
			count++
			iter.Parent()
		} else {
			break
		}
	}
	return count, nil, nil
}

// Node resolves a stored, non-blank node by tree index, or the read
// needed to get it. Used by audits and other direct inspections.
func (t *Tree) Node(index uint64, infos []common.StoreInfo) (*common.Node, []common.StoreInfoInstruction, error) {
	nodes := t.infosToNodes(infos)
	node, instruction, err := t.requiredNode(index, nodes)
	if err != nil {
		return nil, nil, err
	}
	if instruction != nil {
		return nil, []common.StoreInfoInstruction{*instruction}, nil
	}
	return node, nil, nil
}

// validateHypercoreIndex converts a block index into its tree index,
// checking bounds against the current head.
func (t *Tree) validateHypercoreIndex(hypercoreIndex uint64) (uint64, error) {
	index := hypercoreIndex * 2

	head := 2 * t.Length
	compareIndex := index
	if index&1 == 1 {
		compareIndex = flattree.RightSpan(index)
	}
	if compareIndex >= head {
		return 0, &common.BadArgumentError{
			Context: fmt.Sprintf("index %d is out of bounds", hypercoreIndex),
		}
	}
	return index, nil
}

func (t *Tree) byteOffsetFromIndex(index uint64, infos []common.StoreInfo) (uint64, []common.StoreInfoInstruction, error) {
	nodes := t.infosToNodes(infos)
	return t.byteOffsetFromNodes(index, nodes)
}

// byteOffsetFromNodes walks from the containing root down to the
// target leaf, summing the lengths of every left sibling passed.
func (t *Tree) byteOffsetFromNodes(index uint64, nodes nodeMap) (uint64, []common.StoreInfoInstruction, error) {
	if index&1 == 1 {
		index = flattree.LeftSpan(index)
	}
	var head, offset uint64

	for _, rootNode := range t.Roots {
		head += 2 * ((rootNode.Index - head) + 1)

		if index >= head {
			offset += rootNode.Length
			continue
		}
		iter := flattree.NewIterator(rootNode.Index)

		var instructions []common.StoreInfoInstruction
		for iter.Index() != index {
			if index < iter.Index() {
				iter.LeftChild()
			} else {
				leftChild := iter.LeftChild()
				node, instruction, err := t.requiredNode(leftChild, nodes)
				if err != nil {
					return 0, nil, err
				}
				if instruction != nil {
					instructions = append(instructions, *instruction)
				} else {
					offset += node.Length
				}
				iter.Sibling()
			}
		}
		if len(instructions) > 0 {
			return 0, instructions, nil
		}
		return offset, nil, nil
	}

	return 0, nil, &common.BadArgumentError{
		Context: fmt.Sprintf("could not calculate byte offset for index %d", index),
	}
}

// requiredNode resolves a node that must exist; a blank or missing
// node is a storage corruption.
func (t *Tree) requiredNode(index uint64, nodes nodeMap) (*common.Node, *common.StoreInfoInstruction, error) {
	node, instruction, err := t.node(index, nodes, false)
	if err != nil || instruction != nil {
		return nil, instruction, err
	}
	if node == nil {
		return nil, nil, &common.InvalidOperationError{
			Context: fmt.Sprintf("node %d is required in the %s store", index, common.StoreTree),
		}
	}
	return node, nil, nil
}

// optionalNode resolves a node that may be absent.
func (t *Tree) optionalNode(index uint64, nodes nodeMap) (*common.Node, *common.StoreInfoInstruction, error) {
	return t.node(index, nodes, true)
}

func (t *Tree) node(index uint64, nodes nodeMap, allowMiss bool) (*common.Node, *common.StoreInfoInstruction, error) {
	if t.nodeCache != nil {
		if node, ok := t.nodeCache.Get(index); ok {
			return node, nil, nil
		}
	}

	// The unflushed buffer shadows storage.
	if node, ok := t.unflushed[index]; ok {
		if node.Blank || (t.truncated && node.Index >= 2*t.truncateTo) {
			if allowMiss {
				return nil, nil, nil
			}
			return nil, nil, &common.InvalidOperationError{
				Context: fmt.Sprintf("could not load node %d from the %s store, unflushed", index, common.StoreTree),
			}
		}
		return node, nil, nil
	}

	// Then the nodes handed in from storage reads.
	if node, ok := nodes[index]; ok {
		if node == nil || node.Blank {
			if allowMiss {
				return nil, nil, nil
			}
			return nil, nil, &common.InvalidOperationError{
				Context: fmt.Sprintf("could not load node %d from the %s store, blank", index, common.StoreTree),
			}
		}
		return node, nil, nil
	}

	var instruction common.StoreInfoInstruction
	if allowMiss {
		instruction = common.NewContentAllowMissInstruction(common.StoreTree, nodeSize*index, nodeSize)
	} else {
		instruction = common.NewContentInstruction(common.StoreTree, nodeSize*index, nodeSize)
	}
	return nil, &instruction, nil
}

func (t *Tree) infosToNodes(infos []common.StoreInfo) nodeMap {
	nodes := make(nodeMap, len(infos))
	for i := range infos {
		info := &infos[i]
		if info.Store != common.StoreTree {
			continue
		}
		index := info.Index / nodeSize
		if info.Miss {
			nodes[index] = nil
			continue
		}
		node, err := nodeFromBytes(index, info.Data)
		if err != nil {
			nodes[index] = nil
			continue
		}
		if t.nodeCache != nil && !node.Blank {
			t.nodeCache.Insert(node)
		}
		nodes[index] = node
	}
	return nodes
}

func nodeFromBytes(index uint64, data []byte) (*common.Node, error) {
	if len(data) < nodeSize {
		return nil, &common.CorruptStorageError{
			Store:   common.StoreTree,
			Context: fmt.Sprintf("node %d is shorter than %d bytes", index, nodeSize),
		}
	}
	state := encoding.NewStateFromBuffer(data)
	length, err := state.DecodeU64(data)
	if err != nil {
		return nil, err
	}
	hash, err := state.DecodeFixed32(data)
	if err != nil {
		return nil, err
	}
	return common.NewNode(index, hash, length), nil
}
