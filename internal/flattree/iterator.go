package flattree

// Iterator moves over a flat tree while tracking the span of the
// current node, which makes repeated parent/child/sibling steps O(1).
type Iterator struct {
	index  uint64
	offset uint64
	factor uint64
}

// NewIterator returns an iterator positioned at the given index.
func NewIterator(index uint64) *Iterator {
	it := &Iterator{}
	it.Seek(index)
	return it
}

// Seek moves the iterator to an arbitrary index.
func (it *Iterator) Seek(index uint64) {
	it.index = index
	if index&1 == 1 {
		it.offset = Offset(index)
		it.factor = uint64(1) << (Depth(index) + 1)
	} else {
		it.offset = index / 2
		it.factor = 2
	}
}

// Index returns the current index.
func (it *Iterator) Index() uint64 {
	return it.index
}

// Offset returns the current offset within the depth row.
func (it *Iterator) Offset() uint64 {
	return it.offset
}

// Factor returns the span of the current node, in leaf-and-parent
// slots. A leaf has factor 2.
func (it *Iterator) Factor() uint64 {
	return it.factor
}

// IsLeft reports whether the current node is a left child.
func (it *Iterator) IsLeft() bool {
	return it.offset&1 == 0
}

// IsRight reports whether the current node is a right child.
func (it *Iterator) IsRight() bool {
	return it.offset&1 == 1
}

// Contains reports whether the given index falls inside the span of
// the current node.
func (it *Iterator) Contains(index uint64) bool {
	if index > it.index {
		return index < it.index+it.factor/2
	}
	if index < it.index {
		// A subtree whose left span is leaf 0 contains every lower index.
		return it.index < it.factor/2 || index > it.index-it.factor/2
	}
	return true
}

// Prev moves to the previous node at the same depth.
func (it *Iterator) Prev() uint64 {
	if it.offset == 0 {
		return it.index
	}
	it.offset--
	it.index -= it.factor
	return it.index
}

// Next moves to the next node at the same depth.
func (it *Iterator) Next() uint64 {
	it.offset++
	it.index += it.factor
	return it.index
}

// Sibling moves to the sibling of the current node.
func (it *Iterator) Sibling() uint64 {
	if it.IsLeft() {
		return it.Next()
	}
	return it.Prev()
}

// Parent moves to the parent of the current node.
func (it *Iterator) Parent() uint64 {
	if it.offset&1 == 1 {
		it.index -= it.factor / 2
		it.offset = (it.offset - 1) / 2
	} else {
		it.index += it.factor / 2
		it.offset /= 2
	}
	it.factor *= 2
	return it.index
}

// LeftChild moves to the left child, or stays put on a leaf.
func (it *Iterator) LeftChild() uint64 {
	if it.factor == 2 {
		return it.index
	}
	it.factor /= 2
	it.index -= it.factor / 2
	it.offset *= 2
	return it.index
}

// RightChild moves to the right child, or stays put on a leaf.
func (it *Iterator) RightChild() uint64 {
	if it.factor == 2 {
		return it.index
	}
	it.factor /= 2
	it.index += it.factor / 2
	it.offset = 2*it.offset + 1
	return it.index
}

// LeftSpan moves to the left-most leaf of the current subtree.
func (it *Iterator) LeftSpan() uint64 {
	it.index = it.index - it.factor/2 + 1
	it.offset = it.index / 2
	it.factor = 2
	return it.index
}

// RightSpan moves to the right-most leaf of the current subtree.
func (it *Iterator) RightSpan() uint64 {
	it.index = it.index + it.factor/2 - 1
	it.offset = it.index / 2
	it.factor = 2
	return it.index
}

// FullRoot grows the current position into the largest full subtree
// root that fits below the given head, returning false once the head
// has been passed. Iterating roots of a tree is done by starting at
// index 0 and alternating FullRoot with NextTree.
func (it *Iterator) FullRoot(top uint64) bool {
	if top <= it.index || it.index&1 == 1 {
		return false
	}
	for top > it.index+it.factor+it.factor/2 {
		it.index += it.factor / 2
		it.offset >>= 1
		it.factor *= 2
	}
	return true
}

// NextTree moves to the first leaf right of the current subtree.
func (it *Iterator) NextTree() uint64 {
	it.index = it.index + it.factor/2 + 1
	it.offset = it.index / 2
	it.factor = 2
	return it.index
}
