// Package hypercore implements an append-only, cryptographically
// verifiable log. Each log is identified by an Ed25519 public key;
// blocks are appended by the holder of the secret key and can be
// selectively replicated to read-only peers, who verify every received
// block against a signed Merkle tree rooted at that public key.
package hypercore

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/corelog/hypercore/internal/bitfield"
	"github.com/corelog/hypercore/internal/blockstore"
	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
	"github.com/corelog/hypercore/internal/merkle"
	"github.com/corelog/hypercore/internal/oplog"
)

// Core is an append-only log over four byte files: a flat-tree Merkle
// store, a packed block store, a presence bitfield and a crash-safe
// operation log. One Core owns its storage exclusively; wrap it in a
// SharedCore to share it across goroutines.
type Core struct {
	keyPair        *KeyPair
	storage        *Storage
	oplog          *oplog.Oplog
	tree           *merkle.Tree
	blockStore     *blockstore.BlockStore
	bitfield       *bitfield.Bitfield
	header         *oplog.Header
	skipFlushCount uint8
	events         *eventBus
	logger         zerolog.Logger
}

// Info is a snapshot of a core's state.
type Info struct {
	// Length is the number of blocks in the log.
	Length uint64
	// ByteLength is the sum of all block lengths.
	ByteLength uint64
	// ContiguousLength is the largest fully-present prefix.
	ContiguousLength uint64
	// Fork identifies the current history; 0 if never forked.
	Fork uint64
	// Writable is true when the secret key is held.
	Writable bool
}

// AppendOutcome reports the log dimensions after an append.
type AppendOutcome struct {
	Length     uint64
	ByteLength uint64
}

// newCore creates or opens a core over the given storage.
func newCore(storage *Storage, options *Options) (*Core, error) {
	var keyPair *KeyPair
	if options.Open {
		if options.KeyPair != nil {
			return nil, &BadArgumentError{
				Context: "a key pair cannot be given when opening an existing log",
			}
		}
	} else {
		keyPair = options.KeyPair
		if keyPair == nil {
			generated, err := crypto.GenerateKeyPair()
			if err != nil {
				return nil, err
			}
			keyPair = generated
		}
	}

	logger := zerolog.Nop()
	if options.Logger != nil {
		logger = *options.Logger
	}

	// Open or create the oplog.
	_, instructions, err := oplog.Open(keyPair, nil)
	if err != nil {
		return nil, err
	}
	oplogInfo, err := storage.readInfo(instructions[0])
	if err != nil {
		return nil, err
	}
	oplogOutcome, _, err := oplog.Open(keyPair, &oplogInfo)
	if err != nil {
		return nil, err
	}
	if err := storage.flushInfos(oplogOutcome.InfosToFlush); err != nil {
		return nil, err
	}

	// Open the tree from the header's snapshot.
	tree, treeInstructions, err := merkle.Open(&oplogOutcome.Header.Tree, nil, options.NodeCache)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		infos, err := storage.readInfos(treeInstructions)
		if err != nil {
			return nil, err
		}
		tree, _, err = merkle.Open(&oplogOutcome.Header.Tree, infos, options.NodeCache)
		if err != nil {
			return nil, err
		}
		if tree == nil {
			return nil, &InvalidOperationError{Context: "could not open tree"}
		}
	}

	// Open the bitfield: size first, then content.
	bits, instruction := bitfield.Open(nil)
	for bits == nil {
		info, err := storage.readInfo(*instruction)
		if err != nil {
			return nil, err
		}
		bits, instruction = bitfield.Open(&info)
	}

	header := oplogOutcome.Header

	// Replay entries that never made it out of the oplog.
	for _, entry := range oplogOutcome.Entries {
		for _, node := range entry.TreeNodes {
			tree.AddNode(node)
		}
		if len(entry.UserData) > 0 {
			header.UserData = append([]string(nil), entry.UserData...)
		}
		if entry.Bitfield != nil {
			bits.Update(entry.Bitfield)
			updateContiguousLength(header, bits, entry.Bitfield)
		}
		if upgrade := entry.TreeUpgrade; upgrade != nil {
			changeset, truncateInstructions, err := tree.Truncate(upgrade.Length, upgrade.Fork, nil)
			if err != nil {
				return nil, err
			}
			if changeset == nil {
				infos, err := storage.readInfos(truncateInstructions)
				if err != nil {
					return nil, err
				}
				changeset, _, err = tree.Truncate(upgrade.Length, upgrade.Fork, infos)
				if err != nil {
					return nil, err
				}
				if changeset == nil {
					return nil, &InvalidOperationError{
						Context: fmt.Sprintf("could not truncate tree to length %d", upgrade.Length),
					}
				}
			}
			changeset.Ancestors = upgrade.Ancestors
			changeset.Hash = changeset.HashRoots()
			changeset.Signature = upgrade.Signature
			oplogOutcome.Oplog.UpdateHeaderWithChangeset(changeset, header)
			if err := tree.Commit(changeset); err != nil {
				return nil, err
			}
		}
	}

	core := &Core{
		keyPair:    header.KeyPair.Clone(),
		storage:    storage,
		oplog:      oplogOutcome.Oplog,
		tree:       tree,
		blockStore: &blockstore.BlockStore{},
		bitfield:   bits,
		header:     header,
		events:     newEventBus(),
		logger:     logger,
	}
	core.logger.Debug().
		Uint64("length", tree.Length).
		Uint64("byte_length", tree.ByteLength).
		Uint64("fork", tree.Fork).
		Int("replayed_entries", len(oplogOutcome.Entries)).
		Msg("opened core")
	return core, nil
}

// Info returns a snapshot of the core's state.
func (c *Core) Info() Info {
	return Info{
		Length:           c.tree.Length,
		ByteLength:       c.tree.ByteLength,
		ContiguousLength: c.header.Hints.ContiguousLength,
		Fork:             c.tree.Fork,
		Writable:         c.keyPair.Secret != nil,
	}
}

// KeyPair returns the core's key pair.
func (c *Core) KeyPair() *KeyPair {
	return c.keyPair
}

// UserData returns the user data stored in the header.
func (c *Core) UserData() []string {
	return append([]string(nil), c.header.UserData...)
}

// Subscribe returns a channel of replication events. The queue is
// bounded; slow consumers lose the oldest events first.
func (c *Core) Subscribe() <-chan Event {
	return c.events.subscribe()
}

// Append adds a single block to the log.
func (c *Core) Append(data []byte) (*AppendOutcome, error) {
	return c.AppendBatch([][]byte{data})
}

// AppendBatch adds a batch of blocks under one signature.
func (c *Core) AppendBatch(batch [][]byte) (*AppendOutcome, error) {
	if c.keyPair.Secret == nil {
		return nil, &NotWritableError{}
	}

	if len(batch) > 0 {
		changeset := c.tree.Changeset()
		batchLength := 0
		for _, data := range batch {
			batchLength += changeset.Append(data)
		}
		changeset.HashAndSign(c.keyPair.Secret)

		// Block payloads land in the data store first.
		info := c.blockStore.AppendBatch(batch, batchLength, c.tree.ByteLength)
		if err := c.storage.flushInfo(info); err != nil {
			return nil, err
		}

		bitfieldUpdate := common.BitfieldUpdate{
			Start:  changeset.Ancestors,
			Length: changeset.BatchLength,
		}
		outcome, err := c.oplog.AppendChangeset(changeset, &bitfieldUpdate, false, c.header)
		if err != nil {
			return nil, err
		}
		if err := c.storage.flushInfos(outcome.InfosToFlush); err != nil {
			return nil, err
		}
		c.header = outcome.Header

		c.bitfield.Update(&bitfieldUpdate)
		updateContiguousLength(c.header, c.bitfield, &bitfieldUpdate)

		if err := c.tree.Commit(changeset); err != nil {
			return nil, err
		}

		c.events.send(Have{Start: bitfieldUpdate.Start, Length: bitfieldUpdate.Length})
		c.events.resolveGets(&bitfieldUpdate)

		if c.shouldFlush() {
			if err := c.flush(false); err != nil {
				return nil, err
			}
		}
	}

	return &AppendOutcome{
		Length:     c.tree.Length,
		ByteLength: c.tree.ByteLength,
	}, nil
}

// Get returns the block at index, or nil if it is not present locally.
func (c *Core) Get(index uint64) ([]byte, error) {
	if !c.bitfield.Get(index) {
		c.events.sendOnGet(index)
		return nil, nil
	}

	byteRange, err := c.byteRange(index, nil)
	if err != nil {
		return nil, err
	}

	data, instruction := c.blockStore.Read(byteRange, nil)
	if data == nil {
		info, err := c.storage.readInfo(*instruction)
		if err != nil {
			return nil, err
		}
		data, _ = c.blockStore.Read(byteRange, &info)
		if data == nil {
			return nil, &InvalidOperationError{Context: "could not read block storage range"}
		}
	}
	return data, nil
}

// Clear drops the blocks in [start, end): their bits are cleared and
// the widest dead byte range around them is hole-punched out of the
// data store. The Merkle commitment is untouched.
func (c *Core) Clear(start, end uint64) error {
	if start >= end {
		return nil
	}

	infosToFlush, err := c.oplog.Clear(start, end)
	if err != nil {
		return err
	}
	if err := c.storage.flushInfos(infosToFlush); err != nil {
		return err
	}

	c.bitfield.SetRange(start, end-start, false)

	if start < c.header.Hints.ContiguousLength {
		c.header.Hints.ContiguousLength = start
	}

	c.events.send(Have{Start: start, Length: end - start, Drop: true})

	// Grow the hole outward to the nearest present blocks.
	holeStart := uint64(0)
	if index, ok := c.bitfield.LastIndexOf(true, start); ok {
		holeStart = index + 1
	}
	holeEnd := c.tree.Length
	if index, ok := c.bitfield.IndexOf(true, end); ok {
		holeEnd = index
	}
	if holeEnd == 0 || holeEnd <= holeStart {
		// Nothing stored inside the hole.
		if c.shouldFlush() {
			return c.flush(false)
		}
		return nil
	}

	var infos []common.StoreInfo
	clearOffset, instructions, err := c.tree.ByteOffset(holeStart, nil)
	if err != nil {
		return err
	}
	if len(instructions) > 0 {
		newInfos, err := c.storage.readInfos(instructions)
		if err != nil {
			return err
		}
		infos = append(infos, newInfos...)
		clearOffset, instructions, err = c.tree.ByteOffset(holeStart, infos)
		if err != nil {
			return err
		}
		if len(instructions) > 0 {
			return &InvalidOperationError{
				Context: fmt.Sprintf("could not read offset for index %d from tree", holeStart),
			}
		}
	}

	lastByteRange, err := c.byteRange(holeEnd-1, infos)
	if err != nil {
		return err
	}
	clearLength := lastByteRange.Index + lastByteRange.Length - clearOffset

	info := c.blockStore.Clear(clearOffset, clearLength)
	if err := c.storage.flushInfo(info); err != nil {
		return err
	}

	if c.shouldFlush() {
		return c.flush(false)
	}
	return nil
}

// CreateProof builds a proof answering the given requests. It returns
// nil when a requested block value is not available locally.
func (c *Core) CreateProof(block, hash *RequestBlock, seek *RequestSeek, upgrade *RequestUpgrade) (*Proof, error) {
	valueless, err := c.createValuelessProof(block, hash, seek, upgrade)
	if err != nil {
		return nil, err
	}
	var value []byte
	if valueless.Block != nil {
		value, err = c.Get(valueless.Block.Index)
		if err != nil {
			return nil, err
		}
		if value == nil {
			// The requested block cannot be read; the requesting side
			// decides what to do.
			return nil, nil
		}
	}
	return valueless.IntoProof(value), nil
}

// VerifyAndApplyProof verifies a proof against the public key and
// applies it. It returns false when the proof belongs to a different
// fork or no longer fits the tree.
func (c *Core) VerifyAndApplyProof(proof *Proof) (bool, error) {
	if proof.Fork != c.tree.Fork {
		return false, nil
	}
	changeset, err := c.verifyProof(proof)
	if err != nil {
		return false, err
	}
	if !c.tree.Commitable(changeset) {
		return false, nil
	}

	var bitfieldUpdate *common.BitfieldUpdate
	if proof.Block != nil {
		byteOffset, instructions, err := c.tree.ByteOffsetInChangeset(proof.Block.Index, changeset, nil)
		if err != nil {
			return false, err
		}
		if len(instructions) > 0 {
			infos, err := c.storage.readInfos(instructions)
			if err != nil {
				return false, err
			}
			byteOffset, instructions, err = c.tree.ByteOffsetInChangeset(proof.Block.Index, changeset, infos)
			if err != nil {
				return false, err
			}
			if len(instructions) > 0 {
				return false, &InvalidOperationError{
					Context: fmt.Sprintf("could not read offset for index %d from tree", proof.Block.Index),
				}
			}
		}

		info := c.blockStore.Put(proof.Block.Value, byteOffset)
		if err := c.storage.flushInfo(info); err != nil {
			return false, err
		}

		bitfieldUpdate = &common.BitfieldUpdate{Start: proof.Block.Index, Length: 1}
	}

	outcome, err := c.oplog.AppendChangeset(changeset, bitfieldUpdate, false, c.header)
	if err != nil {
		return false, err
	}
	if err := c.storage.flushInfos(outcome.InfosToFlush); err != nil {
		return false, err
	}
	c.header = outcome.Header

	if bitfieldUpdate != nil {
		c.bitfield.Update(bitfieldUpdate)
		updateContiguousLength(c.header, c.bitfield, bitfieldUpdate)
		c.events.send(Have{Start: bitfieldUpdate.Start, Length: bitfieldUpdate.Length})
		c.events.resolveGets(bitfieldUpdate)
	}

	upgraded := changeset.Upgraded
	if err := c.tree.Commit(changeset); err != nil {
		return false, err
	}
	if upgraded {
		c.events.send(DataUpgradeEvent{})
	}

	if c.shouldFlush() {
		if err := c.flush(false); err != nil {
			return false, err
		}
	}
	return true, nil
}

// MissingNodes counts the nodes missing for verifying the block at
// the given index, for filling RequestBlock.Nodes.
func (c *Core) MissingNodes(index uint64) (uint64, error) {
	return c.MissingNodesFromTreeIndex(index * 2)
}

// MissingNodesFromTreeIndex is the tree-index variant of MissingNodes.
func (c *Core) MissingNodesFromTreeIndex(treeIndex uint64) (uint64, error) {
	count, instructions, err := c.tree.MissingNodes(treeIndex, nil)
	if err != nil {
		return 0, err
	}
	var infos []common.StoreInfo
	for len(instructions) > 0 {
		newInfos, err := c.storage.readInfos(instructions)
		if err != nil {
			return 0, err
		}
		infos = append(infos, newInfos...)
		count, instructions, err = c.tree.MissingNodes(treeIndex, infos)
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}

// SetUserData replaces the user data kept in the oplog header.
func (c *Core) SetUserData(userData []string) error {
	outcome, err := c.oplog.AppendUserData(userData, c.header)
	if err != nil {
		return err
	}
	if err := c.storage.flushInfos(outcome.InfosToFlush); err != nil {
		return err
	}
	c.header = outcome.Header
	if c.shouldFlush() {
		return c.flush(false)
	}
	return nil
}

// MakeReadOnly deletes the secret key from memory and from both oplog
// header slots. It returns true if the core changed.
func (c *Core) MakeReadOnly() (bool, error) {
	if c.keyPair.Secret == nil {
		return false, nil
	}
	c.keyPair.Secret = nil
	c.header.KeyPair.Secret = nil
	// Both header slots have to be rewritten to drop the key bytes.
	if err := c.flush(true); err != nil {
		return false, err
	}
	return true, nil
}

// Audit re-hashes every locally present block against its leaf node,
// clearing the bit of any block whose bytes no longer match. It
// returns the indexes that failed.
func (c *Core) Audit() ([]uint64, error) {
	var corrupt []uint64
	for index := uint64(0); index < c.tree.Length; index++ {
		if !c.bitfield.Get(index) {
			continue
		}
		byteRange, err := c.byteRange(index, nil)
		if err != nil {
			return nil, err
		}
		data, instruction := c.blockStore.Read(byteRange, nil)
		if data == nil {
			info, err := c.storage.readInfo(*instruction)
			if err != nil {
				return nil, err
			}
			data, _ = c.blockStore.Read(byteRange, &info)
		}
		node, err := c.treeNode(index * 2)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(crypto.LeafHash(data), node.Hash) {
			corrupt = append(corrupt, index)
			c.bitfield.Set(index, false)
		}
	}
	if len(corrupt) > 0 {
		c.logger.Debug().Ints64("indexes", toInts64(corrupt)).Msg("audit cleared corrupt blocks")
		if err := c.flush(false); err != nil {
			return corrupt, err
		}
	}
	return corrupt, nil
}

func toInts64(values []uint64) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}

func (c *Core) treeNode(treeIndex uint64) (*Node, error) {
	node, instructions, err := c.tree.Node(treeIndex, nil)
	if err != nil {
		return nil, err
	}
	if node == nil {
		infos, err := c.storage.readInfos(instructions)
		if err != nil {
			return nil, err
		}
		node, _, err = c.tree.Node(treeIndex, infos)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, &InvalidOperationError{Context: "could not read tree node"}
		}
	}
	return node, nil
}

func (c *Core) byteRange(index uint64, initialInfos []common.StoreInfo) (*common.NodeByteRange, error) {
	byteRange, instructions, err := c.tree.ByteRange(index, initialInfos)
	if err != nil {
		return nil, err
	}
	infos := append([]common.StoreInfo(nil), initialInfos...)
	for len(instructions) > 0 {
		newInfos, err := c.storage.readInfos(instructions)
		if err != nil {
			return nil, err
		}
		infos = append(infos, newInfos...)
		byteRange, instructions, err = c.tree.ByteRange(index, infos)
		if err != nil {
			return nil, err
		}
	}
	return byteRange, nil
}

func (c *Core) createValuelessProof(block, hash *RequestBlock, seek *RequestSeek, upgrade *RequestUpgrade) (*ValuelessProof, error) {
	proof, instructions, err := c.tree.CreateValuelessProof(block, hash, seek, upgrade, nil)
	if err != nil {
		return nil, err
	}
	var infos []common.StoreInfo
	for len(instructions) > 0 {
		newInfos, err := c.storage.readInfos(instructions)
		if err != nil {
			return nil, err
		}
		infos = append(infos, newInfos...)
		proof, instructions, err = c.tree.CreateValuelessProof(block, hash, seek, upgrade, infos)
		if err != nil {
			return nil, err
		}
	}
	return proof, nil
}

func (c *Core) verifyProof(proof *Proof) (*merkle.Changeset, error) {
	changeset, instructions, err := c.tree.VerifyProof(proof, c.keyPair.Public, nil)
	if err != nil {
		return nil, err
	}
	if len(instructions) > 0 {
		infos, err := c.storage.readInfos(instructions)
		if err != nil {
			return nil, err
		}
		changeset, instructions, err = c.tree.VerifyProof(proof, c.keyPair.Public, infos)
		if err != nil {
			return nil, err
		}
		if len(instructions) > 0 {
			return nil, &InvalidOperationError{Context: "could not verify proof from tree"}
		}
	}
	return changeset, nil
}

// shouldFlush implements the flush policy: every fourth mutating call,
// or as soon as the oplog entry stream exceeds its byte threshold.
func (c *Core) shouldFlush() bool {
	if c.skipFlushCount == 0 || c.oplog.EntriesByteLength >= oplog.MaxEntriesByteSize {
		c.skipFlushCount = 3
		return true
	}
	c.skipFlushCount--
	return false
}

// flush persists the bitfield, then the tree, then rotates the oplog
// header, emptying the entry stream.
func (c *Core) flush(clearTraces bool) error {
	if err := c.storage.flushInfos(c.bitfield.Flush()); err != nil {
		return err
	}
	if err := c.storage.flushInfos(c.tree.Flush()); err != nil {
		return err
	}
	infos, err := c.oplog.Flush(c.header, clearTraces)
	if err != nil {
		return err
	}
	if err := c.storage.flushInfos(infos); err != nil {
		return err
	}
	c.logger.Debug().
		Uint64("length", c.tree.Length).
		Bool("clear_traces", clearTraces).
		Msg("flushed bitfield, tree and oplog")
	return nil
}

// updateContiguousLength recomputes the contiguous-length hint after a
// bitfield update.
func updateContiguousLength(header *oplog.Header, bits *bitfield.Bitfield, update *common.BitfieldUpdate) {
	end := update.Start + update.Length
	c := header.Hints.ContiguousLength
	if update.Drop {
		if c <= end && c > update.Start {
			c = update.Start
		}
	} else if c <= end && c >= update.Start {
		c = end
		for bits.Get(c) {
			c++
		}
	}

	if c != header.Hints.ContiguousLength {
		header.Hints.ContiguousLength = c
	}
}
