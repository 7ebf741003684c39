package oplog

import (
	"hash/crc32"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
	"github.com/corelog/hypercore/internal/encoding"
	"github.com/corelog/hypercore/internal/merkle"
)

// On-disk layout of the oplog store.
const (
	firstHeaderSlot  = 0
	secondHeaderSlot = 4096
	headerSlotSize   = 4096
	entriesOffset    = 2 * headerSlotSize

	frameHeaderSize = 8
)

// MaxEntriesByteSize bounds the entry stream; once exceeded, the next
// mutating operation forces a header flush.
const MaxEntriesByteSize = 1024 * 1024

// The initial header bits; see nextSlotAndBit for the rotation.
var initialHeaderBits = [2]bool{true, false}

// Oplog tracks the header slot rotation and the size of the pending
// entry stream.
type Oplog struct {
	headerBits        [2]bool
	entryBit          bool
	EntriesLength     uint64
	EntriesByteLength uint64
}

// OpenOutcome is the result of opening the oplog: the live header, the
// entries that still need replaying into the tree and bitfield, and
// the writes to flush before using the log.
type OpenOutcome struct {
	Oplog        *Oplog
	Header       *Header
	Entries      []*Entry
	InfosToFlush []common.StoreInfo
}

// AppendOutcome is the result of staging an entry append: the updated
// header and the writes persisting the entry frame.
type AppendOutcome struct {
	Header       *Header
	InfosToFlush []common.StoreInfo
}

// Open reads the oplog store and recovers the newest valid header plus
// the unflushed entries. Following the instruction protocol, a nil
// info yields the read instruction for the whole store. A nil key pair
// opens an existing log only; a key pair initializes a fresh log when
// no valid header exists and the store is empty.
func Open(keyPair *crypto.KeyPair, info *common.StoreInfo) (*OpenOutcome, []common.StoreInfoInstruction, error) {
	if info == nil {
		return nil, []common.StoreInfoInstruction{common.NewAllContentInstruction(common.StoreOplog)}, nil
	}
	existing := info.Data

	firstHeader, firstBit, firstValid := decodeHeaderSlot(existing, firstHeaderSlot)
	secondHeader, secondBit, secondValid := decodeHeaderSlot(existing, secondHeaderSlot)

	oplog := &Oplog{}
	var header *Header

	switch {
	case firstValid && secondValid:
		oplog.headerBits = [2]bool{firstBit, secondBit}
		// Equal bits mean the first slot was written last.
		if firstBit == secondBit {
			header = firstHeader
		} else {
			header = secondHeader
		}
	case firstValid:
		header = firstHeader
		oplog.headerBits = [2]bool{firstBit, firstBit}
	case secondValid:
		header = secondHeader
		oplog.headerBits = [2]bool{!secondBit, secondBit}
	default:
		if len(existing) >= frameHeaderSize {
			return nil, nil, &common.CorruptStorageError{
				Store:   common.StoreOplog,
				Context: "no valid header in a non-empty oplog",
			}
		}
		if keyPair == nil {
			return nil, nil, &common.CorruptStorageError{
				Store:   common.StoreOplog,
				Context: "cannot open an empty oplog without a key pair",
			}
		}
		return initialize(keyPair)
	}
	oplog.entryBit = oplog.liveBit()

	entries, entriesByteLength := decodeEntries(existing, oplog.entryBit)
	oplog.EntriesLength = uint64(len(entries))
	oplog.EntriesByteLength = entriesByteLength

	outcome := &OpenOutcome{
		Oplog:  oplog,
		Header: header,
		InfosToFlush: []common.StoreInfo{
			// Drop anything trailing the last valid entry frame.
			common.NewTruncate(common.StoreOplog, entriesOffset+entriesByteLength),
		},
	}
	if len(entries) > 0 {
		outcome.Entries = entries
	}
	return outcome, nil, nil
}

func initialize(keyPair *crypto.KeyPair) (*OpenOutcome, []common.StoreInfoInstruction, error) {
	oplog := &Oplog{headerBits: initialHeaderBits}
	header := NewHeader(keyPair)

	slot, bit := nextSlotAndBit(oplog.headerBits)
	buffer, err := encodeHeaderFrame(header, bit)
	if err != nil {
		return nil, nil, err
	}
	oplog.setSlotBit(slot, bit)
	oplog.entryBit = oplog.liveBit()

	return &OpenOutcome{
		Oplog:  oplog,
		Header: header,
		InfosToFlush: []common.StoreInfo{
			common.NewContent(common.StoreOplog, slot, buffer),
			common.NewTruncate(common.StoreOplog, entriesOffset),
		},
	}, nil, nil
}

// AppendChangeset stages an entry carrying the changeset's new nodes,
// an optional bitfield update and, if the changeset upgraded the tree,
// the new tree head. The returned header reflects the new tree state.
func (o *Oplog) AppendChangeset(changeset *merkle.Changeset, bitfieldUpdate *common.BitfieldUpdate, atomic bool, header *Header) (*AppendOutcome, error) {
	entry := &Entry{
		TreeNodes: changeset.Nodes,
		Bitfield:  bitfieldUpdate,
	}
	if changeset.Upgraded {
		entry.TreeUpgrade = &EntryTreeUpgrade{
			Fork:      changeset.Fork,
			Ancestors: changeset.Ancestors,
			Length:    changeset.Length,
			Signature: changeset.Signature,
		}
	}

	updated := header.Clone()
	if changeset.Upgraded {
		applyChangesetToHeader(changeset, updated)
	}

	infos, err := o.appendEntries([]*Entry{entry}, atomic)
	if err != nil {
		return nil, err
	}
	return &AppendOutcome{Header: updated, InfosToFlush: infos}, nil
}

// UpdateHeaderWithChangeset folds a replayed tree upgrade into the
// header, keeping the in-memory header equal to what a flush would
// have stored.
func (o *Oplog) UpdateHeaderWithChangeset(changeset *merkle.Changeset, header *Header) {
	applyChangesetToHeader(changeset, header)
}

func applyChangesetToHeader(changeset *merkle.Changeset, header *Header) {
	header.Tree = common.TreeHeader{
		Fork:      changeset.Fork,
		Length:    changeset.Length,
		RootHash:  append([]byte(nil), changeset.Hash...),
		Signature: append([]byte(nil), changeset.Signature...),
	}
}

// Clear stages an entry dropping the bitfield range [start, end).
func (o *Oplog) Clear(start, end uint64) ([]common.StoreInfo, error) {
	entry := &Entry{
		Bitfield: &common.BitfieldUpdate{
			Drop:   true,
			Start:  start,
			Length: end - start,
		},
	}
	return o.appendEntries([]*Entry{entry}, false)
}

// AppendUserData stages an entry replacing the header's user data.
func (o *Oplog) AppendUserData(userData []string, header *Header) (*AppendOutcome, error) {
	entry := &Entry{UserData: userData}
	updated := header.Clone()
	updated.UserData = append([]string(nil), userData...)
	infos, err := o.appendEntries([]*Entry{entry}, false)
	if err != nil {
		return nil, err
	}
	return &AppendOutcome{Header: updated, InfosToFlush: infos}, nil
}

// appendEntries frames the entries at the end of the entry stream. In
// an atomic batch every frame but the last is marked partial, so a
// torn write drops the whole batch on the next open.
func (o *Oplog) appendEntries(entries []*Entry, atomic bool) ([]common.StoreInfo, error) {
	var buffer []byte
	for i, entry := range entries {
		partial := atomic && i < len(entries)-1
		frame, err := encodeEntryFrame(entry, o.entryBit, partial)
		if err != nil {
			return nil, err
		}
		buffer = append(buffer, frame...)
	}
	info := common.NewContent(common.StoreOplog, entriesOffset+o.EntriesByteLength, buffer)
	o.EntriesLength += uint64(len(entries))
	o.EntriesByteLength += uint64(len(buffer))
	return []common.StoreInfo{info}, nil
}

// Flush writes the header into the next rotation slot and resets the
// entry stream. With clearTraces set the stale slot is zeroed too,
// wiping any secret material it held.
func (o *Oplog) Flush(header *Header, clearTraces bool) ([]common.StoreInfo, error) {
	slot, bit := nextSlotAndBit(o.headerBits)
	buffer, err := encodeHeaderFrame(header, bit)
	if err != nil {
		return nil, err
	}

	infos := []common.StoreInfo{
		common.NewContent(common.StoreOplog, slot, buffer),
	}
	if clearTraces {
		other := uint64(firstHeaderSlot)
		if slot == firstHeaderSlot {
			other = secondHeaderSlot
		}
		infos = append(infos, common.NewContent(common.StoreOplog, other, make([]byte, headerSlotSize)))
	}
	infos = append(infos, common.NewTruncate(common.StoreOplog, entriesOffset))

	o.setSlotBit(slot, bit)
	o.entryBit = o.liveBit()
	o.EntriesLength = 0
	o.EntriesByteLength = 0
	return infos, nil
}

func (o *Oplog) setSlotBit(slot uint64, bit bool) {
	if slot == firstHeaderSlot {
		o.headerBits[0] = bit
	} else {
		o.headerBits[1] = bit
	}
}

// liveBit is the bit of the most recently written header, carried into
// every entry frame written under it.
func (o *Oplog) liveBit() bool {
	if o.headerBits[0] == o.headerBits[1] {
		return o.headerBits[0]
	}
	return o.headerBits[1]
}

// nextSlotAndBit picks the slot and bit of the next header write. The
// bits rotate [T,F] -> [F,F] -> [F,T] -> [T,T] -> [T,F]: differing
// bits send the write to the first slot, equal bits to the second,
// always with the slot's bit inverted.
func nextSlotAndBit(headerBits [2]bool) (uint64, bool) {
	if headerBits[0] != headerBits[1] {
		return firstHeaderSlot, !headerBits[0]
	}
	return secondHeaderSlot, !headerBits[1]
}

// encodeHeaderFrame encodes a header with its crc32 frame prefix.
func encodeHeaderFrame(header *Header, headerBit bool) ([]byte, error) {
	state := encoding.NewStateWithStartAndEnd(frameHeaderSize, frameHeaderSize)
	header.preencode(state)
	buffer := state.CreateBuffer()
	if err := header.encode(state, buffer); err != nil {
		return nil, err
	}
	if len(buffer) > headerSlotSize {
		return nil, &common.InvalidOperationError{Context: "oplog header exceeds its slot"}
	}
	frameBuffer(state, buffer, headerBit, false)
	return buffer, nil
}

// encodeEntryFrame encodes an entry with its crc32 frame prefix.
func encodeEntryFrame(entry *Entry, headerBit, partialBit bool) ([]byte, error) {
	state := encoding.NewStateWithStartAndEnd(frameHeaderSize, frameHeaderSize)
	entry.preencode(state)
	buffer := state.CreateBuffer()
	if err := entry.encode(state, buffer); err != nil {
		return nil, err
	}
	frameBuffer(state, buffer, headerBit, partialBit)
	return buffer, nil
}

// frameBuffer fills in the 8 byte frame prefix: a crc32 over the
// length word and payload, then (len << 2) | header_bit | partial_bit.
func frameBuffer(state *encoding.State, buffer []byte, headerBit, partialBit bool) {
	length := state.End - frameHeaderSize
	value := uint32(length) << 2
	if headerBit {
		value |= 1
	}
	if partialBit {
		value |= 2
	}
	state.Start = 4
	_ = state.EncodeU32(value, buffer)
	checksum := crc32.ChecksumIEEE(buffer[4 : frameHeaderSize+length])
	state.Start = 0
	_ = state.EncodeU32(checksum, buffer)
	state.Start = frameHeaderSize + length
}

// decodeHeaderSlot validates and decodes one header slot.
func decodeHeaderSlot(existing []byte, offset int) (*Header, bool, bool) {
	payload, headerBit, _, ok := validateFrame(existing, offset, headerSlotSize)
	if !ok {
		return nil, false, false
	}
	state := encoding.NewStateFromBuffer(payload)
	header, err := decodeHeader(state, payload)
	if err != nil {
		return nil, false, false
	}
	return header, headerBit, true
}

// decodeEntries reads valid frames from the entry area, stopping at
// the first invalid one. Entries from an older header generation,
// recognisable by their header bit, are stale; a trailing run of
// partial frames without its final frame is discarded.
func decodeEntries(existing []byte, entryBit bool) ([]*Entry, uint64) {
	var entries []*Entry
	var byteLength uint64
	var pending []*Entry
	var pendingBytes uint64

	offset := entriesOffset
	for {
		payload, headerBit, partial, ok := validateFrame(existing, offset, 0)
		if !ok || headerBit != entryBit {
			break
		}
		state := encoding.NewStateFromBuffer(payload)
		entry, err := decodeEntry(state, payload)
		if err != nil {
			break
		}
		frameLength := uint64(frameHeaderSize + len(payload))
		offset += int(frameLength)

		pending = append(pending, entry)
		pendingBytes += frameLength
		if !partial {
			entries = append(entries, pending...)
			byteLength += pendingBytes
			pending = nil
			pendingBytes = 0
		}
	}
	return entries, byteLength
}

// validateFrame checks the crc32 frame at offset. A non-zero maxSize
// bounds the whole frame, as for header slots.
func validateFrame(existing []byte, offset, maxSize int) (payload []byte, headerBit, partialBit, ok bool) {
	if offset+frameHeaderSize > len(existing) {
		return nil, false, false, false
	}
	state := encoding.NewStateWithStartAndEnd(offset, len(existing))
	checksum, err := state.DecodeU32(existing)
	if err != nil {
		return nil, false, false, false
	}
	lenAndFlags, err := state.DecodeU32(existing)
	if err != nil {
		return nil, false, false, false
	}
	length := int(lenAndFlags >> 2)
	if length == 0 && lenAndFlags == 0 {
		return nil, false, false, false
	}
	if offset+frameHeaderSize+length > len(existing) {
		return nil, false, false, false
	}
	if maxSize > 0 && frameHeaderSize+length > maxSize {
		return nil, false, false, false
	}
	if crc32.ChecksumIEEE(existing[offset+4:offset+frameHeaderSize+length]) != checksum {
		return nil, false, false, false
	}
	return existing[offset+frameHeaderSize : offset+frameHeaderSize+length],
		lenAndFlags&1 != 0,
		lenAndFlags&2 != 0,
		true
}
