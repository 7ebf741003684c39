package bitfield

import (
	"sort"

	"github.com/corelog/hypercore/internal/common"
)

// Page geometry of the dynamic bitfield.
const (
	pageBits = 32768
	pageMask = pageBits - 1
)

// Bitfield is a sparse map from block index to presence. Pages are
// materialised lazily; an absent page reads as all false.
type Bitfield struct {
	pages     map[uint64]*fixedBitfield
	unflushed []uint64
}

// Open builds a bitfield from store information, following the
// instruction/result protocol: call with nil to receive the size
// instruction, then with the size result to receive the content
// instruction, then with the content to receive the bitfield.
func Open(info *common.StoreInfo) (*Bitfield, *common.StoreInfoInstruction) {
	if info == nil {
		instruction := common.NewSizeInstruction(common.StoreBitfield, 0)
		return nil, &instruction
	}
	if info.Type == common.StoreInfoSize {
		// Only multiples of 4 bytes are usable.
		length := info.Length - (info.Length & 3)
		instruction := common.NewContentInstruction(common.StoreBitfield, 0, length)
		return nil, &instruction
	}
	b := &Bitfield{pages: make(map[uint64]*fixedBitfield)}
	data := info.Data
	for i := 0; i < len(data); i += FixedBitfieldBytesLength {
		parentIndex := uint64(i / FixedBitfieldBytesLength)
		b.pages[parentIndex] = fixedFromData(parentIndex, i, data)
	}
	return b, nil
}

// Get reports whether the bit at index is set.
func (b *Bitfield) Get(index uint64) bool {
	j := index & pageMask
	i := (index - j) / pageBits
	page, ok := b.pages[i]
	if !ok {
		return false
	}
	return page.get(uint32(j))
}

// Set sets the bit at index to value and reports whether it changed. Pages are
// created lazily, which means clearing a bit in an absent page is a
// no-op.
func (b *Bitfield) Set(index uint64, value bool) bool {
	j := index & pageMask
	i := (index - j) / pageBits

	page, ok := b.pages[i]
	if !ok {
		if !value {
			return false
		}
		page = newFixed(i)
		b.pages[i] = page
	}

	changed := page.set(uint32(j), value)
	if changed && !page.dirty {
		page.dirty = true
		b.unflushed = append(b.unflushed, i)
	}
	return changed
}

// SetRange sets length bits starting at start to value.
func (b *Bitfield) SetRange(start, length uint64, value bool) {
	j := start & pageMask
	i := (start - j) / pageBits

	for length > 0 {
		page, ok := b.pages[i]
		if !ok {
			page = newFixed(i)
			b.pages[i] = page
		}

		end := j + length
		if end > pageBits {
			end = pageBits
		}
		rangeLength := end - j

		changed := page.setRange(uint32(j), uint32(rangeLength), value)
		if changed && !page.dirty {
			page.dirty = true
			b.unflushed = append(b.unflushed, i)
		}

		j = 0
		i++
		length -= rangeLength
	}
}

// Update applies a bitfield update from the oplog.
func (b *Bitfield) Update(update *common.BitfieldUpdate) {
	b.SetRange(update.Start, update.Length, !update.Drop)
}

// IndexOf returns the smallest index at or after from holding value.
func (b *Bitfield) IndexOf(value bool, from uint64) (uint64, bool) {
	j := from & pageMask
	i := (from - j) / pageBits

	if value {
		if page, ok := b.pages[i]; ok {
			if r := page.firstIndexOf(true, uint32(j)); r >= 0 {
				return i*pageBits + uint64(r), true
			}
		}
		for _, key := range b.sortedPageKeys() {
			if key <= i {
				continue
			}
			if r := b.pages[key].firstIndexOf(true, 0); r >= 0 {
				return key*pageBits + uint64(r), true
			}
		}
		return 0, false
	}

	// Absent pages are all-false hits, so the scan has to walk page
	// indexes sequentially.
	maxPage := b.maxPageKey()
	for {
		page, ok := b.pages[i]
		if !ok {
			return i*pageBits + j, true
		}
		if r := page.firstIndexOf(false, uint32(j)); r >= 0 {
			return i*pageBits + uint64(r), true
		}
		j = 0
		i++
		if i > maxPage {
			return i * pageBits, true
		}
	}
}

// LastIndexOf returns the largest index at or before from holding
// value.
func (b *Bitfield) LastIndexOf(value bool, from uint64) (uint64, bool) {
	j := from & pageMask
	i := (from - j) / pageBits

	if value {
		keys := b.sortedPageKeys()
		for k := len(keys) - 1; k >= 0; k-- {
			key := keys[k]
			if key > i {
				continue
			}
			limit := uint32(pageMask)
			if key == i {
				limit = uint32(j)
			}
			if r := b.pages[key].lastIndexOf(true, limit); r >= 0 {
				return key*pageBits + uint64(r), true
			}
		}
		return 0, false
	}

	for {
		page, ok := b.pages[i]
		if !ok {
			return i*pageBits + j, true
		}
		if r := page.lastIndexOf(false, uint32(j)); r >= 0 {
			return i*pageBits + uint64(r), true
		}
		if i == 0 {
			return 0, false
		}
		i--
		j = pageMask
	}
}

// Flush returns the writes persisting all dirty pages and marks them
// clean.
func (b *Bitfield) Flush() []common.StoreInfo {
	infos := make([]common.StoreInfo, 0, len(b.unflushed))
	for _, i := range b.unflushed {
		page := b.pages[i]
		if page == nil || !page.dirty {
			continue
		}
		infos = append(infos, common.NewContent(
			common.StoreBitfield,
			i*FixedBitfieldBytesLength,
			page.toBytes(),
		))
		page.dirty = false
	}
	b.unflushed = b.unflushed[:0]
	return infos
}

func (b *Bitfield) sortedPageKeys() []uint64 {
	keys := make([]uint64, 0, len(b.pages))
	for key := range b.pages {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, c int) bool { return keys[a] < keys[c] })
	return keys
}

func (b *Bitfield) maxPageKey() uint64 {
	var max uint64
	for key := range b.pages {
		if key > max {
			max = key
		}
	}
	return max
}
