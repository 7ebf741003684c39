// Package blockstore reads and writes the packed block payloads of
// the data store. It is stateless: block boundaries come from the
// Merkle tree's leaf lengths.
package blockstore

import "github.com/corelog/hypercore/internal/common"

// BlockStore accesses the data store at explicit byte offsets.
type BlockStore struct{}

// AppendBatch concatenates a batch of blocks into a single write at
// the current byte length.
func (b *BlockStore) AppendBatch(batch [][]byte, batchLength int, byteLength uint64) common.StoreInfo {
	buffer := make([]byte, 0, batchLength)
	for _, data := range batch {
		buffer = append(buffer, data...)
	}
	return common.NewContent(common.StoreData, byteLength, buffer)
}

// Put writes a single block value at the given offset.
func (b *BlockStore) Put(value []byte, offset uint64) common.StoreInfo {
	return common.NewContent(common.StoreData, offset, value)
}

// Read returns the bytes of a block, or the read instruction needed to
// get them.
func (b *BlockStore) Read(byteRange *common.NodeByteRange, info *common.StoreInfo) ([]byte, *common.StoreInfoInstruction) {
	if info == nil {
		instruction := common.NewContentInstruction(common.StoreData, byteRange.Index, byteRange.Length)
		return nil, &instruction
	}
	return info.Data, nil
}

// Clear punches a hole into the data store.
func (b *BlockStore) Clear(start, length uint64) common.StoreInfo {
	return common.NewDelete(common.StoreData, start, length)
}
