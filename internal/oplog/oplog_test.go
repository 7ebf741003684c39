package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
	"github.com/corelog/hypercore/internal/encoding"
	"github.com/corelog/hypercore/internal/merkle"
)

// oplogFile applies oplog store infos to an in-memory byte file.
type oplogFile struct {
	data []byte
}

func (f *oplogFile) apply(t *testing.T, infos []common.StoreInfo) {
	t.Helper()
	for _, info := range infos {
		require.Equal(t, common.StoreOplog, info.Store)
		switch info.Type {
		case common.StoreInfoContent:
			require.False(t, info.Miss)
			end := info.Index + uint64(len(info.Data))
			if end > uint64(len(f.data)) {
				grown := make([]byte, end)
				copy(grown, f.data)
				f.data = grown
			}
			copy(f.data[info.Index:end], info.Data)
		case common.StoreInfoSize:
			require.True(t, info.Miss)
			if info.Index <= uint64(len(f.data)) {
				f.data = f.data[:info.Index]
			} else {
				grown := make([]byte, info.Index)
				copy(grown, f.data)
				f.data = grown
			}
		}
	}
}

func openFrom(t *testing.T, keyPair *crypto.KeyPair, file *oplogFile) *OpenOutcome {
	t.Helper()
	info := common.NewContent(common.StoreOplog, 0, file.data)
	outcome, instructions, err := Open(keyPair, &info)
	require.NoError(t, err)
	require.Empty(t, instructions)
	require.NotNil(t, outcome)
	file.apply(t, outcome.InfosToFlush)
	return outcome
}

func testKeyPair() *crypto.KeyPair {
	return crypto.KeyPairFromSeed(make([]byte, 32))
}

func TestOpenRequestsWholeStore(t *testing.T) {
	outcome, instructions, err := Open(testKeyPair(), nil)
	require.NoError(t, err)
	require.Nil(t, outcome)
	require.Len(t, instructions, 1)
	assert.True(t, instructions[0].All)
	assert.Equal(t, common.StoreOplog, instructions[0].Store)
}

func TestInitializeAndReopen(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}

	created := openFrom(t, keyPair, file)
	require.NotNil(t, created.Header)
	assert.Equal(t, uint64(0), created.Header.Tree.Length)
	assert.Empty(t, created.Entries)
	// Slot 0 written, entries area starts empty.
	assert.Equal(t, entriesOffset, len(file.data))

	reopened := openFrom(t, nil, file)
	assert.Equal(t, created.Header.Key, reopened.Header.Key)
	assert.Equal(t, keyPair.Public, reopened.Header.KeyPair.Public)
	assert.Equal(t, keyPair.Secret, reopened.Header.KeyPair.Secret)
	assert.Equal(t, created.Oplog.headerBits, reopened.Oplog.headerBits)
}

func TestOpenEmptyWithoutKeyPairFails(t *testing.T) {
	info := common.NewContent(common.StoreOplog, 0, nil)
	_, _, err := Open(nil, &info)
	var corrupt *common.CorruptStorageError
	require.ErrorAs(t, err, &corrupt)
}

func TestOpenGarbageFails(t *testing.T) {
	garbage := make([]byte, 16)
	for i := range garbage {
		garbage[i] = 0x5a
	}
	info := common.NewContent(common.StoreOplog, 0, garbage)
	_, _, err := Open(testKeyPair(), &info)
	var corrupt *common.CorruptStorageError
	require.ErrorAs(t, err, &corrupt)
}

func appendOne(t *testing.T, o *Oplog, header *Header, file *oplogFile, data []byte, length uint64) *Header {
	t.Helper()
	changeset := merkle.NewChangeset(length, 0, 0, nil)
	changeset.Append(data)
	changeset.HashAndSign(testKeyPair().Secret)
	outcome, err := o.AppendChangeset(changeset, &common.BitfieldUpdate{
		Start:  length,
		Length: 1,
	}, false, header)
	require.NoError(t, err)
	file.apply(t, outcome.InfosToFlush)
	return outcome.Header
}

func TestEntriesReplayAfterReopen(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)
	header := created.Header

	header = appendOne(t, created.Oplog, header, file, []byte("first"), 0)
	header = appendOne(t, created.Oplog, header, file, []byte("second"), 1)
	require.Equal(t, uint64(2), created.Oplog.EntriesLength)
	require.Equal(t, uint64(2), header.Tree.Length)

	reopened := openFrom(t, nil, file)
	// The header in the slots still predates the entries.
	assert.Equal(t, uint64(0), reopened.Header.Tree.Length)
	require.Len(t, reopened.Entries, 2)
	first := reopened.Entries[0]
	require.NotNil(t, first.TreeUpgrade)
	assert.Equal(t, uint64(1), first.TreeUpgrade.Length)
	require.NotNil(t, first.Bitfield)
	assert.Equal(t, uint64(0), first.Bitfield.Start)
	require.Len(t, first.TreeNodes, 1)
	second := reopened.Entries[1]
	require.NotNil(t, second.TreeUpgrade)
	assert.Equal(t, uint64(2), second.TreeUpgrade.Length)
}

func TestTruncatedEntryIsDropped(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)
	header := created.Header

	appendOne(t, created.Oplog, header, file, []byte("kept"), 0)
	intact := len(file.data)
	appendOne(t, created.Oplog, header, file, []byte("torn"), 1)

	// Chop the second frame in half, as a crash mid-write would.
	file.data = file.data[:intact+3]

	reopened := openFrom(t, nil, file)
	require.Len(t, reopened.Entries, 1)
	assert.Equal(t, uint64(1), reopened.Oplog.EntriesLength)
	// The torn tail was truncated away.
	assert.Equal(t, intact, len(file.data))
}

func TestHeaderRotation(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)
	o, header := created.Oplog, created.Header

	// [T,F] -> [F,F] -> [F,T] -> [T,T] -> [T,F]: four flushes cycle
	// through both slots and all bit states.
	expected := [][2]bool{
		{false, true},
		{true, true},
		{true, false},
		{false, false},
	}
	for i, bits := range expected {
		header.Hints.ContiguousLength = uint64(i + 1)
		infos, err := o.Flush(header, false)
		require.NoError(t, err)
		file.apply(t, infos)
		assert.Equal(t, bits, [2]bool{o.headerBits[0], o.headerBits[1]}, "flush %d", i)

		reopened := openFrom(t, nil, file)
		assert.Equal(t, uint64(i+1), reopened.Header.Hints.ContiguousLength, "flush %d", i)
		assert.Equal(t, o.headerBits, reopened.Oplog.headerBits, "flush %d", i)
	}
}

func TestCorruptSlotFallsBackToOther(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)
	o, header := created.Oplog, created.Header

	// Two flushes so both slots hold a valid header.
	header.Hints.ContiguousLength = 7
	infos, err := o.Flush(header, false)
	require.NoError(t, err)
	file.apply(t, infos)
	header.Hints.ContiguousLength = 9
	infos, err = o.Flush(header, false)
	require.NoError(t, err)
	file.apply(t, infos)

	// Corrupt the newest slot; open falls back to the older header.
	corrupted := openCorrupted(t, file, newestSlot(o))
	assert.Equal(t, uint64(7), corrupted.Header.Hints.ContiguousLength)
}

// newestSlot returns the offset of the slot holding the newest header.
func newestSlot(o *Oplog) uint64 {
	if o.headerBits[0] == o.headerBits[1] {
		return firstHeaderSlot
	}
	return secondHeaderSlot
}

func openCorrupted(t *testing.T, file *oplogFile, slot uint64) *OpenOutcome {
	t.Helper()
	mutated := &oplogFile{data: append([]byte(nil), file.data...)}
	for i := uint64(0); i < 16; i++ {
		mutated.data[slot+i] ^= 0xff
	}
	return openFrom(t, nil, mutated)
}

func TestClearEntry(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)

	infos, err := created.Oplog.Clear(2, 5)
	require.NoError(t, err)
	file.apply(t, infos)

	reopened := openFrom(t, nil, file)
	require.Len(t, reopened.Entries, 1)
	update := reopened.Entries[0].Bitfield
	require.NotNil(t, update)
	assert.True(t, update.Drop)
	assert.Equal(t, uint64(2), update.Start)
	assert.Equal(t, uint64(3), update.Length)
}

func TestUserDataEntry(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)

	outcome, err := created.Oplog.AppendUserData([]string{"name=backup", "seq=1"}, created.Header)
	require.NoError(t, err)
	file.apply(t, outcome.InfosToFlush)
	assert.Equal(t, []string{"name=backup", "seq=1"}, outcome.Header.UserData)

	reopened := openFrom(t, nil, file)
	require.Len(t, reopened.Entries, 1)
	assert.Equal(t, []string{"name=backup", "seq=1"}, reopened.Entries[0].UserData)
}

func TestClearTracesWipesStaleSlot(t *testing.T) {
	keyPair := testKeyPair()
	file := &oplogFile{}
	created := openFrom(t, keyPair, file)
	o, header := created.Oplog, created.Header

	header.KeyPair.Secret = nil
	infos, err := o.Flush(header, true)
	require.NoError(t, err)
	file.apply(t, infos)

	// Exactly one slot decodes; it has no secret key.
	_, _, firstOK := decodeHeaderSlot(file.data, firstHeaderSlot)
	second, _, secondOK := decodeHeaderSlot(file.data, secondHeaderSlot)
	require.False(t, firstOK)
	require.True(t, secondOK)
	assert.Nil(t, second.KeyPair.Secret)

	reopened := openFrom(t, nil, file)
	assert.Nil(t, reopened.Header.KeyPair.Secret)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	header := NewHeader(testKeyPair())
	header.UserData = []string{"k=v"}
	header.Tree = common.TreeHeader{
		Fork:      3,
		Length:    700,
		RootHash:  make([]byte, 32),
		Signature: make([]byte, 64),
	}
	header.Hints.ContiguousLength = 650

	state := encoding.NewStateWithStartAndEnd(frameHeaderSize, frameHeaderSize)
	header.preencode(state)
	buffer := state.CreateBuffer()
	require.NoError(t, header.encode(state, buffer))

	dec := encoding.NewStateWithStartAndEnd(frameHeaderSize, len(buffer))
	decoded, err := decodeHeader(dec, buffer)
	require.NoError(t, err)
	assert.Equal(t, header.Key, decoded.Key)
	assert.Equal(t, header.KeyPair.Public, decoded.KeyPair.Public)
	assert.Equal(t, header.KeyPair.Secret, decoded.KeyPair.Secret)
	assert.Equal(t, header.UserData, decoded.UserData)
	assert.Equal(t, header.Tree, decoded.Tree)
	assert.Equal(t, header.Hints.ContiguousLength, decoded.Hints.ContiguousLength)
}

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	entry := &Entry{
		TreeNodes: []*common.Node{
			common.NewNode(0, crypto.LeafHash([]byte("x")), 1),
		},
		TreeUpgrade: &EntryTreeUpgrade{
			Fork:      0,
			Ancestors: 0,
			Length:    1,
			Signature: make([]byte, 64),
		},
		Bitfield: &common.BitfieldUpdate{Start: 0, Length: 1},
	}

	state := encoding.NewState()
	entry.preencode(state)
	buffer := state.CreateBuffer()
	require.NoError(t, entry.encode(state, buffer))

	dec := encoding.NewStateFromBuffer(buffer)
	decoded, err := decodeEntry(dec, buffer)
	require.NoError(t, err)
	require.Len(t, decoded.TreeNodes, 1)
	require.NotNil(t, decoded.TreeUpgrade)
	assert.Equal(t, uint64(1), decoded.TreeUpgrade.Length)
	require.NotNil(t, decoded.Bitfield)
	assert.False(t, decoded.Bitfield.Drop)
	assert.Empty(t, decoded.UserData)
}
