// Package oplog implements the operation log: a dual-slot, crc32
// framed header area giving crash-safe double-buffered commits, plus a
// replay stream of entries holding tree and bitfield updates that have
// not been flushed to their own stores yet.
package oplog

import (
	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/encoding"
)

// Entry flags.
const (
	entryFlagUserData    = 1
	entryFlagTreeNodes   = 2
	entryFlagTreeUpgrade = 4
	entryFlagBitfield    = 8
)

// EntryTreeUpgrade records a tree head change inside an entry.
type EntryTreeUpgrade struct {
	Fork      uint64
	Ancestors uint64
	Length    uint64
	Signature []byte
}

func (u *EntryTreeUpgrade) preencode(state *encoding.State) {
	state.PreencodeUintVar(u.Fork)
	state.PreencodeUintVar(u.Ancestors)
	state.PreencodeUintVar(u.Length)
	state.PreencodeBuffer(u.Signature)
}

func (u *EntryTreeUpgrade) encode(state *encoding.State, buffer []byte) error {
	if err := state.EncodeUintVar(u.Fork, buffer); err != nil {
		return err
	}
	if err := state.EncodeUintVar(u.Ancestors, buffer); err != nil {
		return err
	}
	if err := state.EncodeUintVar(u.Length, buffer); err != nil {
		return err
	}
	return state.EncodeBuffer(u.Signature, buffer)
}

func decodeEntryTreeUpgrade(state *encoding.State, buffer []byte) (*EntryTreeUpgrade, error) {
	fork, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	ancestors, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	length, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	signature, err := state.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return &EntryTreeUpgrade{
		Fork:      fork,
		Ancestors: ancestors,
		Length:    length,
		Signature: signature,
	}, nil
}

func preencodeBitfieldUpdate(state *encoding.State, u *common.BitfieldUpdate) {
	state.End++ // flags
	state.PreencodeUintVar(u.Start)
	state.PreencodeUintVar(u.Length)
}

func encodeBitfieldUpdate(state *encoding.State, u *common.BitfieldUpdate, buffer []byte) error {
	var flags uint8
	if u.Drop {
		flags = 1
	}
	if err := state.EncodeU8(flags, buffer); err != nil {
		return err
	}
	if err := state.EncodeUintVar(u.Start, buffer); err != nil {
		return err
	}
	return state.EncodeUintVar(u.Length, buffer)
}

func decodeBitfieldUpdate(state *encoding.State, buffer []byte) (*common.BitfieldUpdate, error) {
	flags, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	start, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	length, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	return &common.BitfieldUpdate{
		Drop:   flags == 1,
		Start:  start,
		Length: length,
	}, nil
}

// Entry is one framed record of the oplog stream. Each of the four
// sections is optional, flagged by a bitmask byte.
type Entry struct {
	UserData    []string
	TreeNodes   []*common.Node
	TreeUpgrade *EntryTreeUpgrade
	Bitfield    *common.BitfieldUpdate
}

func (e *Entry) preencode(state *encoding.State) {
	state.End++ // flags
	if len(e.UserData) > 0 {
		state.PreencodeStringArray(e.UserData)
	}
	if len(e.TreeNodes) > 0 {
		state.PreencodeNodes(e.TreeNodes)
	}
	if e.TreeUpgrade != nil {
		e.TreeUpgrade.preencode(state)
	}
	if e.Bitfield != nil {
		preencodeBitfieldUpdate(state, e.Bitfield)
	}
}

func (e *Entry) encode(state *encoding.State, buffer []byte) error {
	start := state.Start
	state.Start++
	var flags uint8
	if len(e.UserData) > 0 {
		flags |= entryFlagUserData
		if err := state.EncodeStringArray(e.UserData, buffer); err != nil {
			return err
		}
	}
	if len(e.TreeNodes) > 0 {
		flags |= entryFlagTreeNodes
		if err := state.EncodeNodes(e.TreeNodes, buffer); err != nil {
			return err
		}
	}
	if e.TreeUpgrade != nil {
		flags |= entryFlagTreeUpgrade
		if err := e.TreeUpgrade.encode(state, buffer); err != nil {
			return err
		}
	}
	if e.Bitfield != nil {
		flags |= entryFlagBitfield
		if err := encodeBitfieldUpdate(state, e.Bitfield, buffer); err != nil {
			return err
		}
	}
	buffer[start] = flags
	return nil
}

func decodeEntry(state *encoding.State, buffer []byte) (*Entry, error) {
	flags, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	entry := &Entry{}
	if flags&entryFlagUserData != 0 {
		entry.UserData, err = state.DecodeStringArray(buffer)
		if err != nil {
			return nil, err
		}
	}
	if flags&entryFlagTreeNodes != 0 {
		entry.TreeNodes, err = state.DecodeNodes(buffer)
		if err != nil {
			return nil, err
		}
	}
	if flags&entryFlagTreeUpgrade != 0 {
		entry.TreeUpgrade, err = decodeEntryTreeUpgrade(state, buffer)
		if err != nil {
			return nil, err
		}
	}
	if flags&entryFlagBitfield != 0 {
		entry.Bitfield, err = decodeBitfieldUpdate(state, buffer)
		if err != nil {
			return nil, err
		}
	}
	return entry, nil
}
