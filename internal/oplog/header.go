package oplog

import (
	"crypto/ed25519"
	"fmt"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/crypto"
	"github.com/corelog/hypercore/internal/encoding"
)

// Hints carries advisory state in the header: the replication reorg
// hints (carried but unused) and the contiguous length of the log.
type Hints struct {
	Reorgs           []string
	ContiguousLength uint64
}

// Header is the state snapshot stored twice in the oplog's header
// area.
type Header struct {
	Key      [32]byte
	Manifest crypto.Manifest
	KeyPair  *crypto.KeyPair
	UserData []string
	Tree     common.TreeHeader
	Hints    Hints
}

// NewHeader creates the initial header for a key pair.
func NewHeader(keyPair *crypto.KeyPair) *Header {
	var key [32]byte
	copy(key[:], keyPair.Public)
	return &Header{
		Key:      key,
		Manifest: crypto.DefaultSignerManifest(key),
		KeyPair:  keyPair,
	}
}

// Clone returns an independent copy of the header.
func (h *Header) Clone() *Header {
	clone := &Header{
		Key:      h.Key,
		Manifest: h.Manifest,
		KeyPair:  h.KeyPair.Clone(),
		UserData: append([]string(nil), h.UserData...),
		Tree: common.TreeHeader{
			Fork:      h.Tree.Fork,
			Length:    h.Tree.Length,
			RootHash:  append([]byte(nil), h.Tree.RootHash...),
			Signature: append([]byte(nil), h.Tree.Signature...),
		},
		Hints: Hints{
			Reorgs:           append([]string(nil), h.Hints.Reorgs...),
			ContiguousLength: h.Hints.ContiguousLength,
		},
	}
	return clone
}

func (h *Header) preencode(state *encoding.State) {
	state.End += 2 // version and flags
	state.End += 32
	state.End += h.Manifest.EncodedSize()
	preencodeKeyPair(state, h.KeyPair)
	state.PreencodeStringArray(h.UserData)
	preencodeTreeHeader(state, &h.Tree)
	state.PreencodeStringArray(h.Hints.Reorgs)
	state.PreencodeUintVar(h.Hints.ContiguousLength)
}

func (h *Header) encode(state *encoding.State, buffer []byte) error {
	if err := state.EncodeU8(1, buffer); err != nil { // version
		return err
	}
	// Key pair and manifest are both present.
	if err := state.EncodeU8(2|4, buffer); err != nil {
		return err
	}
	if err := state.EncodeFixed32(h.Key[:], buffer); err != nil {
		return err
	}
	if err := h.Manifest.Encode(state, buffer); err != nil {
		return err
	}
	if err := encodeKeyPair(state, h.KeyPair, buffer); err != nil {
		return err
	}
	if err := state.EncodeStringArray(h.UserData, buffer); err != nil {
		return err
	}
	if err := encodeTreeHeader(state, &h.Tree, buffer); err != nil {
		return err
	}
	if err := state.EncodeStringArray(h.Hints.Reorgs, buffer); err != nil {
		return err
	}
	return state.EncodeUintVar(h.Hints.ContiguousLength, buffer)
}

func decodeHeader(state *encoding.State, buffer []byte) (*Header, error) {
	version, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, &common.CorruptStorageError{
			Store:   common.StoreOplog,
			Context: fmt.Sprintf("unknown oplog header version %d", version),
		}
	}
	if _, err := state.DecodeU8(buffer); err != nil { // flags
		return nil, err
	}
	keyBytes, err := state.DecodeFixed32(buffer)
	if err != nil {
		return nil, err
	}
	manifest, err := crypto.DecodeManifest(state, buffer)
	if err != nil {
		return nil, err
	}
	keyPair, err := decodeKeyPair(state, buffer)
	if err != nil {
		return nil, err
	}
	userData, err := state.DecodeStringArray(buffer)
	if err != nil {
		return nil, err
	}
	tree, err := decodeTreeHeader(state, buffer)
	if err != nil {
		return nil, err
	}
	reorgs, err := state.DecodeStringArray(buffer)
	if err != nil {
		return nil, err
	}
	contiguousLength, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Manifest: *manifest,
		KeyPair:  keyPair,
		UserData: userData,
		Tree:     *tree,
		Hints: Hints{
			Reorgs:           reorgs,
			ContiguousLength: contiguousLength,
		},
	}
	copy(header.Key[:], keyBytes)
	return header, nil
}

func preencodeTreeHeader(state *encoding.State, tree *common.TreeHeader) {
	state.PreencodeUintVar(tree.Fork)
	state.PreencodeUintVar(tree.Length)
	state.PreencodeBuffer(tree.RootHash)
	state.PreencodeBuffer(tree.Signature)
}

func encodeTreeHeader(state *encoding.State, tree *common.TreeHeader, buffer []byte) error {
	if err := state.EncodeUintVar(tree.Fork, buffer); err != nil {
		return err
	}
	if err := state.EncodeUintVar(tree.Length, buffer); err != nil {
		return err
	}
	if err := state.EncodeBuffer(tree.RootHash, buffer); err != nil {
		return err
	}
	return state.EncodeBuffer(tree.Signature, buffer)
}

func decodeTreeHeader(state *encoding.State, buffer []byte) (*common.TreeHeader, error) {
	fork, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	length, err := state.DecodeUintVar(buffer)
	if err != nil {
		return nil, err
	}
	rootHash, err := state.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	signature, err := state.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	return &common.TreeHeader{
		Fork:      fork,
		Length:    length,
		RootHash:  rootHash,
		Signature: signature,
	}, nil
}

// The secret key is stored as the 64 byte signing key, which carries
// the public key inside it, so the public key ends up in the header
// twice. This keeps the layout compatible with sodium based stacks.
func preencodeKeyPair(state *encoding.State, keyPair *crypto.KeyPair) {
	state.End += 1 + ed25519.PublicKeySize
	if keyPair.Secret != nil {
		state.End += 1 + ed25519.PrivateKeySize
	} else {
		state.End++
	}
}

func encodeKeyPair(state *encoding.State, keyPair *crypto.KeyPair, buffer []byte) error {
	if err := state.EncodeBuffer(keyPair.Public, buffer); err != nil {
		return err
	}
	if keyPair.Secret != nil {
		return state.EncodeBuffer(keyPair.Secret, buffer)
	}
	return state.EncodeU8(0, buffer)
}

func decodeKeyPair(state *encoding.State, buffer []byte) (*crypto.KeyPair, error) {
	publicKey, err := state.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, &common.CorruptStorageError{
			Store:   common.StoreOplog,
			Context: fmt.Sprintf("public key has length %d", len(publicKey)),
		}
	}
	secretKey, err := state.DecodeBuffer(buffer)
	if err != nil {
		return nil, err
	}
	keyPair := &crypto.KeyPair{Public: ed25519.PublicKey(publicKey)}
	switch len(secretKey) {
	case 0:
	case ed25519.PrivateKeySize:
		keyPair.Secret = ed25519.PrivateKey(secretKey)
	default:
		return nil, &common.CorruptStorageError{
			Store:   common.StoreOplog,
			Context: fmt.Sprintf("secret key has length %d", len(secretKey)),
		}
	}
	return keyPair, nil
}
