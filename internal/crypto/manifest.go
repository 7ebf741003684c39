package crypto

import (
	"fmt"

	"github.com/corelog/hypercore/internal/encoding"
)

// Manifest describes how a log is hashed and signed.
type Manifest struct {
	// Hash is the tree hash algorithm, currently always "blake2b".
	Hash   string
	Signer ManifestSigner
}

// ManifestSigner names the signature scheme, its namespace and the
// public key of a log.
type ManifestSigner struct {
	// Signature is the scheme name, currently always "ed25519".
	Signature string
	Namespace [32]byte
	PublicKey [32]byte
}

// DefaultSignerManifest returns the manifest of a plain blake2b and
// ed25519 signed log.
func DefaultSignerManifest(publicKey [32]byte) Manifest {
	return Manifest{
		Hash: "blake2b",
		Signer: ManifestSigner{
			Signature: "ed25519",
			Namespace: DefaultNamespace,
			PublicKey: publicKey,
		},
	}
}

// EncodedSize returns the manifest's encoded byte size.
func (m *Manifest) EncodedSize() int {
	// version + hash id + type + signer (scheme id + namespace + key)
	return 1 + 1 + 1 + 1 + 32 + 32
}

// Encode writes the manifest.
func (m *Manifest) Encode(state *encoding.State, buffer []byte) error {
	if err := state.EncodeU8(0, buffer); err != nil { // version
		return err
	}
	if m.Hash != "blake2b" {
		return &encoding.Error{Kind: encoding.InvalidData, Context: fmt.Sprintf("unknown hash: %s", m.Hash)}
	}
	if err := state.EncodeU8(0, buffer); err != nil {
		return err
	}
	if err := state.EncodeU8(1, buffer); err != nil { // signer manifest
		return err
	}
	return m.Signer.encode(state, buffer)
}

// DecodeManifest reads a manifest.
func DecodeManifest(state *encoding.State, buffer []byte) (*Manifest, error) {
	version, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	if version != 0 {
		return nil, &encoding.Error{Kind: encoding.InvalidData, Context: fmt.Sprintf("unknown manifest version: %d", version)}
	}
	hashID, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	if hashID != 0 {
		return nil, &encoding.Error{Kind: encoding.InvalidData, Context: fmt.Sprintf("unknown hash id: %d", hashID)}
	}
	manifestType, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	if manifestType != 1 {
		return nil, &encoding.Error{Kind: encoding.InvalidData, Context: fmt.Sprintf("unknown manifest type: %d", manifestType)}
	}
	signer, err := decodeManifestSigner(state, buffer)
	if err != nil {
		return nil, err
	}
	return &Manifest{Hash: "blake2b", Signer: *signer}, nil
}

func (s *ManifestSigner) encode(state *encoding.State, buffer []byte) error {
	if s.Signature != "ed25519" {
		return &encoding.Error{Kind: encoding.InvalidData, Context: fmt.Sprintf("unknown signature type: %s", s.Signature)}
	}
	if err := state.EncodeU8(0, buffer); err != nil {
		return err
	}
	if err := state.EncodeFixed32(s.Namespace[:], buffer); err != nil {
		return err
	}
	return state.EncodeFixed32(s.PublicKey[:], buffer)
}

func decodeManifestSigner(state *encoding.State, buffer []byte) (*ManifestSigner, error) {
	schemeID, err := state.DecodeU8(buffer)
	if err != nil {
		return nil, err
	}
	if schemeID != 0 {
		return nil, &encoding.Error{Kind: encoding.InvalidData, Context: fmt.Sprintf("unknown signature id: %d", schemeID)}
	}
	namespace, err := state.DecodeFixed32(buffer)
	if err != nil {
		return nil, err
	}
	publicKey, err := state.DecodeFixed32(buffer)
	if err != nil {
		return nil, err
	}
	signer := &ManifestSigner{Signature: "ed25519"}
	copy(signer.Namespace[:], namespace)
	copy(signer.PublicKey[:], publicKey)
	return signer, nil
}
