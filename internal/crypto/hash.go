// Package crypto implements the hashing and signing primitives of the
// log: Blake2b-256 over the tree structure and Ed25519 over the
// signable tree head.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/blake2b"

	"github.com/corelog/hypercore/internal/common"
)

// Domain separation prefixes, guarding against second preimage
// attacks across node kinds.
var (
	leafType   = []byte{0x00}
	parentType = []byte{0x01}
	rootType   = []byte{0x02}
)

var hypercoreNamespace = []byte("hypercore")

// TreeNamespace is Blake2b-256("hypercore") re-hashed with a trailing
// zero byte. It prefixes every signable tree buffer.
var TreeNamespace = [32]byte{
	0x9F, 0xAC, 0x70, 0xB5, 0x0C, 0xA1, 0x4E, 0xFC,
	0x4E, 0x91, 0xC8, 0x33, 0xB2, 0x04, 0xE7, 0x5B,
	0x8B, 0x5A, 0xAD, 0x8B, 0x58, 0x81, 0xBF, 0xC0,
	0xAD, 0xB5, 0xEF, 0x38, 0xA3, 0x27, 0x5B, 0x9C,
}

// DefaultNamespace is the manifest signer namespace of a plain log.
var DefaultNamespace = [32]byte{
	0x41, 0x44, 0xEE, 0xA5, 0x31, 0xE4, 0x83, 0xD5,
	0x4E, 0x0C, 0x14, 0xF4, 0xCA, 0x68, 0xE0, 0x64,
	0x4F, 0x35, 0x53, 0x43, 0xFF, 0x6F, 0xCB, 0x0F,
	0x00, 0x52, 0x00, 0xE1, 0x2C, 0xD7, 0x47, 0xCB,
}

func le64(value uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(value >> (8 * i))
	}
	return out
}

// Hash256 is Blake2b-256 over the given chunks.
func Hash256(chunks ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// LeafHash hashes a block of data into its leaf node hash.
func LeafHash(data []byte) []byte {
	return Hash256(leafType, le64(uint64(len(data))), data)
}

// ParentHash hashes two child nodes into their parent hash. The
// operands are ordered by index.
func ParentHash(left, right *common.Node) []byte {
	if left.Index > right.Index {
		left, right = right, left
	}
	return Hash256(parentType, le64(left.Length+right.Length), left.Hash, right.Hash)
}

// TreeHash summarises a set of roots into a single hash.
func TreeHash(roots []*common.Node) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(rootType)
	for _, node := range roots {
		h.Write(node.Hash)
		h.Write(le64(node.Index))
		h.Write(le64(node.Length))
	}
	return h.Sum(nil)
}

// SignableTree builds the 80 byte buffer that is signed for a tree
// head: namespace, root hash, length and fork.
func SignableTree(hash []byte, length, fork uint64) []byte {
	out := make([]byte, 0, 80)
	out = append(out, TreeNamespace[:]...)
	out = append(out, hash...)
	out = append(out, le64(length)...)
	out = append(out, le64(fork)...)
	return out
}

// DiscoveryKey hashes a public key into a value that can be used to
// find interested peers without revealing the key itself.
func DiscoveryKey(publicKey []byte) ([]byte, error) {
	h, err := blake2b.New256(publicKey)
	if err != nil {
		return nil, err
	}
	h.Write(hypercoreNamespace)
	return h.Sum(nil), nil
}

// KeyPair is an Ed25519 key pair. Read-only logs carry no secret key.
type KeyPair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// Writable reports whether the pair can sign.
func (k *KeyPair) Writable() bool {
	return k.Secret != nil
}

// Clone returns an independent copy of the key pair.
func (k *KeyPair) Clone() *KeyPair {
	out := &KeyPair{Public: append(ed25519.PublicKey(nil), k.Public...)}
	if k.Secret != nil {
		out.Secret = append(ed25519.PrivateKey(nil), k.Secret...)
	}
	return out
}

// GenerateKeyPair creates a fresh signing key pair.
func GenerateKeyPair() (*KeyPair, error) {
	public, secret, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: public, Secret: secret}, nil
}

// KeyPairFromSeed derives a key pair from a 32 byte seed.
func KeyPairFromSeed(seed []byte) *KeyPair {
	secret := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		Public: secret.Public().(ed25519.PublicKey),
		Secret: secret,
	}
}

// Sign signs data with the secret key.
func Sign(secret ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(secret, data)
}

// Verify checks an Ed25519 signature.
func Verify(public ed25519.PublicKey, data, signature []byte) error {
	if len(signature) != ed25519.SignatureSize {
		return &common.InvalidSignatureError{Context: "signature has wrong length"}
	}
	if !ed25519.Verify(public, data, signature) {
		return &common.InvalidSignatureError{Context: "signature verification failed"}
	}
	return nil
}
