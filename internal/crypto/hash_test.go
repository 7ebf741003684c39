package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelog/hypercore/internal/common"
	"github.com/corelog/hypercore/internal/encoding"
)

func checkHash(t *testing.T, hash []byte, expected string) {
	t.Helper()
	assert.Equal(t, expected, hex.EncodeToString(hash))
}

// Known-answer vectors for the tree hashes.

func TestLeafHash(t *testing.T) {
	checkHash(t, LeafHash([]byte("hello world")),
		"9f1b578fd57a4df015493d2886aec9600eef913c3bb009768c7f0fb875996308")
}

func TestParentHash(t *testing.T) {
	data := []byte("hello world")
	length := uint64(len(data))
	node1 := common.NewNode(0, LeafHash(data), length)
	node2 := common.NewNode(1, LeafHash(data), length)
	checkHash(t, ParentHash(node1, node2),
		"3ad0c9b58b771d1b7707e1430f37c23a23dd46e0c7c3ab9c16f79d25f7c36804")
	// Operand order does not matter; indexes do.
	checkHash(t, ParentHash(node2, node1),
		"3ad0c9b58b771d1b7707e1430f37c23a23dd46e0c7c3ab9c16f79d25f7c36804")
}

func TestTreeHash(t *testing.T) {
	hash := make([]byte, 32)
	node1 := common.NewNode(3, hash, 11)
	node2 := common.NewNode(9, hash, 2)
	checkHash(t, TreeHash([]*common.Node{node1, node2}),
		"0e576a56b478cddb6ffebab8c494532b6de009466b2e9f7af9143fc54b9eaa36")
}

func TestTreeNamespaceDerivation(t *testing.T) {
	// The namespace is Blake2b("hypercore") re-hashed with a trailing
	// zero byte.
	ns := Hash256([]byte("hypercore"))
	derived := Hash256(ns, []byte{0})
	assert.Equal(t, TreeNamespace[:], derived)
}

func TestSignableTree(t *testing.T) {
	hash := make([]byte, 32)
	signable := SignableTree(hash, 1, 2)
	require.Len(t, signable, 80)
	assert.Equal(t, TreeNamespace[:], signable[:32])
	assert.Equal(t, byte(1), signable[64])
	assert.Equal(t, byte(2), signable[72])
}

func TestDiscoveryKey(t *testing.T) {
	publicKey := []byte{
		119, 143, 141, 149, 81, 117, 201, 46, 76, 237, 94, 79, 85, 99, 246, 155,
		254, 192, 200, 108, 198, 246, 112, 53, 44, 69, 121, 67, 102, 111, 230, 57,
	}
	expected := []byte{
		37, 167, 138, 168, 22, 21, 132, 126, 186, 0, 153, 93, 242, 157, 212, 29,
		126, 227, 15, 59, 1, 248, 146, 32, 159, 121, 183, 90, 87, 217, 137, 225,
	}
	key, err := DiscoveryKey(publicKey)
	require.NoError(t, err)
	assert.Equal(t, expected, key)
}

func TestSignAndVerify(t *testing.T) {
	keyPair := KeyPairFromSeed(make([]byte, 32))
	message := SignableTree(make([]byte, 32), 5, 0)
	signature := Sign(keyPair.Secret, message)
	require.Len(t, signature, 64)
	require.NoError(t, Verify(keyPair.Public, message, signature))

	var sigErr *common.InvalidSignatureError
	err := Verify(keyPair.Public, append(message, 0xff), signature)
	require.ErrorAs(t, err, &sigErr)

	err = Verify(keyPair.Public, message, signature[:63])
	require.ErrorAs(t, err, &sigErr)
}

func TestKeyPairFromSeedIsDeterministic(t *testing.T) {
	a := KeyPairFromSeed(make([]byte, 32))
	b := KeyPairFromSeed(make([]byte, 32))
	assert.Equal(t, a.Public, b.Public)
	assert.True(t, a.Writable())

	readOnly := &KeyPair{Public: a.Public}
	assert.False(t, readOnly.Writable())
}

func TestManifestRoundTrip(t *testing.T) {
	var publicKey [32]byte
	for i := range publicKey {
		publicKey[i] = byte(i)
	}
	manifest := DefaultSignerManifest(publicKey)

	state, buffer := encoding.NewStateWithSize(manifest.EncodedSize())
	require.NoError(t, manifest.Encode(state, buffer))

	// Wire prefix: version 0, blake2b, signer manifest, ed25519.
	assert.Equal(t, []byte{0, 0, 1, 0}, buffer[:4])

	dec := encoding.NewStateFromBuffer(buffer)
	decoded, err := DecodeManifest(dec, buffer)
	require.NoError(t, err)
	assert.Equal(t, manifest.Hash, decoded.Hash)
	assert.Equal(t, manifest.Signer.Namespace, decoded.Signer.Namespace)
	assert.Equal(t, manifest.Signer.PublicKey, decoded.Signer.PublicKey)
}
