package hypercore

import "github.com/corelog/hypercore/internal/crypto"

// KeyPair is the Ed25519 key pair of a log. The secret key is nil for
// read-only logs.
type KeyPair = crypto.KeyPair

// GenerateKeyPair creates a fresh signing key pair.
func GenerateKeyPair() (*KeyPair, error) {
	return crypto.GenerateKeyPair()
}

// KeyPairFromSeed derives a key pair from a 32 byte seed.
func KeyPairFromSeed(seed []byte) *KeyPair {
	return crypto.KeyPairFromSeed(seed)
}

// DiscoveryKey hashes a public key into a value usable to find peers
// on a network without leaking the key itself.
func DiscoveryKey(publicKey []byte) ([]byte, error) {
	return crypto.DiscoveryKey(publicKey)
}
