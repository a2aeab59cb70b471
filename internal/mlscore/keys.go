package mlscore

import (
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/xmtp-go/mlscore/internal/crypto"
)

// CiphersuiteID is the single fixed MLS ciphersuite this engine
// implements: X25519 + AES-GCM + Ed25519 + SHA-256. Changing it is a
// hard fork, so it is not configurable.
const CiphersuiteID = 0x0001

func x25519Base(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return pub, nil
}

// SealWelcome encrypts a Welcome for the installation whose HPKE
// public key is recipientPub. This is the "decrypt with the
// installation's HPKE private key" step named for the welcome path:
// in the absence of a full HPKE ciphersuite, ECIES over X25519 plays
// the same role.
func SealWelcome(recipientPub, plaintext []byte) ([]byte, error) {
	return crypto.EncryptWelcome(recipientPub, plaintext)
}

// OpenWelcome decrypts a Welcome sealed with SealWelcome.
func OpenWelcome(recipientPriv, sealed []byte) ([]byte, error) {
	return crypto.DecryptWelcome(recipientPriv, sealed)
}
