package mlscore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// BasicCredential binds an installation's signature key to the inbox
// it claims to speak for. The inbox id embedded here must match the
// association state the identity package returns for the installation
// before the credential is trusted.
type BasicCredential struct {
	InboxID      string            `json:"inbox_id"`
	SignatureKey ed25519.PublicKey `json:"signature_key"`
}

// HPKEKeyPair is the X25519 key pair used for welcome sealing. The
// engine has no real HPKE ciphersuite available, so it layers the
// ECIES construction in internal/crypto over a bare X25519 pair; see
// SealWelcome/OpenWelcome.
type HPKEKeyPair struct {
	Public  []byte
	Private []byte
}

func GenerateHPKEKeyPair() (HPKEKeyPair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return HPKEKeyPair{}, fmt.Errorf("generate hpke private key: %w", err)
	}
	pub, err := x25519Base(priv)
	if err != nil {
		return HPKEKeyPair{}, err
	}
	return HPKEKeyPair{Public: pub, Private: priv}, nil
}

// KeyPackage is the one-shot bundle a prospective group member
// publishes so that an existing member can add them without further
// round trips. Key packages are consumed on use: the group package
// publishes a fresh one after every welcome it admits.
type KeyPackage struct {
	Credential   BasicCredential `json:"credential"`
	InitKey      []byte          `json:"init_key"`
	LastResort   bool            `json:"last_resort"`
	InstallationID []byte        `json:"installation_id"`
}

// NewKeyPackage builds a key package for credential using the given
// HPKE key pair's public half as the init key.
func NewKeyPackage(credential BasicCredential, hpke HPKEKeyPair, lastResort bool) KeyPackage {
	return KeyPackage{
		Credential:     credential,
		InitKey:        hpke.Public,
		LastResort:     lastResort,
		InstallationID: append([]byte(nil), credential.SignatureKey...),
	}
}
