package verifier

import (
	"crypto/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/xmtp-go/mlscore/internal/assoc"
)

// sign produces the 65-byte r||s||v Ethereum-style signature over hash
// for priv, the format wallets emit from eth_sign/personal_sign.
func sign(t *testing.T, priv *secp256k1.PrivateKey, hash []byte) []byte {
	t.Helper()
	compact := ecdsa.SignCompact(priv, hash, true)
	header := compact[0]
	recID := header - 27 - 4
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = 27 + recID
	return sig
}

func newKey(t *testing.T) (*secp256k1.PrivateKey, string) {
	t.Helper()
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		t.Fatal(err)
	}
	priv := secp256k1.PrivKeyFromBytes(buf[:])
	addr := addressFromPubkey(priv.PubKey())
	return priv, addr
}

func TestRecoverAddressMatchesSigner(t *testing.T) {
	priv, addr := newKey(t)
	digest := PersonalSignDigest([]byte("hello xmtp"))
	sig := sign(t, priv, digest)

	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("RecoverAddress: %v", err)
	}
	if recovered != addr {
		t.Errorf("recovered = %s, want %s", recovered, addr)
	}
}

func TestVerifyAccountSignaturePersonalSign(t *testing.T) {
	priv, addr := newKey(t)
	message := []byte("create inbox for " + addr)
	sig := sign(t, priv, PersonalSignDigest(message))

	v := New()
	ok, err := v.VerifyAccountSignature(assoc.SignatureERC191, addr, message, sig)
	if err != nil {
		t.Fatalf("VerifyAccountSignature: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify against its own signer address")
	}
}

func TestVerifyAccountSignatureRejectsWrongAddress(t *testing.T) {
	priv, _ := newKey(t)
	_, otherAddr := newKey(t)
	message := []byte("create inbox")
	sig := sign(t, priv, PersonalSignDigest(message))

	v := New()
	ok, err := v.VerifyAccountSignature(assoc.SignatureERC191, otherAddr, message, sig)
	if err != nil {
		t.Fatalf("VerifyAccountSignature: %v", err)
	}
	if ok {
		t.Error("signature must not verify against an unrelated address")
	}
}

func TestVerifyAccountSignatureLegacyDelegated(t *testing.T) {
	priv, addr := newKey(t)
	digest := []byte("legacy delegated digest")
	sig := sign(t, priv, Keccak256(digest))

	v := New()
	ok, err := v.VerifyAccountSignature(assoc.SignatureLegacyDelegated, addr, digest, sig)
	if err != nil {
		t.Fatalf("VerifyAccountSignature: %v", err)
	}
	if !ok {
		t.Error("expected legacy delegated signature to verify")
	}
}

func TestRecoverAddressRejectsShortSignature(t *testing.T) {
	if _, err := RecoverAddress([]byte("digest"), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for malformed signature")
	}
}

func TestToChecksumAddress(t *testing.T) {
	// Canonical EIP-55 test vector.
	got := ToChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	want := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if got != want {
		t.Errorf("ToChecksumAddress = %s, want %s", got, want)
	}
}
