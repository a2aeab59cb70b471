// Package verifier implements assoc.Verifier against real wallet
// signatures: ERC-191 personal-sign recovery over secp256k1, plus a
// legacy delegated-key variant kept for inboxes created before the
// migration to installation keys. Smart-contract wallets (ERC-1271,
// ERC-6492) are named but require a chain RPC client this module does
// not own, so they fail closed with a Transient error until one is
// wired in by the caller.
package verifier

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

const personalSignPrefix = "\x19Ethereum Signed Message:\n"

// Keccak256 returns the Keccak-256 digest used throughout the Ethereum
// signing stack (distinct from SHA3-256: no NIST padding byte).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PersonalSignDigest wraps message the way wallets do for
// eth_personalSign / ERC-191, so RecoverAddress reproduces exactly what
// the wallet's extension actually hashed and signed.
func PersonalSignDigest(message []byte) []byte {
	prefix := []byte(personalSignPrefix + itoa(len(message)))
	return Keccak256(append(prefix, message...))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// RecoverAddress recovers the checksum-less, 0x-prefixed hex address
// that produced sig over hash. sig must be the 65-byte r||s||v form
// wallets emit, with v in {0,1,27,28}.
func RecoverAddress(hash, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", xerrors.New(xerrors.KindAuthorization, "signature must be 65 bytes (r||s||v)")
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", xerrors.New(xerrors.KindAuthorization, "invalid recovery id")
	}
	compact := make([]byte, 65)
	compact[0] = 27 + 4 + v // decred compact header: 27 base, +4 for compressed-pubkey recovery
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindAuthorization, "recover public key", err)
	}
	return addressFromPubkey(pub), nil
}

func addressFromPubkey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	digest := Keccak256(uncompressed[1:])
	return "0x" + toHex(digest[12:])
}

// AddressFromPubkey derives the Ethereum-style address for pub. Exported
// so callers that hold a wallet key locally (the CLI's demo identity
// bootstrap, which has no real wallet to delegate to) can compute the
// account address their own signatures will recover to.
func AddressFromPubkey(pub *secp256k1.PublicKey) string {
	return addressFromPubkey(pub)
}

// SignPersonal produces a 65-byte r||s||v wallet-style signature over
// message's personal-sign digest, the form RecoverAddress expects.
func SignPersonal(priv *secp256k1.PrivateKey, message []byte) []byte {
	digest := PersonalSignDigest(message)
	compact := ecdsa.SignCompact(priv, digest, true)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 31
	return sig
}

const hexDigits = "0123456789abcdef"

func toHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// Verifier implements assoc.Verifier using local secp256k1 recovery
// for wallet-originated signatures.
type Verifier struct{}

// New returns a Verifier with no chain RPC wired in; ERC-1271/ERC-6492
// contract-wallet verification is therefore unavailable.
func New() *Verifier {
	return &Verifier{}
}

var _ assoc.Verifier = (*Verifier)(nil)

func (v *Verifier) VerifyAccountSignature(kind assoc.SignatureKind, accountAddress string, digest, signature []byte) (bool, error) {
	switch kind {
	case assoc.SignatureERC191:
		return v.verifyPersonalSign(accountAddress, digest, signature)
	case assoc.SignatureLegacyDelegated:
		return v.verifyLegacyDelegated(accountAddress, digest, signature)
	default:
		return false, xerrors.New(xerrors.KindProtocol, "verifier: unsupported signature kind for account verification")
	}
}

func (v *Verifier) verifyPersonalSign(accountAddress string, message, signature []byte) (bool, error) {
	recovered, err := RecoverAddress(PersonalSignDigest(message), signature)
	if err != nil {
		if len(signature) != 65 {
			// Likely an ERC-1271/ERC-6492 smart-contract signature; we
			// cannot validate those without a chain RPC client.
			return false, xerrors.New(xerrors.KindTransient, "verifier: contract-wallet signature verification requires a configured chain RPC client")
		}
		return false, err
	}
	return equalFoldAddress(recovered, accountAddress), nil
}

// verifyLegacyDelegated checks the historical delegated-key signature
// format: a raw Keccak-256 hash of the digest, signed without the
// personal-sign prefix wallets use today.
func (v *Verifier) verifyLegacyDelegated(accountAddress string, digest, signature []byte) (bool, error) {
	recovered, err := RecoverAddress(Keccak256(digest), signature)
	if err != nil {
		return false, err
	}
	return equalFoldAddress(recovered, accountAddress), nil
}

func equalFoldAddress(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ToChecksumAddress applies EIP-55 mixed-case checksumming to a
// lowercase 0x-prefixed address, the form explorers and wallets display.
func ToChecksumAddress(address string) string {
	if len(address) != 42 || address[:2] != "0x" {
		return address
	}
	lower := address[2:]
	hash := Keccak256([]byte(lower))
	out := make([]byte, 42)
	out[0], out[1] = '0', 'x'
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[2+i] = c - ('a' - 'A')
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}
