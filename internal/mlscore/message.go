package mlscore

import (
	"encoding/binary"
	"fmt"

	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// sealedEnvelopeHeaderSize is epoch(8) || senderLeaf(4) || generation(8).
const sealedEnvelopeHeaderSize = 8 + 4 + 8

// EncryptApplicationMessage seals plaintext under a key derived from
// the current epoch's application secret and this sender's per-epoch
// generation counter, then advances the counter so the next message
// from this leaf never reuses a key.
func (g *Group) EncryptApplicationMessage(plaintext []byte) ([]byte, error) {
	leaf := &g.state.Members[g.state.OwnLeafIndex]
	appSecret := g.ExportApplicationSecret()
	key := deriveGenerationKey(appSecret, leaf.SigPub, g.state.Epoch, leaf.AppGeneration)

	nonce, ct, err := crypto.AESGCMEncrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal application message: %w", err)
	}

	header := make([]byte, sealedEnvelopeHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], g.state.Epoch)
	binary.BigEndian.PutUint32(header[8:12], uint32(g.state.OwnLeafIndex))
	binary.BigEndian.PutUint64(header[12:20], leaf.AppGeneration)

	leaf.AppGeneration++

	out := make([]byte, 0, len(header)+len(nonce)+len(ct))
	out = append(out, header...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// DecryptApplicationMessage opens an envelope sealed by
// EncryptApplicationMessage. It returns the sender's inbox id
// alongside the plaintext so the caller can attribute the stored
// message without a second lookup.
func (g *Group) DecryptApplicationMessage(sealed []byte) (plaintext []byte, senderInboxID string, err error) {
	if len(sealed) < sealedEnvelopeHeaderSize+crypto.IVSize {
		return nil, "", xerrors.New(xerrors.KindProtocol, "application envelope too short")
	}
	epoch := binary.BigEndian.Uint64(sealed[0:8])
	senderLeaf := int(binary.BigEndian.Uint32(sealed[8:12]))
	generation := binary.BigEndian.Uint64(sealed[12:20])
	rest := sealed[sealedEnvelopeHeaderSize:]
	nonce := rest[:crypto.IVSize]
	ct := rest[crypto.IVSize:]

	if epoch != g.state.Epoch {
		return nil, "", xerrors.New(xerrors.KindProtocol, "application message epoch does not match local epoch")
	}
	if senderLeaf < 0 || senderLeaf >= len(g.state.Members) {
		return nil, "", xerrors.New(xerrors.KindProtocol, "application message sender leaf out of range")
	}
	sender := g.state.Members[senderLeaf]
	if !sender.Active {
		return nil, "", xerrors.New(xerrors.KindAuthorization, "application message from inactive member")
	}

	appSecret := g.ExportApplicationSecret()
	key := deriveGenerationKey(appSecret, sender.SigPub, epoch, generation)
	plaintext, err = crypto.AESGCMDecrypt(key, nonce, ct)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.KindProtocol, "decrypt application message", err)
	}
	return plaintext, sender.InboxID, nil
}
