package mlscore

import (
	"encoding/json"
	"fmt"

	"github.com/xmtp-go/mlscore/internal/crypto"
)

const archiveKeyLabel = "mls-epoch-archive"

// EpochKeyArchive retains past epoch secrets so that a late-arriving
// commit for an older epoch, or a history-sync transfer, can still be
// processed. The store persists one archive per group, encrypted
// under a key derived from the group's current epoch secret.
type EpochKeyArchive struct {
	keys map[uint64][]byte
}

func NewEpochKeyArchive() *EpochKeyArchive {
	return &EpochKeyArchive{keys: make(map[uint64][]byte)}
}

func (a *EpochKeyArchive) Add(epoch uint64, secret []byte) {
	a.keys[epoch] = secret
}

func (a *EpochKeyArchive) Get(epoch uint64) ([]byte, error) {
	s, ok := a.keys[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch %d not in archive", epoch)
	}
	return s, nil
}

func (a *EpochKeyArchive) Has(epoch uint64) bool {
	_, ok := a.keys[epoch]
	return ok
}

func (a *EpochKeyArchive) LatestEpoch() int64 {
	max := int64(-1)
	for k := range a.keys {
		if int64(k) > max {
			max = int64(k)
		}
	}
	return max
}

func (a *EpochKeyArchive) toJSONBytes() []byte {
	obj := make(map[string]string, len(a.keys))
	for k, v := range a.keys {
		obj[fmt.Sprintf("%d", k)] = crypto.B64Encode(v, true)
	}
	data, _ := json.Marshal(obj)
	return data
}

func epochKeyArchiveFromJSON(data []byte) (*EpochKeyArchive, error) {
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal epoch archive: %w", err)
	}
	a := NewEpochKeyArchive()
	for k, v := range obj {
		var epoch uint64
		if _, err := fmt.Sscanf(k, "%d", &epoch); err != nil {
			return nil, fmt.Errorf("parse epoch key %q: %w", k, err)
		}
		secret, err := crypto.B64Decode(v, true)
		if err != nil {
			return nil, fmt.Errorf("decode epoch secret: %w", err)
		}
		a.keys[epoch] = secret
	}
	return a, nil
}

func deriveArchiveKey(epochSecret []byte) []byte {
	return crypto.DeriveMessageKey(epochSecret, archiveKeyLabel, 0)
}

// Seal encrypts the archive under a key derived from the group's
// current epoch secret.
func (a *EpochKeyArchive) Seal(currentEpochSecret []byte) ([]byte, error) {
	plaintext := a.toJSONBytes()
	key := deriveArchiveKey(currentEpochSecret)
	nonce, ct, err := crypto.AESGCMEncrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal epoch archive: %w", err)
	}
	return append(nonce, ct...), nil
}

// OpenEpochArchive decrypts an archive sealed with Seal.
func OpenEpochArchive(data, epochSecret []byte) (*EpochKeyArchive, error) {
	key := deriveArchiveKey(epochSecret)
	if len(data) < crypto.IVSize {
		return nil, fmt.Errorf("archive data too short")
	}
	nonce := data[:crypto.IVSize]
	ct := data[crypto.IVSize:]
	plaintext, err := crypto.AESGCMDecrypt(key, nonce, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt epoch archive: %w", err)
	}
	return epochKeyArchiveFromJSON(plaintext)
}
