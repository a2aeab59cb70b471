package mlscore

import (
	"bytes"
	"testing"
)

func TestEpochKeyArchiveSealRoundtrip(t *testing.T) {
	a := NewEpochKeyArchive()
	a.Add(0, bytes.Repeat([]byte{0x01}, 32))
	a.Add(1, bytes.Repeat([]byte{0x02}, 32))

	currentSecret := bytes.Repeat([]byte{0x03}, 32)
	sealed, err := a.Seal(currentSecret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := OpenEpochArchive(sealed, currentSecret)
	if err != nil {
		t.Fatalf("OpenEpochArchive: %v", err)
	}
	if opened.LatestEpoch() != 1 {
		t.Errorf("LatestEpoch = %d, want 1", opened.LatestEpoch())
	}
	secret, err := opened.Get(0)
	if err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if !bytes.Equal(secret, bytes.Repeat([]byte{0x01}, 32)) {
		t.Error("epoch 0 secret did not round-trip")
	}
}

func TestEpochKeyArchiveWrongKeyFails(t *testing.T) {
	a := NewEpochKeyArchive()
	a.Add(0, bytes.Repeat([]byte{0x01}, 32))
	sealed, err := a.Seal(bytes.Repeat([]byte{0x03}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := OpenEpochArchive(sealed, bytes.Repeat([]byte{0x04}, 32)); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}
