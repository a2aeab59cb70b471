package store

import (
	"context"
	"database/sql"

	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// SaveEpochArchive persists a group's sealed epoch-key archive (see
// mlscore.EpochKeyArchive.Seal) in the openmls_key_store table. The
// archive is already sealed under the group's current exporter secret;
// this adds a second envelope layer keyed by the database key, so the
// row-at-rest invariant holds for every table uniformly.
func (s *Store) SaveEpochArchive(ctx context.Context, groupID string, sealedArchive []byte) error {
	nonce, sealed, err := crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "openmls_key_store"), sealedArchive)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "seal epoch archive", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO openmls_key_store (group_id, archive_nonce, archive_sealed) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET archive_nonce = excluded.archive_nonce, archive_sealed = excluded.archive_sealed`,
		groupID, nonce, sealed)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// LoadEpochArchive returns the sealed archive bytes for groupID, still
// wrapped in the per-epoch seal the caller opens with the group's
// current exporter secret.
func (s *Store) LoadEpochArchive(ctx context.Context, groupID string) ([]byte, error) {
	var nonce, sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT archive_nonce, archive_sealed FROM openmls_key_store WHERE group_id = ?`, groupID).Scan(&nonce, &sealed)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, classifySQLError(err)
	}
	plain, err := crypto.AESGCMDecrypt(crypto.DeriveEnvelopeKey(s.key, "openmls_key_store"), nonce, sealed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "open epoch archive envelope", err)
	}
	return plain, nil
}
