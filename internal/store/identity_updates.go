package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// InsertIdentityUpdate stores update at sequenceID for inboxID. C1 is
// the exclusive writer of these rows; sequenceID is assigned by the
// remote log, not generated locally.
func (s *Store) InsertIdentityUpdate(ctx context.Context, inboxID string, sequenceID uint64, update assoc.IdentityUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return xerrors.Wrap(xerrors.KindProtocol, "marshal identity update", err)
	}
	nonce, sealed, err := crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "identity_updates"), payload)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "seal identity update", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identity_updates (inbox_id, sequence_id, client_timestamp_ns, payload_nonce, payload_sealed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(inbox_id, sequence_id) DO NOTHING`,
		inboxID, int64(sequenceID), int64(update.ClientTimestampNS), nonce, sealed)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ListIdentityUpdates returns every identity update stored for
// inboxID, ordered by sequence id, ready to be folded by
// assoc.GetState.
func (s *Store) ListIdentityUpdates(ctx context.Context, inboxID string) ([]assoc.IdentityUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload_nonce, payload_sealed FROM identity_updates
		WHERE inbox_id = ? ORDER BY sequence_id ASC`, inboxID)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	envelopeKey := crypto.DeriveEnvelopeKey(s.key, "identity_updates")
	var out []assoc.IdentityUpdate
	for rows.Next() {
		var nonce, sealed []byte
		if err := rows.Scan(&nonce, &sealed); err != nil {
			return nil, classifySQLError(err)
		}
		plain, err := crypto.AESGCMDecrypt(envelopeKey, nonce, sealed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindFatal, "open identity update", err)
		}
		var update assoc.IdentityUpdate
		if err := json.Unmarshal(plain, &update); err != nil {
			return nil, xerrors.Wrap(xerrors.KindProtocol, "unmarshal identity update", err)
		}
		out = append(out, update)
	}
	return out, rows.Err()
}

// InboxRegistered implements identity.Store: whether this inbox's
// CreateInbox identity update and initial key package have already
// been published.
func (s *Store) InboxRegistered(ctx context.Context, inboxID string) (bool, error) {
	var registered int
	err := s.db.QueryRowContext(ctx, `SELECT registered FROM inbox_registration WHERE inbox_id = ?`, inboxID).Scan(&registered)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, classifySQLError(err)
	}
	return registered != 0, nil
}

// MarkInboxRegistered implements identity.Store.
func (s *Store) MarkInboxRegistered(ctx context.Context, inboxID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_registration (inbox_id, registered) VALUES (?, 1)
		ON CONFLICT(inbox_id) DO UPDATE SET registered = 1`, inboxID)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}
