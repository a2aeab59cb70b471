package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// MessageKind distinguishes a decrypted application payload from a
// membership-change notice synthesized when a commit is merged.
type MessageKind int

const (
	MessageApplication MessageKind = iota
	MessageMembershipChange
)

// DeliveryStatus tracks whether a locally-originated message has
// reached the remote log yet.
type DeliveryStatus int

const (
	DeliveryUnpublished DeliveryStatus = iota
	DeliveryPublished
	DeliveryFailed
)

// MessageRow is the persisted form of a Stored Group Message.
type MessageRow struct {
	ID                   string
	GroupID              string
	DecryptedBytes       []byte
	SentAtNS             int64
	Kind                 MessageKind
	SenderInstallationID string
	SenderInboxID        string
	DeliveryStatus       DeliveryStatus
}

// ComputeMessageID derives a message's id deterministically from its
// group, payload, sender, and an idempotency key, so the same envelope
// processed twice yields the same row and a duplicate insert is simply
// ignored rather than double-counted.
func ComputeMessageID(groupID string, payload []byte, sender string, idempotencyKey []byte) string {
	h := sha256.New()
	h.Write([]byte(groupID))
	h.Write(payload)
	h.Write([]byte(sender))
	h.Write(idempotencyKey)
	return hex.EncodeToString(h.Sum(nil))
}

// InsertMessage stores m, sealing DecryptedBytes under a key derived
// from the database key and the "group_messages" table name. A
// duplicate id (the same envelope processed twice) is a silent no-op.
func (s *Store) InsertMessage(ctx context.Context, m MessageRow) error {
	return s.insertMessage(ctx, s.db, m)
}

// InsertMessageTx is InsertMessage run against a transaction the
// caller already holds open, so the message insert commits atomically
// with whatever else that transaction does (G2).
func (s *Store) InsertMessageTx(ctx context.Context, tx *sql.Tx, m MessageRow) error {
	return s.insertMessage(ctx, tx, m)
}

func (s *Store) insertMessage(ctx context.Context, x dbtx, m MessageRow) error {
	nonce, sealed, err := crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "group_messages"), m.DecryptedBytes)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "seal message payload", err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO group_messages (id, group_id, sent_at_ns, kind, sender_installation_id, sender_inbox_id, delivery_status, payload_nonce, payload_sealed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.GroupID, m.SentAtNS, int(m.Kind), m.SenderInstallationID, m.SenderInboxID, int(m.DeliveryStatus), nonce, sealed)
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// ListMessages returns every message stored for groupID, oldest first.
func (s *Store) ListMessages(ctx context.Context, groupID string) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, sent_at_ns, kind, sender_installation_id, sender_inbox_id, delivery_status, payload_nonce, payload_sealed
		FROM group_messages WHERE group_id = ? ORDER BY sent_at_ns ASC`, groupID)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	envelopeKey := crypto.DeriveEnvelopeKey(s.key, "group_messages")
	var out []MessageRow
	for rows.Next() {
		var (
			m             MessageRow
			kind, status  int
			nonce, sealed []byte
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SentAtNS, &kind, &m.SenderInstallationID, &m.SenderInboxID, &status, &nonce, &sealed); err != nil {
			return nil, classifySQLError(err)
		}
		m.Kind = MessageKind(kind)
		m.DeliveryStatus = DeliveryStatus(status)
		plain, err := crypto.AESGCMDecrypt(envelopeKey, nonce, sealed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindFatal, "open message payload", err)
		}
		m.DecryptedBytes = plain
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageDeliveryStatus transitions a previously-inserted
// message's delivery status, e.g. Unpublished -> Published once the
// sync loop confirms the envelope reached the remote log.
func (s *Store) UpdateMessageDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) error {
	return s.updateMessageDeliveryStatus(ctx, s.db, id, status)
}

// UpdateMessageDeliveryStatusTx is UpdateMessageDeliveryStatus run
// against a transaction the caller already holds open, so the status
// flip commits atomically with whatever else that transaction does (G2).
func (s *Store) UpdateMessageDeliveryStatusTx(ctx context.Context, tx *sql.Tx, id string, status DeliveryStatus) error {
	return s.updateMessageDeliveryStatus(ctx, tx, id, status)
}

func (s *Store) updateMessageDeliveryStatus(ctx context.Context, x dbtx, id string, status DeliveryStatus) error {
	res, err := x.ExecContext(ctx, `UPDATE group_messages SET delivery_status = ? WHERE id = ?`, int(status), id)
	if err != nil {
		return classifySQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLError(err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
