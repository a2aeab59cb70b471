package store

import (
	"context"
	"database/sql"

	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// IntentKind enumerates the mutations an intent can carry.
type IntentKind int

const (
	IntentSendMessage IntentKind = iota
	IntentAddMembers
	IntentRemoveMembers
	IntentKeyUpdate
	IntentMetadataUpdate
	IntentAdminListUpdate
)

// IntentState is the intent queue's state machine position.
type IntentState int

const (
	IntentToPublish IntentState = iota
	IntentPublished
	IntentCommitted
	IntentError
)

// IntentRow is the persisted form of a Group Intent. Data and
// PostCommitData are opaque to the store; their encoding/decoding per
// Kind belongs to the group state machine.
type IntentRow struct {
	ID              string
	GroupID         string
	Kind            IntentKind
	State           IntentState
	Data            []byte
	PayloadHash     string
	PostCommitData  []byte
	PublishAttempts int
	CreatedAtNS     int64
}

// InsertIntent stores a new intent in ToPublish state.
func (s *Store) InsertIntent(ctx context.Context, in IntentRow) error {
	dataNonce, dataSealed, err := crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "group_intents_data"), in.Data)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "seal intent data", err)
	}
	var postNonce, postSealed []byte
	if in.PostCommitData != nil {
		postNonce, postSealed, err = crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "group_intents_post_commit"), in.PostCommitData)
		if err != nil {
			return xerrors.Wrap(xerrors.KindFatal, "seal intent post-commit data", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_intents (id, group_id, kind, state, payload_hash, publish_attempts, created_at_ns, data_nonce, data_sealed, post_commit_nonce, post_commit_sealed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.GroupID, int(in.Kind), int(in.State), nullableString(in.PayloadHash), in.PublishAttempts, in.CreatedAtNS,
		dataNonce, dataSealed, nullableBytes(postNonce), nullableBytes(postSealed))
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

// MarkIntentPublished transitions id to Published, recording the
// commit's payload hash and any post-commit side-effect payload.
func (s *Store) MarkIntentPublished(ctx context.Context, id, payloadHash string, postCommitData []byte, publishAttempts int) error {
	return s.markIntentPublished(ctx, s.db, id, payloadHash, postCommitData, publishAttempts)
}

// MarkIntentPublishedTx is MarkIntentPublished run against a
// transaction the caller already holds open, so the intent transition
// commits atomically with whatever else that transaction does (G2).
func (s *Store) MarkIntentPublishedTx(ctx context.Context, tx *sql.Tx, id, payloadHash string, postCommitData []byte, publishAttempts int) error {
	return s.markIntentPublished(ctx, tx, id, payloadHash, postCommitData, publishAttempts)
}

func (s *Store) markIntentPublished(ctx context.Context, x dbtx, id, payloadHash string, postCommitData []byte, publishAttempts int) error {
	postNonce, postSealed, err := crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "group_intents_post_commit"), postCommitData)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "seal intent post-commit data", err)
	}
	res, err := x.ExecContext(ctx, `
		UPDATE group_intents SET state = ?, payload_hash = ?, post_commit_nonce = ?, post_commit_sealed = ?, publish_attempts = ?
		WHERE id = ?`, int(IntentPublished), nullableString(payloadHash), postNonce, postSealed, publishAttempts, id)
	if err != nil {
		return classifySQLError(err)
	}
	return checkRowsAffected(res)
}

// MarkIntentState transitions id to newState without touching
// payload_hash or post_commit_data, used for Committed and Error and
// for returning a stale Published intent to ToPublish (which also
// clears the now-obsolete payload hash and post-commit payload from
// the abandoned publish attempt).
func (s *Store) MarkIntentState(ctx context.Context, id string, newState IntentState, publishAttempts int, clearPayload bool) error {
	return s.markIntentState(ctx, s.db, id, newState, publishAttempts, clearPayload)
}

// MarkIntentStateTx is MarkIntentState run against a transaction the
// caller already holds open, so the intent transition commits
// atomically with whatever else that transaction does (G2).
func (s *Store) MarkIntentStateTx(ctx context.Context, tx *sql.Tx, id string, newState IntentState, publishAttempts int, clearPayload bool) error {
	return s.markIntentState(ctx, tx, id, newState, publishAttempts, clearPayload)
}

func (s *Store) markIntentState(ctx context.Context, x dbtx, id string, newState IntentState, publishAttempts int, clearPayload bool) error {
	if clearPayload {
		res, err := x.ExecContext(ctx, `
			UPDATE group_intents SET state = ?, payload_hash = NULL, post_commit_nonce = NULL, post_commit_sealed = NULL, publish_attempts = ?
			WHERE id = ?`, int(newState), publishAttempts, id)
		if err != nil {
			return classifySQLError(err)
		}
		return checkRowsAffected(res)
	}
	res, err := x.ExecContext(ctx, `
		UPDATE group_intents SET state = ?, publish_attempts = ? WHERE id = ?`, int(newState), publishAttempts, id)
	if err != nil {
		return classifySQLError(err)
	}
	return checkRowsAffected(res)
}

// ListIntentsByGroupState returns intents for groupID in the given
// state, oldest first, the FIFO order the sync loop publishes in.
func (s *Store) ListIntentsByGroupState(ctx context.Context, groupID string, state IntentState) ([]IntentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, kind, state, payload_hash, publish_attempts, created_at_ns, data_nonce, data_sealed, post_commit_nonce, post_commit_sealed
		FROM group_intents WHERE group_id = ? AND state = ? ORDER BY created_at_ns ASC`, groupID, int(state))
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()
	return scanIntentRows(rows, s.key)
}

// GetIntent returns one intent by id.
func (s *Store) GetIntent(ctx context.Context, id string) (*IntentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, kind, state, payload_hash, publish_attempts, created_at_ns, data_nonce, data_sealed, post_commit_nonce, post_commit_sealed
		FROM group_intents WHERE id = ?`, id)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()
	out, err := scanIntentRows(rows, s.key)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

func scanIntentRows(rows *sql.Rows, key []byte) ([]IntentRow, error) {
	dataKey := crypto.DeriveEnvelopeKey(key, "group_intents_data")
	postKey := crypto.DeriveEnvelopeKey(key, "group_intents_post_commit")

	var out []IntentRow
	for rows.Next() {
		var (
			in                         IntentRow
			kind, state                int
			payloadHash                sql.NullString
			dataNonce, dataSealed      []byte
			postNonce, postSealed      []byte
		)
		if err := rows.Scan(&in.ID, &in.GroupID, &kind, &state, &payloadHash, &in.PublishAttempts, &in.CreatedAtNS,
			&dataNonce, &dataSealed, &postNonce, &postSealed); err != nil {
			return nil, classifySQLError(err)
		}
		in.Kind = IntentKind(kind)
		in.State = IntentState(state)
		in.PayloadHash = payloadHash.String

		plain, err := crypto.AESGCMDecrypt(dataKey, dataNonce, dataSealed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindFatal, "open intent data", err)
		}
		in.Data = plain

		if postNonce != nil {
			postPlain, err := crypto.AESGCMDecrypt(postKey, postNonce, postSealed)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.KindFatal, "open intent post-commit data", err)
			}
			in.PostCommitData = postPlain
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLError(err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}
