package store

import (
	"context"
	"database/sql"

	"github.com/xmtp-go/mlscore/internal/crypto"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// MembershipState mirrors the group's admission status in the data
// model: Allowed groups are fully joined, Pending ones await a policy
// decision, Rejected ones were declined and kept only for audit.
type MembershipState int

const (
	MembershipAllowed MembershipState = iota
	MembershipPending
	MembershipRejected
)

// GroupPurpose distinguishes a conversation group from the hidden
// sync group installations use to replicate history to each other.
type GroupPurpose int

const (
	PurposeConversation GroupPurpose = iota
	PurposeSync
)

// GroupRow is the persisted form of a Group: everything but the
// opaque MLS state is queryable in the clear; MLSState is the sealed
// blob mlscore.Group.ToBytes produces.
type GroupRow struct {
	ID              string
	CreatedAtNS     int64
	MembershipState MembershipState
	Purpose         GroupPurpose
	AddedByInboxID  string
	MLSState        []byte
}

// SaveGroup upserts g, sealing MLSState under a key derived from the
// database key and the "groups" table name.
func (s *Store) SaveGroup(ctx context.Context, g GroupRow) error {
	return s.saveGroup(ctx, s.db, g)
}

// SaveGroupTx is SaveGroup run against a transaction the caller
// already holds open, so the group-state write commits atomically
// with whatever else that transaction does (G2).
func (s *Store) SaveGroupTx(ctx context.Context, tx *sql.Tx, g GroupRow) error {
	return s.saveGroup(ctx, tx, g)
}

func (s *Store) saveGroup(ctx context.Context, x dbtx, g GroupRow) error {
	nonce, sealed, err := crypto.AESGCMEncrypt(crypto.DeriveEnvelopeKey(s.key, "groups"), g.MLSState)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "seal group state", err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO groups (id, created_at_ns, membership_state, purpose, added_by_inbox_id, state_nonce, state_sealed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			membership_state = excluded.membership_state,
			purpose = excluded.purpose,
			state_nonce = excluded.state_nonce,
			state_sealed = excluded.state_sealed`,
		g.ID, g.CreatedAtNS, int(g.MembershipState), int(g.Purpose), g.AddedByInboxID, nonce, sealed)
	if err != nil {
		return classifySQLError(err)
	}
	// Cache invalidation is not itself part of the transaction: a rollback
	// after this point leaves the cache correctly empty for g.ID, just
	// forcing one extra read from the table on next access.
	s.cache.invalidateGroup(g.ID)
	return nil
}

// GetGroup returns the group row for id, or ErrNotCreated-style
// sql.ErrNoRows if it does not exist.
func (s *Store) GetGroup(ctx context.Context, id string) (*GroupRow, error) {
	if cached, ok := s.cache.getGroup(id); ok {
		return cached, nil
	}

	var (
		g                    GroupRow
		membershipState      int
		purpose              int
		addedBy              sql.NullString
		nonce, sealed        []byte
	)
	g.ID = id
	row := s.db.QueryRowContext(ctx, `
		SELECT created_at_ns, membership_state, purpose, added_by_inbox_id, state_nonce, state_sealed
		FROM groups WHERE id = ?`, id)
	if err := row.Scan(&g.CreatedAtNS, &membershipState, &purpose, &addedBy, &nonce, &sealed); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, classifySQLError(err)
	}
	g.MembershipState = MembershipState(membershipState)
	g.Purpose = GroupPurpose(purpose)
	g.AddedByInboxID = addedBy.String

	plain, err := crypto.AESGCMDecrypt(crypto.DeriveEnvelopeKey(s.key, "groups"), nonce, sealed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "open group state", err)
	}
	g.MLSState = plain

	s.cache.putGroup(&g)
	return &g, nil
}

// ListGroups returns every group, most recently created last.
func (s *Store) ListGroups(ctx context.Context) ([]GroupRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at_ns, membership_state, purpose, added_by_inbox_id, state_nonce, state_sealed
		FROM groups ORDER BY created_at_ns ASC`)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	envelopeKey := crypto.DeriveEnvelopeKey(s.key, "groups")
	var out []GroupRow
	for rows.Next() {
		var (
			g                    GroupRow
			membershipState, purpose int
			addedBy              sql.NullString
			nonce, sealed        []byte
		)
		if err := rows.Scan(&g.ID, &g.CreatedAtNS, &membershipState, &purpose, &addedBy, &nonce, &sealed); err != nil {
			return nil, classifySQLError(err)
		}
		g.MembershipState = MembershipState(membershipState)
		g.Purpose = GroupPurpose(purpose)
		g.AddedByInboxID = addedBy.String
		plain, err := crypto.AESGCMDecrypt(envelopeKey, nonce, sealed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindFatal, "open group state", err)
		}
		g.MLSState = plain
		out = append(out, g)
	}
	return out, rows.Err()
}
