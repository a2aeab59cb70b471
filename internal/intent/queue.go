// Package intent implements the durable queue of pending local group
// mutations: the only path by which a local send, membership change,
// key update, or metadata edit reaches the network. Rows live in
// internal/store; this package owns the state machine that moves them
// through it.
package intent

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/xmtp-go/mlscore/internal/store"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// DefaultRetryBudget bounds how many times a Published intent may be
// bumped back to ToPublish before it is abandoned as Error.
const DefaultRetryBudget = 5

// Kind and State are re-exported from the store's persisted
// vocabulary: the queue is a behavior layered directly over the
// store's rows, not a separate representation.
type (
	Kind   = store.IntentKind
	State  = store.IntentState
	Intent = store.IntentRow
)

const (
	SendMessage     = store.IntentSendMessage
	AddMembers      = store.IntentAddMembers
	RemoveMembers   = store.IntentRemoveMembers
	KeyUpdate       = store.IntentKeyUpdate
	MetadataUpdate  = store.IntentMetadataUpdate
	AdminListUpdate = store.IntentAdminListUpdate
)

const (
	ToPublish = store.IntentToPublish
	Published = store.IntentPublished
	Committed = store.IntentCommitted
	Error     = store.IntentError
)

// Queue is a per-client handle over the group_intents table.
type Queue struct {
	db          *store.Store
	retryBudget int
}

// New returns a Queue backed by db with the default retry budget.
func New(db *store.Store) *Queue {
	return &Queue{db: db, retryBudget: DefaultRetryBudget}
}

// WithRetryBudget overrides the default republish limit, mainly for
// tests that want to observe the Error transition quickly.
func (q *Queue) WithRetryBudget(n int) *Queue {
	q.retryBudget = n
	return q
}

// Enqueue creates a new intent in ToPublish state.
func (q *Queue) Enqueue(ctx context.Context, groupID string, kind Kind, data []byte, createdAtNS int64) (*Intent, error) {
	row := Intent{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		Kind:        kind,
		State:       ToPublish,
		Data:        data,
		CreatedAtNS: createdAtNS,
	}
	if err := q.db.InsertIntent(ctx, row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ToPublishFIFO returns groupID's ToPublish intents in creation order,
// the order the sync loop must publish them in.
func (q *Queue) ToPublishFIFO(ctx context.Context, groupID string) ([]Intent, error) {
	return q.db.ListIntentsByGroupState(ctx, groupID, ToPublish)
}

// Get returns one intent by id.
func (q *Queue) Get(ctx context.Context, id string) (*Intent, error) {
	return q.db.GetIntent(ctx, id)
}

// MarkPublished transitions id to Published, recording the commit's
// payload hash and any post-commit data (e.g. welcomes) queued for
// after the commit is merged.
func (q *Queue) MarkPublished(ctx context.Context, id, payloadHash string, postCommitData []byte) error {
	cur, err := q.db.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if cur.State != ToPublish {
		return xerrors.New(xerrors.KindProtocol, "intent: MarkPublished requires ToPublish state")
	}
	return q.db.MarkIntentPublished(ctx, id, payloadHash, postCommitData, cur.PublishAttempts)
}

// MarkPublishedTx is MarkPublished run against a transaction the
// caller already holds open, so the intent transition commits
// atomically with the group-state write it accompanies (G2).
func (q *Queue) MarkPublishedTx(ctx context.Context, tx *sql.Tx, id, payloadHash string, postCommitData []byte) error {
	cur, err := q.db.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	if cur.State != ToPublish {
		return xerrors.New(xerrors.KindProtocol, "intent: MarkPublished requires ToPublish state")
	}
	return q.db.MarkIntentPublishedTx(ctx, tx, id, payloadHash, postCommitData, cur.PublishAttempts)
}

// MarkCommitted transitions id to Committed: the client has observed
// its own commit on the inbound stream and merged it. Terminal success.
func (q *Queue) MarkCommitted(ctx context.Context, id string) error {
	cur, err := q.db.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	return q.db.MarkIntentState(ctx, id, Committed, cur.PublishAttempts, false)
}

// MarkCommittedTx is MarkCommitted run against a transaction the
// caller already holds open, so the intent transition commits
// atomically with the group-state write it accompanies (G2).
func (q *Queue) MarkCommittedTx(ctx context.Context, tx *sql.Tx, id string) error {
	cur, err := q.db.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	return q.db.MarkIntentStateTx(ctx, tx, id, Committed, cur.PublishAttempts, false)
}

// MarkError transitions id directly to Error without ever contacting
// the server, used when a policy check or a limit fails before an
// intent's commit is even constructed.
func (q *Queue) MarkError(ctx context.Context, id string) error {
	cur, err := q.db.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	return q.db.MarkIntentState(ctx, id, Error, cur.PublishAttempts, false)
}

// Republish returns a Published intent to ToPublish after the local
// epoch advances past it before confirmation, incrementing
// publish_attempts. Once attempts exceed the retry budget the intent
// is marked Error instead; callers distinguish the two outcomes by
// inspecting the returned Intent's State, not by a Go error.
func (q *Queue) Republish(ctx context.Context, id string) (*Intent, error) {
	cur, err := q.db.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts := cur.PublishAttempts + 1
	if attempts > q.retryBudget {
		if err := q.db.MarkIntentState(ctx, id, Error, attempts, false); err != nil {
			return nil, err
		}
		cur.State = Error
		cur.PublishAttempts = attempts
		return &cur, nil
	}
	if err := q.db.MarkIntentState(ctx, id, ToPublish, attempts, true); err != nil {
		return nil, err
	}
	cur.State = ToPublish
	cur.PayloadHash = ""
	cur.PostCommitData = nil
	cur.PublishAttempts = attempts
	return &cur, nil
}
