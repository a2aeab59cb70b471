package assoc

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// Store is the narrow local persistence capability the association
// log needs: the ordered history of identity updates already known
// for an inbox, and a place to record newly-fetched ones.
type Store interface {
	ListIdentityUpdates(ctx context.Context, inboxID string) ([]IdentityUpdate, error)
	InsertIdentityUpdate(ctx context.Context, inboxID string, sequenceID uint64, update IdentityUpdate) error
}

// RemoteLog is the narrow transport capability: fetching an inbox's
// full update history from the server and publishing a new one.
type RemoteLog interface {
	GetIdentityUpdatesV2(ctx context.Context, inboxIDs []string) (map[string][]RemoteUpdate, error)
	PublishIdentityUpdate(ctx context.Context, inboxID string, payload []byte) (sequenceID uint64, err error)
}

// RemoteUpdate is one wire-level identity update, still JSON-encoded
// as it arrives from the transport.
type RemoteUpdate struct {
	SequenceID uint64
	Payload    []byte
}

// Log is C1's stateful component: it folds an inbox's identity-update
// history into its current AssociationState, fetching from the remote
// log on a local cache miss and persisting what it fetches, caching
// folded states since every group operation that checks membership or
// policy needs one.
type Log struct {
	store    Store
	remote   RemoteLog
	verifier Verifier
	cache    *gocache.Cache
}

// NewLog constructs a Log with a 30-second association-state cache,
// short enough that a revoke or new association is picked up quickly
// without folding the full update history on every lookup.
func NewLog(store Store, remote RemoteLog, verifier Verifier) *Log {
	return &Log{
		store:    store,
		remote:   remote,
		verifier: verifier,
		cache:    gocache.New(30*time.Second, time.Minute),
	}
}

// GetAssociationState returns inboxID's current AssociationState,
// refreshing from the remote log if the local history is empty.
func (l *Log) GetAssociationState(ctx context.Context, inboxID string) (*AssociationState, error) {
	if cached, ok := l.cache.Get(inboxID); ok {
		return cached.(*AssociationState), nil
	}

	updates, err := l.store.ListIdentityUpdates(ctx, inboxID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransient, "list local identity updates", err)
	}
	if len(updates) == 0 {
		if err := l.refresh(ctx, inboxID); err != nil {
			return nil, err
		}
		updates, err = l.store.ListIdentityUpdates(ctx, inboxID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindTransient, "list local identity updates after refresh", err)
		}
	}

	state, err := GetState(l.verifier, updates)
	if err != nil {
		return nil, err
	}
	l.cache.Set(inboxID, state, gocache.DefaultExpiration)
	return state, nil
}

// refresh pulls inboxID's full remote history and persists any
// updates not already recorded locally.
func (l *Log) refresh(ctx context.Context, inboxID string) error {
	remoteByInbox, err := l.remote.GetIdentityUpdatesV2(ctx, []string{inboxID})
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "fetch remote identity updates", err)
	}
	for _, ru := range remoteByInbox[inboxID] {
		var update IdentityUpdate
		if err := json.Unmarshal(ru.Payload, &update); err != nil {
			return xerrors.Wrap(xerrors.KindProtocol, "unmarshal remote identity update", err)
		}
		if err := l.store.InsertIdentityUpdate(ctx, inboxID, ru.SequenceID, update); err != nil {
			return xerrors.Wrap(xerrors.KindTransient, "persist remote identity update", err)
		}
	}
	return nil
}

// RecordUpdate persists a newly-published local update and invalidates
// the cached state so the next lookup re-folds with it included.
func (l *Log) RecordUpdate(ctx context.Context, sequenceID uint64, update IdentityUpdate) error {
	if err := l.store.InsertIdentityUpdate(ctx, update.InboxID, sequenceID, update); err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "persist identity update", err)
	}
	l.cache.Delete(update.InboxID)
	return nil
}

// Publish marshals update, publishes it via the remote log, then
// records it locally under the server-assigned sequence id.
func (l *Log) Publish(ctx context.Context, update IdentityUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return xerrors.Wrap(xerrors.KindFatal, "marshal identity update", err)
	}
	sequenceID, err := l.remote.PublishIdentityUpdate(ctx, update.InboxID, payload)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, "publish identity update", err)
	}
	return l.RecordUpdate(ctx, sequenceID, update)
}
