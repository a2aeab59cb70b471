// Package group implements the group state machine (the heart of the
// system): creating groups, admitting members from welcomes, queuing
// and publishing membership/metadata/message intents, and merging
// inbound commits and application messages while enforcing the
// monotone-epoch and at-most-once invariants.
package group

import (
	"context"
	"log/slog"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/assoc"
	"github.com/xmtp-go/mlscore/internal/grouplock"
	"github.com/xmtp-go/mlscore/internal/identity"
	"github.com/xmtp-go/mlscore/internal/intent"
	"github.com/xmtp-go/mlscore/internal/mlscore"
	"github.com/xmtp-go/mlscore/internal/store"
)

// Client bundles every collaborator a Group operation needs. Per the
// arena pattern, a Group value holds only its id; every method takes
// *Client explicitly rather than a Group holding a back-reference, so
// Group values stay cheap and shareable across goroutines.
type Client struct {
	Store    *store.Store
	API      api.Client
	Identity *identity.Identity
	Intents  *intent.Queue
	AssocLog *assoc.Log
	Locks    *grouplock.Registry
	Logger   *slog.Logger

	MaxGroupSize int
}

// New wires a Client from its collaborators, applying defaults for
// MaxGroupSize if unset.
func New(db *store.Store, apiClient api.Client, id *identity.Identity, assocLog *assoc.Log) *Client {
	return &Client{
		Store:        db,
		API:          apiClient,
		Identity:     id,
		Intents:      intent.New(db),
		AssocLog:     assocLog,
		Locks:        grouplock.New(),
		Logger:       slog.Default(),
		MaxGroupSize: 250,
	}
}

// identityPublisher adapts api.Client to identity.Publisher, the
// narrow capability Identity.Register needs to push its initial
// identity update and key package.
type identityPublisher struct{ api api.Client }

func (p identityPublisher) PublishIdentityUpdate(ctx context.Context, update assoc.IdentityUpdate) error {
	payload, err := marshalIdentityUpdate(update)
	if err != nil {
		return err
	}
	_, err = p.api.PublishIdentityUpdate(ctx, api.IdentityUpdateEnvelope{InboxID: update.InboxID, Payload: payload})
	return err
}

func (p identityPublisher) PublishKeyPackage(ctx context.Context, inboxID string, kp mlscore.KeyPackage) error {
	payload, err := marshalKeyPackage(kp)
	if err != nil {
		return err
	}
	return p.api.UploadKeyPackage(ctx, kp.InstallationID, payload, kp.LastResort)
}

// remoteLogAdapter adapts api.Client to assoc.RemoteLog.
type remoteLogAdapter struct{ api api.Client }

func (r remoteLogAdapter) GetIdentityUpdatesV2(ctx context.Context, inboxIDs []string) (map[string][]assoc.RemoteUpdate, error) {
	envelopes, err := r.api.GetIdentityUpdatesV2(ctx, inboxIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]assoc.RemoteUpdate, len(envelopes))
	for inboxID, envs := range envelopes {
		updates := make([]assoc.RemoteUpdate, len(envs))
		for i, e := range envs {
			updates[i] = assoc.RemoteUpdate{SequenceID: e.SequenceID, Payload: e.Payload}
		}
		out[inboxID] = updates
	}
	return out, nil
}

func (r remoteLogAdapter) PublishIdentityUpdate(ctx context.Context, inboxID string, payload []byte) (uint64, error) {
	return r.api.PublishIdentityUpdate(ctx, api.IdentityUpdateEnvelope{InboxID: inboxID, Payload: payload})
}

// NewIdentityPublisher adapts apiClient to identity.Publisher, built
// before a group.Client exists since Identity.Register and the
// assoc.Log both need to be wired ahead of it during bootstrap.
func NewIdentityPublisher(apiClient api.Client) identity.Publisher {
	return identityPublisher{api: apiClient}
}

// NewRemoteLog adapts apiClient to assoc.RemoteLog, for constructing
// the assoc.Log passed into New.
func NewRemoteLog(apiClient api.Client) assoc.RemoteLog {
	return remoteLogAdapter{api: apiClient}
}
