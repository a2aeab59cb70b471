// Package memapi is an in-process implementation of api.Client backed
// by plain Go maps, used by tests and the bundled single-process demo
// in place of a real network round trip.
package memapi

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

// Client is a shared, in-memory stand-in for the remote log. Every
// installation in a test or demo process holds a reference to the
// same *Client so that publishing from one and syncing from another
// actually exchanges data.
type Client struct {
	mu sync.Mutex

	groupStreams    map[string][]api.GroupMessage
	welcomeStreams  map[string][]api.WelcomeMessage
	keyPackages     map[string][]byte
	addressToInbox  map[string]string
	identityUpdates map[string][]api.IdentityUpdateEnvelope
	nextSeq         map[string]uint64

	// groupEpoch is the next base epoch Publish will accept a commit
	// for, per group id. It is the enforcement point for G5: once a
	// commit with BaseEpoch N is accepted, every other commit still in
	// flight against N is rejected, not silently merged.
	groupEpoch map[string]uint64
}

// New returns an empty shared Client.
func New() *Client {
	return &Client{
		groupStreams:    make(map[string][]api.GroupMessage),
		welcomeStreams:  make(map[string][]api.WelcomeMessage),
		keyPackages:     make(map[string][]byte),
		addressToInbox:  make(map[string]string),
		identityUpdates: make(map[string][]api.IdentityUpdateEnvelope),
		nextSeq:         make(map[string]uint64),
		groupEpoch:      make(map[string]uint64),
	}
}

var _ api.Client = (*Client)(nil)

func (c *Client) Publish(ctx context.Context, envelopes []api.OutboundEnvelope) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate every commit's base epoch before appending anything, so
	// a batch either lands in full or is rejected in full (G5): a
	// commit whose BaseEpoch has already been consumed by someone
	// else's commit never reaches the stream.
	for _, env := range envelopes {
		if env.Kind == api.KindGroup && env.IsCommit && env.BaseEpoch != c.groupEpoch[env.GroupID] {
			return nil, xerrors.ErrStaleEpoch
		}
	}

	ids := make([]uint64, len(envelopes))
	for i, env := range envelopes {
		switch env.Kind {
		case api.KindGroup:
			id := uint64(len(c.groupStreams[env.GroupID]) + 1)
			c.groupStreams[env.GroupID] = append(c.groupStreams[env.GroupID], api.GroupMessage{
				ID: id, GroupID: env.GroupID, Payload: env.Payload,
			})
			if env.IsCommit {
				c.groupEpoch[env.GroupID] = env.BaseEpoch + 1
			}
			ids[i] = id
		case api.KindWelcome:
			key := hex.EncodeToString(env.Installer)
			id := uint64(len(c.welcomeStreams[key]) + 1)
			c.welcomeStreams[key] = append(c.welcomeStreams[key], api.WelcomeMessage{
				ID: id, InstallationID: env.Installer, Payload: env.Payload,
			})
			ids[i] = id
		default:
			return nil, xerrors.New(xerrors.KindProtocol, "memapi: unknown envelope kind")
		}
	}
	return ids, nil
}

func (c *Client) QueryGroupMessages(ctx context.Context, groupID string, afterID uint64) ([]api.GroupMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []api.GroupMessage
	for _, m := range c.groupStreams[groupID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) QueryWelcomeMessages(ctx context.Context, installationID []byte, afterID uint64) ([]api.WelcomeMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hex.EncodeToString(installationID)
	var out []api.WelcomeMessage
	for _, m := range c.welcomeStreams[key] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) FetchKeyPackages(ctx context.Context, installationIDs [][]byte) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]byte)
	for _, id := range installationIDs {
		key := hex.EncodeToString(id)
		if kp, ok := c.keyPackages[key]; ok {
			out[key] = kp
		}
	}
	return out, nil
}

func (c *Client) UploadKeyPackage(ctx context.Context, installationID []byte, bytes []byte, isLastResort bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keyPackages[hex.EncodeToString(installationID)] = bytes
	return nil
}

func (c *Client) GetInboxIDs(ctx context.Context, accountAddresses []string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string)
	for _, addr := range accountAddresses {
		if inbox, ok := c.addressToInbox[addr]; ok {
			out[addr] = inbox
		}
	}
	return out, nil
}

// RegisterAddress lets a test or the demo CLI record the address ->
// inbox id resolution that a real deployment would learn from the
// identity-update stream directly; memapi has no stream to scan.
func (c *Client) RegisterAddress(address, inboxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addressToInbox[address] = inboxID
}

func (c *Client) PublishIdentityUpdate(ctx context.Context, update api.IdentityUpdateEnvelope) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.nextSeq[update.InboxID] + 1
	c.nextSeq[update.InboxID] = seq
	update.SequenceID = seq
	c.identityUpdates[update.InboxID] = append(c.identityUpdates[update.InboxID], update)
	return seq, nil
}

func (c *Client) GetIdentityUpdatesV2(ctx context.Context, inboxIDs []string) (map[string][]api.IdentityUpdateEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]api.IdentityUpdateEnvelope)
	for _, id := range inboxIDs {
		out[id] = c.identityUpdates[id]
	}
	return out, nil
}
