// Package api declares the narrow remote-log interface the rest of
// the module talks to. Two adapters implement it: internal/api/grpcapi
// over a real gRPC transport, and internal/api/memapi, an in-process
// adapter used by tests and the bundled demo.
package api

import "context"

// MessageKind distinguishes the two envelope streams a group owns.
type MessageKind int

const (
	// KindGroup labels commits and application messages, published to
	// and read from a group's own stream.
	KindGroup MessageKind = iota
	// KindWelcome labels welcome envelopes, published to and read from
	// an installation's own stream.
	KindWelcome
)

// OutboundEnvelope is one payload to append to a group or installation
// stream via Publish.
type OutboundEnvelope struct {
	Kind      MessageKind
	GroupID   string // set for KindGroup
	Installer []byte // installation id, set for KindWelcome
	Payload   []byte

	// IsCommit and BaseEpoch are set on KindGroup envelopes that carry a
	// commit (as opposed to an application message). BaseEpoch is the
	// publisher's epoch immediately before this commit's mutation.
	// Publish must accept at most one commit per (GroupID, BaseEpoch):
	// this is the server-side serialization point that makes "two
	// installations commit in the same epoch, only one wins" (G5) an
	// enforced guarantee instead of a convention.
	IsCommit  bool
	BaseEpoch uint64
}

// GroupMessage is one entry on a group's stream. ID is the cursor key:
// monotone per stream, assigned by the server on Publish.
type GroupMessage struct {
	ID         uint64
	GroupID    string
	CreatedNS  int64
	Payload    []byte
}

// WelcomeMessage is one entry on an installation's welcome stream.
type WelcomeMessage struct {
	ID            uint64
	InstallationID []byte
	CreatedNS     int64
	Payload       []byte
}

// Client is the remote log's Go-side surface. Every method suspends
// only at its own RPC boundary; callers control cancellation and
// timeouts via ctx.
type Client interface {
	// Publish appends envelopes in order, returning the server-assigned
	// id for each.
	Publish(ctx context.Context, envelopes []OutboundEnvelope) ([]uint64, error)

	// QueryGroupMessages returns groupID's stream entries with id >
	// afterID, in id order.
	QueryGroupMessages(ctx context.Context, groupID string, afterID uint64) ([]GroupMessage, error)

	// QueryWelcomeMessages returns installationID's welcome stream
	// entries with id > afterID, in id order.
	QueryWelcomeMessages(ctx context.Context, installationID []byte, afterID uint64) ([]WelcomeMessage, error)

	// FetchKeyPackages returns the latest key package bytes for each
	// requested installation id (hex-encoded, matching mlscore's
	// InstallationID encoding), omitting any id with none on file.
	FetchKeyPackages(ctx context.Context, installationIDs [][]byte) (map[string][]byte, error)

	// UploadKeyPackage publishes bytes as installationID's key package.
	// A last-resort key package is never consumed on use; it backstops
	// concurrent adds racing to claim the same one-shot package.
	UploadKeyPackage(ctx context.Context, installationID []byte, bytes []byte, isLastResort bool) error

	// GetInboxIDs resolves account addresses to their current inbox
	// ids, omitting any address with no inbox on file.
	GetInboxIDs(ctx context.Context, accountAddresses []string) (map[string]string, error)

	// PublishIdentityUpdate appends one signed identity update to
	// inboxID's association log stream, returning the server-assigned
	// sequence id.
	PublishIdentityUpdate(ctx context.Context, update IdentityUpdateEnvelope) (uint64, error)

	// GetIdentityUpdatesV2 returns, for each requested inbox id, its
	// full ordered history of identity updates since genesis.
	GetIdentityUpdatesV2(ctx context.Context, inboxIDs []string) (map[string][]IdentityUpdateEnvelope, error)
}

// IdentityUpdateEnvelope carries one signed identity update alongside
// the server-assigned sequence id used for C1's cursor.
type IdentityUpdateEnvelope struct {
	InboxID    string
	SequenceID uint64
	Payload    []byte // JSON-encoded assoc.IdentityUpdate
}
