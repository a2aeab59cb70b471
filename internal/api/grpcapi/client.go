// Package grpcapi implements api.Client against a real remote log
// server over gRPC. The service is hand-rolled rather than generated
// from a .proto file (see DESIGN.md): method names and the service
// name below stand in for what protoc would otherwise emit, and
// jsonCodec stands in for protoc-gen-go's wire marshaling.
package grpcapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xmtp-go/mlscore/internal/api"
	"github.com/xmtp-go/mlscore/internal/retry"
	"github.com/xmtp-go/mlscore/internal/xerrors"
)

const (
	serviceName = "xmtp.mlscore.v1.RemoteLog"

	methodPublish                = "/" + serviceName + "/Publish"
	methodQueryGroupMessages     = "/" + serviceName + "/QueryGroupMessages"
	methodQueryWelcomeMessages   = "/" + serviceName + "/QueryWelcomeMessages"
	methodFetchKeyPackages       = "/" + serviceName + "/FetchKeyPackages"
	methodUploadKeyPackage       = "/" + serviceName + "/UploadKeyPackage"
	methodGetInboxIDs            = "/" + serviceName + "/GetInboxIDs"
	methodPublishIdentityUpdate  = "/" + serviceName + "/PublishIdentityUpdate"
	methodGetIdentityUpdatesV2   = "/" + serviceName + "/GetIdentityUpdatesV2"
)

// callTimeout bounds every individual RPC, per the per-call timeout
// requirement in the concurrency model: a hung RPC returns a
// retryable error instead of blocking a sync round forever.
const callTimeout = 10 * time.Second

// Client implements api.Client over a gRPC channel to a remote log
// server. Every method wraps its RPC in retry.Do so transient
// connection loss or RPC timeouts are retried with backoff before
// surfacing to the caller, per the KindTransient policy.
type Client struct {
	cc     *grpc.ClientConn
	policy retry.Policy
}

var _ api.Client = (*Client)(nil)

// Dial opens an insecure gRPC channel to target and wraps it as a
// Client. Production deployments supply TLS transport credentials via
// DialOptions instead of insecure.NewCredentials; this module's
// demo/test surface only ever dials a local, trusted server.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}, opts...)
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFatal, "dial remote log", err)
	}
	return &Client{cc: cc, policy: retry.DefaultPolicy()}, nil
}

// Close tears down the underlying channel.
func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return retry.Do(ctx, c.policy, func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if err := c.cc.Invoke(callCtx, method, req, resp); err != nil {
			return xerrors.Wrap(xerrors.KindTransient, fmt.Sprintf("rpc %s", method), err)
		}
		return nil
	})
}

func (c *Client) Publish(ctx context.Context, envelopes []api.OutboundEnvelope) ([]uint64, error) {
	req := &publishRequest{Envelopes: make([]outboundEnvelope, len(envelopes))}
	for i, e := range envelopes {
		req.Envelopes[i] = outboundEnvelope{Kind: int32(e.Kind), GroupID: e.GroupID, Installer: e.Installer, Payload: e.Payload, IsCommit: e.IsCommit, BaseEpoch: e.BaseEpoch}
	}
	resp := &publishResponse{}
	if err := c.invoke(ctx, methodPublish, req, resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *Client) QueryGroupMessages(ctx context.Context, groupID string, afterID uint64) ([]api.GroupMessage, error) {
	req := &queryGroupMessagesRequest{GroupID: groupID, AfterID: afterID}
	resp := &queryGroupMessagesResponse{}
	if err := c.invoke(ctx, methodQueryGroupMessages, req, resp); err != nil {
		return nil, err
	}
	out := make([]api.GroupMessage, len(resp.Messages))
	for i, m := range resp.Messages {
		out[i] = api.GroupMessage{ID: m.ID, GroupID: m.GroupID, CreatedNS: m.CreatedNS, Payload: m.Payload}
	}
	return out, nil
}

func (c *Client) QueryWelcomeMessages(ctx context.Context, installationID []byte, afterID uint64) ([]api.WelcomeMessage, error) {
	req := &queryWelcomeMessagesRequest{InstallationID: installationID, AfterID: afterID}
	resp := &queryWelcomeMessagesResponse{}
	if err := c.invoke(ctx, methodQueryWelcomeMessages, req, resp); err != nil {
		return nil, err
	}
	out := make([]api.WelcomeMessage, len(resp.Messages))
	for i, m := range resp.Messages {
		out[i] = api.WelcomeMessage{ID: m.ID, InstallationID: m.InstallationID, CreatedNS: m.CreatedNS, Payload: m.Payload}
	}
	return out, nil
}

func (c *Client) FetchKeyPackages(ctx context.Context, installationIDs [][]byte) (map[string][]byte, error) {
	req := &fetchKeyPackagesRequest{InstallationIDs: installationIDs}
	resp := &fetchKeyPackagesResponse{}
	if err := c.invoke(ctx, methodFetchKeyPackages, req, resp); err != nil {
		return nil, err
	}
	return resp.KeyPackages, nil
}

func (c *Client) UploadKeyPackage(ctx context.Context, installationID []byte, bytes []byte, isLastResort bool) error {
	req := &uploadKeyPackageRequest{InstallationID: installationID, Bytes: bytes, IsLastResort: isLastResort}
	return c.invoke(ctx, methodUploadKeyPackage, req, &uploadKeyPackageResponse{})
}

func (c *Client) GetInboxIDs(ctx context.Context, accountAddresses []string) (map[string]string, error) {
	req := &getInboxIDsRequest{AccountAddresses: accountAddresses}
	resp := &getInboxIDsResponse{}
	if err := c.invoke(ctx, methodGetInboxIDs, req, resp); err != nil {
		return nil, err
	}
	return resp.InboxIDs, nil
}

func (c *Client) PublishIdentityUpdate(ctx context.Context, update api.IdentityUpdateEnvelope) (uint64, error) {
	req := &publishIdentityUpdateRequest{Update: identityUpdateEnvelope{InboxID: update.InboxID, SequenceID: update.SequenceID, Payload: update.Payload}}
	resp := &publishIdentityUpdateResponse{}
	if err := c.invoke(ctx, methodPublishIdentityUpdate, req, resp); err != nil {
		return 0, err
	}
	return resp.SequenceID, nil
}

func (c *Client) GetIdentityUpdatesV2(ctx context.Context, inboxIDs []string) (map[string][]api.IdentityUpdateEnvelope, error) {
	req := &getIdentityUpdatesV2Request{InboxIDs: inboxIDs}
	resp := &getIdentityUpdatesV2Response{}
	if err := c.invoke(ctx, methodGetIdentityUpdatesV2, req, resp); err != nil {
		return nil, err
	}
	out := make(map[string][]api.IdentityUpdateEnvelope, len(resp.Updates))
	for inboxID, envs := range resp.Updates {
		converted := make([]api.IdentityUpdateEnvelope, len(envs))
		for i, e := range envs {
			converted[i] = api.IdentityUpdateEnvelope{InboxID: e.InboxID, SequenceID: e.SequenceID, Payload: e.Payload}
		}
		out[inboxID] = converted
	}
	return out, nil
}
