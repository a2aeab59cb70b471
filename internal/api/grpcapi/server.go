package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/xmtp-go/mlscore/internal/api"
)

// Server exposes any api.Client implementation (memapi.Client in the
// bundled demo, or a production store-backed remote log) as the same
// hand-rolled gRPC service Client dials, so the two sides of this
// package stay symmetric.
type Server struct {
	backend api.Client
}

// NewServer wraps backend for serving over gRPC.
func NewServer(backend api.Client) *Server {
	return &Server{backend: backend}
}

// Register attaches the service to s.
func (srv *Server) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, srv)
}

func (srv *Server) publish(ctx context.Context, req *publishRequest) (*publishResponse, error) {
	envelopes := make([]api.OutboundEnvelope, len(req.Envelopes))
	for i, e := range req.Envelopes {
		envelopes[i] = api.OutboundEnvelope{Kind: api.MessageKind(e.Kind), GroupID: e.GroupID, Installer: e.Installer, Payload: e.Payload, IsCommit: e.IsCommit, BaseEpoch: e.BaseEpoch}
	}
	ids, err := srv.backend.Publish(ctx, envelopes)
	if err != nil {
		return nil, err
	}
	return &publishResponse{IDs: ids}, nil
}

func (srv *Server) queryGroupMessages(ctx context.Context, req *queryGroupMessagesRequest) (*queryGroupMessagesResponse, error) {
	msgs, err := srv.backend.QueryGroupMessages(ctx, req.GroupID, req.AfterID)
	if err != nil {
		return nil, err
	}
	out := make([]groupMessage, len(msgs))
	for i, m := range msgs {
		out[i] = groupMessage{ID: m.ID, GroupID: m.GroupID, CreatedNS: m.CreatedNS, Payload: m.Payload}
	}
	return &queryGroupMessagesResponse{Messages: out}, nil
}

func (srv *Server) queryWelcomeMessages(ctx context.Context, req *queryWelcomeMessagesRequest) (*queryWelcomeMessagesResponse, error) {
	msgs, err := srv.backend.QueryWelcomeMessages(ctx, req.InstallationID, req.AfterID)
	if err != nil {
		return nil, err
	}
	out := make([]welcomeMessage, len(msgs))
	for i, m := range msgs {
		out[i] = welcomeMessage{ID: m.ID, InstallationID: m.InstallationID, CreatedNS: m.CreatedNS, Payload: m.Payload}
	}
	return &queryWelcomeMessagesResponse{Messages: out}, nil
}

func (srv *Server) fetchKeyPackages(ctx context.Context, req *fetchKeyPackagesRequest) (*fetchKeyPackagesResponse, error) {
	kps, err := srv.backend.FetchKeyPackages(ctx, req.InstallationIDs)
	if err != nil {
		return nil, err
	}
	return &fetchKeyPackagesResponse{KeyPackages: kps}, nil
}

func (srv *Server) uploadKeyPackage(ctx context.Context, req *uploadKeyPackageRequest) (*uploadKeyPackageResponse, error) {
	if err := srv.backend.UploadKeyPackage(ctx, req.InstallationID, req.Bytes, req.IsLastResort); err != nil {
		return nil, err
	}
	return &uploadKeyPackageResponse{}, nil
}

func (srv *Server) getInboxIDs(ctx context.Context, req *getInboxIDsRequest) (*getInboxIDsResponse, error) {
	ids, err := srv.backend.GetInboxIDs(ctx, req.AccountAddresses)
	if err != nil {
		return nil, err
	}
	return &getInboxIDsResponse{InboxIDs: ids}, nil
}

func (srv *Server) publishIdentityUpdate(ctx context.Context, req *publishIdentityUpdateRequest) (*publishIdentityUpdateResponse, error) {
	seq, err := srv.backend.PublishIdentityUpdate(ctx, api.IdentityUpdateEnvelope{
		InboxID:    req.Update.InboxID,
		SequenceID: req.Update.SequenceID,
		Payload:    req.Update.Payload,
	})
	if err != nil {
		return nil, err
	}
	return &publishIdentityUpdateResponse{SequenceID: seq}, nil
}

func (srv *Server) getIdentityUpdatesV2(ctx context.Context, req *getIdentityUpdatesV2Request) (*getIdentityUpdatesV2Response, error) {
	updates, err := srv.backend.GetIdentityUpdatesV2(ctx, req.InboxIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]identityUpdateEnvelope, len(updates))
	for inboxID, envs := range updates {
		converted := make([]identityUpdateEnvelope, len(envs))
		for i, e := range envs {
			converted[i] = identityUpdateEnvelope{InboxID: e.InboxID, SequenceID: e.SequenceID, Payload: e.Payload}
		}
		out[inboxID] = converted
	}
	return &getIdentityUpdatesV2Response{Updates: out}, nil
}

// serviceDesc and the handler funcs below are what protoc-gen-go-grpc
// would emit from a .proto defining this service; they are written by
// hand here instead (see DESIGN.md).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "QueryGroupMessages", Handler: queryGroupMessagesHandler},
		{MethodName: "QueryWelcomeMessages", Handler: queryWelcomeMessagesHandler},
		{MethodName: "FetchKeyPackages", Handler: fetchKeyPackagesHandler},
		{MethodName: "UploadKeyPackage", Handler: uploadKeyPackageHandler},
		{MethodName: "GetInboxIDs", Handler: getInboxIDsHandler},
		{MethodName: "PublishIdentityUpdate", Handler: publishIdentityUpdateHandler},
		{MethodName: "GetIdentityUpdatesV2", Handler: getIdentityUpdatesV2Handler},
	},
	Metadata: "internal/api/grpcapi/remotelog.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(publishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublish}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).publish(ctx, req.(*publishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryGroupMessagesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(queryGroupMessagesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).queryGroupMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodQueryGroupMessages}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).queryGroupMessages(ctx, req.(*queryGroupMessagesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryWelcomeMessagesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(queryWelcomeMessagesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).queryWelcomeMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodQueryWelcomeMessages}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).queryWelcomeMessages(ctx, req.(*queryWelcomeMessagesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchKeyPackagesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(fetchKeyPackagesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).fetchKeyPackages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFetchKeyPackages}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).fetchKeyPackages(ctx, req.(*fetchKeyPackagesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func uploadKeyPackageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(uploadKeyPackageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).uploadKeyPackage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodUploadKeyPackage}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).uploadKeyPackage(ctx, req.(*uploadKeyPackageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getInboxIDsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(getInboxIDsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getInboxIDs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetInboxIDs}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).getInboxIDs(ctx, req.(*getInboxIDsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func publishIdentityUpdateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(publishIdentityUpdateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).publishIdentityUpdate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublishIdentityUpdate}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).publishIdentityUpdate(ctx, req.(*publishIdentityUpdateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getIdentityUpdatesV2Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(getIdentityUpdatesV2Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getIdentityUpdatesV2(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetIdentityUpdatesV2}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).getIdentityUpdatesV2(ctx, req.(*getIdentityUpdatesV2Request))
	}
	return interceptor(ctx, in, info, handler)
}
