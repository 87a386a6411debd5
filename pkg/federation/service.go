package federation

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// FederationServer is the server API of the federation gRPC service.
//
// Messages are protobuf well-known wrapper types carrying JSON documents, so
// the service needs no protoc toolchain.
type FederationServer interface {
	// Subscribe streams firehose events after the requested cursor.
	Subscribe(*wrapperspb.UInt64Value, Federation_SubscribeServer) error
	ListRepos(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	GetCommits(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	ResolveIdentity(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	RegisterIdentity(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	SubmitProof(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// UnimplementedFederationServer can be embedded to have forward compatible implementations.
type UnimplementedFederationServer struct{}

func (UnimplementedFederationServer) Subscribe(*wrapperspb.UInt64Value, Federation_SubscribeServer) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}
func (UnimplementedFederationServer) ListRepos(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method ListRepos not implemented")
}
func (UnimplementedFederationServer) GetCommits(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCommits not implemented")
}
func (UnimplementedFederationServer) ResolveIdentity(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method ResolveIdentity not implemented")
}
func (UnimplementedFederationServer) RegisterIdentity(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterIdentity not implemented")
}
func (UnimplementedFederationServer) SubmitProof(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitProof not implemented")
}

// RegisterFederationServer registers the federation service on a gRPC server.
func RegisterFederationServer(s grpc.ServiceRegistrar, srv FederationServer) {
	s.RegisterService(&Federation_ServiceDesc, srv)
}

type Federation_SubscribeServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type federationSubscribeServer struct {
	grpc.ServerStream
}

func (x *federationSubscribeServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

// FederationClient is the client API of the federation gRPC service.
type FederationClient interface {
	Subscribe(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (Federation_SubscribeClient, error)
	ListRepos(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	GetCommits(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	ResolveIdentity(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	RegisterIdentity(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	SubmitProof(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type Federation_SubscribeClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type federationClient struct{ cc grpc.ClientConnInterface }

func NewFederationClient(cc grpc.ClientConnInterface) FederationClient {
	return &federationClient{cc: cc}
}

const serviceName = "taracol.federation.v1.Federation"

func (c *federationClient) Subscribe(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (Federation_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &Federation_ServiceDesc.Streams[0], "/"+serviceName+"/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	x := &federationSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type federationSubscribeClient struct {
	grpc.ClientStream
}

func (x *federationSubscribeClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *federationClient) ListRepos(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListRepos", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federationClient) GetCommits(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetCommits", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federationClient) ResolveIdentity(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ResolveIdentity", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federationClient) RegisterIdentity(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RegisterIdentity", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federationClient) SubmitProof(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SubmitProof", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Federation_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.UInt64Value)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FederationServer).Subscribe(m, &federationSubscribeServer{stream})
}

func _Federation_ListRepos_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).ListRepos(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListRepos"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederationServer).ListRepos(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federation_GetCommits_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).GetCommits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetCommits"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederationServer).GetCommits(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federation_ResolveIdentity_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).ResolveIdentity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ResolveIdentity"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederationServer).ResolveIdentity(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federation_RegisterIdentity_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).RegisterIdentity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RegisterIdentity"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederationServer).RegisterIdentity(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federation_SubmitProof_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederationServer).SubmitProof(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitProof"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederationServer).SubmitProof(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Federation_ServiceDesc is the grpc.ServiceDesc for the federation service.
var Federation_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FederationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRepos", Handler: _Federation_ListRepos_Handler},
		{MethodName: "GetCommits", Handler: _Federation_GetCommits_Handler},
		{MethodName: "ResolveIdentity", Handler: _Federation_ResolveIdentity_Handler},
		{MethodName: "RegisterIdentity", Handler: _Federation_RegisterIdentity_Handler},
		{MethodName: "SubmitProof", Handler: _Federation_SubmitProof_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: _Federation_Subscribe_Handler, ServerStreams: true},
	},
	Metadata: "federation.proto",
}
