// Package gateway implements Gateway (G): the sole bus-facing component
// exposed to external clients, translating a gRPC streaming session into
// bus traffic. The client-facing wire framing within each stream frame
// is out of scope here; what matters is that the gateway holds no session
// or presence state of its own (only a session-id-to-topics routing
// cache) and every frame maps onto exactly one bus publish or
// request/reply call.
//
// There is no protoc-generated client/server stub here: the stream and
// unary payloads are carried as google.golang.org/protobuf's well-known
// wrapperspb.BytesValue, wrapping this repo's JSON-encoded schema
// messages, and the grpc.ServiceDesc below is hand-assembled the same
// way protoc-gen-go-grpc would assemble it for a single bytes-in/
// bytes-out service. This keeps gRPC and protobuf genuinely in the
// dependency graph without requiring a protoc toolchain run.
package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server is the interface grpc.ServiceDesc dispatches onto: one
// bidirectional stream per client session, plus two unary calls used
// before a stream exists (account login, universe directory).
type Server interface {
	StartSession(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	GetUniverse(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Stream(StreamServer) error
}

// StreamServer is the bidirectional stream handle passed to Server.Stream,
// mirroring what protoc-gen-go-grpc would generate for a service with one
// streaming RPC named Stream.
type StreamServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type streamServer struct {
	grpc.ServerStream
}

func (s *streamServer) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

func (s *streamServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func startSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).StartSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/poq.Gateway/StartSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).StartSession(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getUniverseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetUniverse(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/poq.Gateway/GetUniverse"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).GetUniverse(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).Stream(&streamServer{stream})
}

// ServiceDesc registers Server against a *grpc.Server the same way a
// generated _ServiceDesc would.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "poq.Gateway",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSession", Handler: startSessionHandler},
		{MethodName: "GetUniverse", Handler: getUniverseHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "poq/gateway.proto",
}

// RegisterServer is the Register<Service>Server analogue.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
