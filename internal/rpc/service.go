// ABOUTME: Service descriptor for applock.v1.LockEngine built on protobuf well-known types
// ABOUTME: Unary and server-streaming handler shims in the shape protoc-gen-go-grpc emits

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "applock.v1.LockEngine"

// Full method names.
const (
	MethodReportFocus      = "/" + ServiceName + "/ReportFocus"
	MethodWatchPrompts     = "/" + ServiceName + "/WatchPrompts"
	MethodSubmitSecret     = "/" + ServiceName + "/SubmitSecret"
	MethodDismissPrompt    = "/" + ServiceName + "/DismissPrompt"
	MethodReportBiometric  = "/" + ServiceName + "/ReportBiometric"
	MethodWatchTransitions = "/" + ServiceName + "/WatchTransitions"
	MethodLogout           = "/" + ServiceName + "/Logout"
	MethodStatus           = "/" + ServiceName + "/Status"
)

// LockEngineServer is the server API for the LockEngine service.
type LockEngineServer interface {
	ReportFocus(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchPrompts(*emptypb.Empty, StructStream) error
	SubmitSecret(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DismissPrompt(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ReportBiometric(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchTransitions(*wrapperspb.StringValue, StructStream) error
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// StructStream is the server side of a stream of Struct messages.
type StructStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type structStream struct {
	grpc.ServerStream
}

func (s *structStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterLockEngineServer registers srv on s.
func RegisterLockEngineServer(s grpc.ServiceRegistrar, srv LockEngineServer) {
	s.RegisterService(&LockEngineServiceDesc, srv)
}

// LockEngineServiceDesc describes the LockEngine service.
var LockEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LockEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportFocus", Handler: reportFocusHandler},
		{MethodName: "SubmitSecret", Handler: submitSecretHandler},
		{MethodName: "DismissPrompt", Handler: dismissPromptHandler},
		{MethodName: "ReportBiometric", Handler: reportBiometricHandler},
		{MethodName: "Logout", Handler: logoutHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchPrompts", Handler: watchPromptsHandler, ServerStreams: true},
		{StreamName: "WatchTransitions", Handler: watchTransitionsHandler, ServerStreams: true},
	},
	Metadata: "applock/v1/lock_engine.proto",
}

func reportFocusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockEngineServer).ReportFocus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodReportFocus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockEngineServer).ReportFocus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func submitSecretHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockEngineServer).SubmitSecret(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSubmitSecret}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockEngineServer).SubmitSecret(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func dismissPromptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockEngineServer).DismissPrompt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodDismissPrompt}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockEngineServer).DismissPrompt(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func reportBiometricHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockEngineServer).ReportBiometric(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodReportBiometric}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockEngineServer).ReportBiometric(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func logoutHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockEngineServer).Logout(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLogout}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockEngineServer).Logout(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockEngineServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockEngineServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchPromptsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LockEngineServer).WatchPrompts(in, &structStream{stream})
}

func watchTransitionsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LockEngineServer).WatchTransitions(in, &structStream{stream})
}
