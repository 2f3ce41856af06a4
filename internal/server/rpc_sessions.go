package server

import (
	"context"
	"errors"
	"github.com/cirruslabs/termdesk/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"time"
)

const (
	sessionServiceName = "termdesk.SessionService"

	createSessionMethod = "/" + sessionServiceName + "/CreateSession"
	getSessionMethod    = "/" + sessionServiceName + "/GetSession"
)

// SessionServiceServer manages session records over gRPC. Requests and responses
// are well-known protobuf types: the host username or the session ID goes in,
// the session record comes out with the same fields as the REST API returns.
type SessionServiceServer interface {
	CreateSession(ctx context.Context, hostUsername *wrapperspb.StringValue) (*structpb.Struct, error)
	GetSession(ctx context.Context, sessionID *wrapperspb.StringValue) (*structpb.Struct, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateSession",
			Handler:    createSessionHandler,
		},
		{
			MethodName: "GetSession",
			Handler:    getSessionHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "termdesk/session_service",
}

func RegisterSessionServiceServer(registrar grpc.ServiceRegistrar, srv SessionServiceServer) {
	registrar.RegisterService(&sessionServiceDesc, srv)
}

func createSessionHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(SessionServiceServer).CreateSession(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: createSessionMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).CreateSession(ctx, req.(*wrapperspb.StringValue))
	}

	return interceptor(ctx, in, info, handler)
}

func getSessionHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(SessionServiceServer).GetSession(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getSessionMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).GetSession(ctx, req.(*wrapperspb.StringValue))
	}

	return interceptor(ctx, in, info, handler)
}

// SessionServiceClient is the client counterpart of SessionServiceServer.
type SessionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionServiceClient(cc grpc.ClientConnInterface) *SessionServiceClient {
	return &SessionServiceClient{cc: cc}
}

func (client *SessionServiceClient) CreateSession(
	ctx context.Context,
	hostUsername string,
	opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	out := new(structpb.Struct)

	if err := client.cc.Invoke(ctx, createSessionMethod, wrapperspb.String(hostUsername), out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (client *SessionServiceClient) GetSession(
	ctx context.Context,
	sessionID string,
	opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	out := new(structpb.Struct)

	if err := client.cc.Invoke(ctx, getSessionMethod, wrapperspb.String(sessionID), out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (ts *TermdeskServer) CreateSession(
	ctx context.Context,
	hostUsername *wrapperspb.StringValue,
) (*structpb.Struct, error) {
	record, err := ts.createSession(ctx, hostUsername.GetValue())
	if err != nil {
		if errors.Is(err, ErrHostUsernameRequired) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		ts.logger.Error("failed to create session", append(ts.TraceContext(ctx), zap.Error(err))...)

		return nil, status.Error(codes.Internal, "failed to create session")
	}

	return recordToStruct(record)
}

func (ts *TermdeskServer) GetSession(
	ctx context.Context,
	sessionID *wrapperspb.StringValue,
) (*structpb.Struct, error) {
	record, err := ts.store.Get(ctx, sessionID.GetValue())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "session %q not found", sessionID.GetValue())
		}

		ts.logger.Error("failed to get session", append(ts.TraceContext(ctx),
			SessionIDField(sessionID.GetValue()), zap.Error(err))...)

		return nil, status.Error(codes.Internal, "failed to get session")
	}

	return recordToStruct(record)
}

func recordToStruct(record *store.Record) (*structpb.Struct, error) {
	result, err := structpb.NewStruct(map[string]interface{}{
		"session_id":    record.SessionID,
		"host_username": record.HostUsername,
		"created_at":    record.CreatedAt.UTC().Format(time.RFC3339Nano),
		"active":        record.Active,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode session: %v", err)
	}

	return result, nil
}
