package server

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frobware/go-pktcount"
)

// ServiceName is the fully qualified name of the counter service.
const ServiceName = "pktcount.v1.Counter"

// Full method names, as used on the wire.
const (
	ReadMethod   = "/" + ServiceName + "/Read"
	ResetMethod  = "/" + ServiceName + "/Reset"
	StatusMethod = "/" + ServiceName + "/Status"
)

// CounterServer is the server API of the counter service. The
// messages are protobuf well-known types so the service needs no
// generated code:
//
//	service Counter {
//	  rpc Read(google.protobuf.Empty) returns (google.protobuf.UInt64Value);
//	  rpc Reset(google.protobuf.Empty) returns (google.protobuf.Empty);
//	  rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
type CounterServer interface {
	Read(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterCounterServer registers srv on s.
func RegisterCounterServer(s grpc.ServiceRegistrar, srv CounterServer) {
	s.RegisterService(&counterServiceDesc, srv)
}

var counterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CounterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: unaryHandler(ReadMethod, CounterServer.Read)},
		{MethodName: "Reset", Handler: unaryHandler(ResetMethod, CounterServer.Reset)},
		{MethodName: "Status", Handler: unaryHandler(StatusMethod, CounterServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pktcount/v1/counter.proto",
}

// unaryHandler adapts a CounterServer method taking Empty into a
// grpc.MethodDesc handler.
func unaryHandler[R any](fullMethod string, call func(CounterServer, context.Context, *emptypb.Empty) (R, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CounterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CounterServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// counterService implements CounterServer on top of a Counter.
type counterService struct {
	counter Counter
}

func (s *counterService) Read(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	v, err := s.counter.Read()
	if err != nil {
		return nil, grpcError(err)
	}
	return wrapperspb.UInt64(v), nil
}

func (s *counterService) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.counter.Reset(); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *counterService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(StatusFields(s.counter.Status()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return st, nil
}

// StatusFields flattens a status into the field set carried by the
// Status RPC.
func StatusFields(st pktcount.Status) map[string]any {
	fields := map[string]any{
		"state": st.StateName,
		"count": st.Count,
	}
	if !st.LastRead.IsZero() {
		fields["last_read"] = st.LastRead.UTC().Format(time.RFC3339Nano)
	}
	if st.LastError != "" {
		fields["last_error"] = st.LastError
	}
	if rec := st.Record; rec.ID != "" {
		fields["attachment_id"] = rec.ID
		fields["interface"] = rec.Interface
		fields["ifindex"] = rec.Ifindex
		fields["mode"] = string(rec.Mode)
		fields["backend"] = string(rec.Backend)
		fields["program_id"] = rec.ProgramID
		fields["map_id"] = rec.MapID
		if rec.MapPin != "" {
			fields["map_pin"] = rec.MapPin
		}
		if rec.Netns != "" {
			fields["netns"] = rec.Netns
		}
	}
	return fields
}

// grpcError maps counter errors onto status codes. A ReadError means
// the counter is not attached, which is a state the caller can wait
// out.
func grpcError(err error) error {
	var readErr *pktcount.ReadError
	if errors.As(err, &readErr) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
