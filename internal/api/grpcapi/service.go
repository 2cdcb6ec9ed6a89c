package grpcapi

import (
	"context"
	"errors"

	"github.com/XavSPM/RevpiEpics/internal/record"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "revpiepics.v1.ProcessVariables"

// ProcessVariablesServer reads and writes PVs over gRPC. Requests and
// responses use protobuf well-known types, so no generated code is needed.
//
//	Get(StringValue name)           -> Struct {name, kind, value, label, severity, updated}
//	Put(Struct {name, value})       -> Struct
//	List(Empty)                     -> Struct {pvs: [...]}
type ProcessVariablesServer interface {
	Get(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Records is the part of the record layer the service needs.
type Records interface {
	Record(name string) (record.Record, bool)
	Records() []*record.SoftRecord
	Put(name string, value float64) error
}

type Service struct {
	records Records
	logger  *zap.Logger
}

func NewService(records Records, logger *zap.Logger) *Service {
	return &Service{records: records, logger: logger}
}

func (s *Service) Get(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	rec, ok := s.records.Record(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "pv %q not found", req.GetValue())
	}
	return pvStruct(rec)
}

func (s *Service) Put(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	name := fields["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	value, ok := fields["value"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "value must be a number")
	}

	if err := s.records.Put(name, value.NumberValue); err != nil {
		switch {
		case errors.Is(err, record.ErrUnknownRecord):
			return nil, status.Error(codes.NotFound, err.Error())
		case errors.Is(err, record.ErrReadOnly):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		default:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	s.logger.Debug("PV written via gRPC", zap.String("pv", name), zap.Float64("value", value.NumberValue))

	rec, ok := s.records.Record(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "pv %q not found", name)
	}
	return pvStruct(rec)
}

func (s *Service) List(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	recs := s.records.Records()
	pvs := make([]interface{}, 0, len(recs))
	for _, r := range recs {
		pvs = append(pvs, pvMap(r))
	}
	return structpb.NewStruct(map[string]interface{}{"pvs": pvs})
}

func pvStruct(rec record.Record) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(pvMap(rec))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func pvMap(rec record.Record) map[string]interface{} {
	m := map[string]interface{}{
		"name":  rec.Name(),
		"kind":  rec.Kind().String(),
		"value": rec.Get(),
	}
	if sr, ok := rec.(*record.SoftRecord); ok {
		label, severity := sr.Alarm()
		m["label"] = label
		m["severity"] = severity.String()
		m["updated"] = sr.Updated().UnixMilli()
	}
	return m
}

func RegisterProcessVariablesServer(s grpc.ServiceRegistrar, srv ProcessVariablesServer) {
	s.RegisterService(&ProcessVariablesServiceDesc, srv)
}

var ProcessVariablesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProcessVariablesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "revpiepics/v1/process_variables.proto",
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessVariablesServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProcessVariablesServer).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func putHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessVariablesServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProcessVariablesServer).Put(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessVariablesServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/List"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProcessVariablesServer).List(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
