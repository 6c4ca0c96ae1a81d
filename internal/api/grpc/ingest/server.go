package ingest

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/overwatch/internal/domain/errs"
	"github.com/oshokin/overwatch/internal/domain/event"
	"github.com/oshokin/overwatch/internal/logger"
	eventrepo "github.com/oshokin/overwatch/internal/repository/event"
	"github.com/oshokin/overwatch/internal/service/pipeline"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "overwatch.v1.IngestService"
	// SubmitEventMethod is the full method name of SubmitEvent.
	SubmitEventMethod = "/" + ServiceName + "/SubmitEvent"
)

// Submitter abstracts the pipeline the transport layer depends on.
type Submitter interface {
	Submit(ctx context.Context, e *event.Event) (*pipeline.Result, error)
}

// IngestServiceServer is the server API of the IngestService.
type IngestServiceServer interface {
	// SubmitEvent persists and correlates one event.
	SubmitEvent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the IngestService for grpc.Server.RegisterService.
//
//nolint:gochecknoglobals // Service descriptors are registered by pointer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitEvent",
			Handler:    submitEventHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overwatch/v1/ingest.proto",
}

// Register attaches the IngestService implementation to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, server IngestServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

func submitEventHandler(
	server any,
	ctx context.Context, //nolint:revive // Signature is fixed by grpc.MethodHandler.
	decode func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(structpb.Struct)
	if err := decode(request); err != nil {
		return nil, err
	}

	service := server.(IngestServiceServer) //nolint:forcetypeassert // HandlerType guarantees the type.
	if interceptor == nil {
		return service.SubmitEvent(ctx, request)
	}

	info := &grpc.UnaryServerInfo{
		Server:     server,
		FullMethod: SubmitEventMethod,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return service.SubmitEvent(ctx, req.(*structpb.Struct)) //nolint:forcetypeassert // Decoded above.
	}

	return interceptor(ctx, request, info, handler)
}

// Server implements the IngestService gRPC API.
type Server struct {
	// submitter runs submitted events through the pipeline.
	submitter Submitter
}

// NewServer wires the provided pipeline into a gRPC handler.
func NewServer(submitter Submitter) *Server {
	return &Server{
		submitter: submitter,
	}
}

// SubmitEvent decodes the request, submits the event and reports the
// correlated alarm.
func (s *Server) SubmitEvent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	if request == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	e, err := event.FromMap(request.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.submitter.Submit(ctx, e)
	if err != nil {
		code := toCode(err)
		if code == codes.Internal {
			logger.ErrorKV(ctx, "Event submission failed", "event_id", e.ID, "error", err)

			return nil, status.Error(code, "unable to submit event")
		}

		return nil, status.Error(code, err.Error())
	}

	response, err := toResponse(result)
	if err != nil {
		return nil, status.Error(codes.Internal, "unable to encode response")
	}

	return response, nil
}

// toCode maps domain errors to gRPC status codes.
func toCode(err error) codes.Code {
	var validation *errs.ValidationError

	switch {
	case errors.As(err, &validation):
		return codes.InvalidArgument
	case errors.Is(err, eventrepo.ErrDuplicate):
		return codes.AlreadyExists
	case errs.IsNotFound(err):
		return codes.NotFound
	case errors.Is(err, pipeline.ErrStopped):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toResponse converts a pipeline result to the response Struct.
func toResponse(result *pipeline.Result) (*structpb.Struct, error) {
	fields := map[string]any{
		"event_id":    result.Event.ID,
		"received_at": result.Event.ReceivedAt.Format(time.RFC3339Nano),
		"created":     result.Created,
	}

	if a := result.Alarm; a != nil {
		fields["alarm_id"] = a.ID
		fields["alarm_state"] = string(a.State)
		fields["severity"] = string(a.Severity)
		fields["linked_events"] = len(a.LinkedEventIDs)
	}

	return structpb.NewStruct(fields)
}
