package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/services"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

const (
	assistantServiceName = "fleet.v1.Assistant"
	askMethod            = "/fleet.v1.Assistant/Ask"
	overviewMethod       = "/fleet.v1.Assistant/Overview"
)

// Assistant is the service surface both transports expose.
type Assistant interface {
	Ask(ctx context.Context, sessionID string, opts services.AskOptions) (models.ConversationTurn, error)
	Overview(ctx context.Context, sessionID string) (models.Overview, error)
	Refresh(ctx context.Context, sessionID string, environments []string) (services.RefreshResult, error)
	ExportJSON(ctx context.Context, sessionID string) ([]byte, error)
	ExportCSV(ctx context.Context, sessionID string) ([]byte, error)
	Catalog() []hub.TableSpec
	Environments() []string
}

// AssistantServer is the gRPC contract of fleet.v1.Assistant. Messages are
// google.protobuf.Struct so clients need no generated stubs.
type AssistantServer interface {
	Ask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Overview(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAssistantServer attaches srv to a gRPC registrar.
func RegisterAssistantServer(s grpc.ServiceRegistrar, srv AssistantServer) {
	s.RegisterService(&assistantServiceDesc, srv)
}

var assistantServiceDesc = grpc.ServiceDesc{
	ServiceName: assistantServiceName,
	HandlerType: (*AssistantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ask", Handler: askHandler},
		{MethodName: "Overview", Handler: overviewHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/v1/assistant.proto",
}

func askHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssistantServer).Ask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: askMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AssistantServer).Ask(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func overviewHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssistantServer).Overview(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: overviewMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AssistantServer).Overview(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// AssistantClient calls fleet.v1.Assistant over an existing connection.
type AssistantClient struct {
	cc grpc.ClientConnInterface
}

// NewAssistantClient wraps a client connection.
func NewAssistantClient(cc grpc.ClientConnInterface) *AssistantClient {
	return &AssistantClient{cc: cc}
}

// Ask invokes fleet.v1.Assistant/Ask.
func (c *AssistantClient) Ask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, askMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Overview invokes fleet.v1.Assistant/Overview.
func (c *AssistantClient) Overview(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, overviewMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCService adapts the assistant to the gRPC contract.
type GRPCService struct {
	assistant Assistant
	logger    *slog.Logger
}

// NewGRPCService constructs the gRPC facade.
func NewGRPCService(assistant Assistant, logger *slog.Logger) *GRPCService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCService{assistant: assistant, logger: logger}
}

// Ask answers one question for a session.
func (s *GRPCService) Ask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, opts, err := FromProtoAskRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	turn, err := s.assistant.Ask(ctx, sessionID, opts)
	if err != nil {
		s.logger.Error("ask failed", slog.String("session", sessionID), slog.Any("error", err))
		return nil, grpcError(err)
	}
	return toProtoOrInternal(turn)
}

// Overview returns the operational overview of a session snapshot.
func (s *GRPCService) Overview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, err := SessionFromProto(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	overview, err := s.assistant.Overview(ctx, sessionID)
	if err != nil {
		s.logger.Error("overview failed", slog.String("session", sessionID), slog.Any("error", err))
		return nil, grpcError(err)
	}
	return toProtoOrInternal(overview)
}

func toProtoOrInternal(v any) (*structpb.Struct, error) {
	out, err := ToProto(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	switch utils.KindOf(err) {
	case utils.KindInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case utils.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case utils.KindUnavailable:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
