package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/session"
	"github.com/branchbox/branchbox/pkg/types"
)

const (
	grpcServiceName         = "branchbox.v1.Branchbox"
	grpcMethodCreateSession = "/branchbox.v1.Branchbox/CreateSession"
	grpcMethodListSessions  = "/branchbox.v1.Branchbox/ListSessions"
	grpcMethodGetSession    = "/branchbox.v1.Branchbox/GetSession"
	grpcMethodStopSession   = "/branchbox.v1.Branchbox/StopSession"
	grpcMethodHeartbeat     = "/branchbox.v1.Branchbox/Heartbeat"
	grpcMethodQueryEvents   = "/branchbox.v1.Branchbox/QueryEvents"

	grpcAPIKeyMetadata = "x-api-key"
)

type grpcServer struct {
	app *App
}

// BranchboxGRPCServer mirrors the HTTP surface over structpb messages.
type BranchboxGRPCServer interface {
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)

	EventsTail(*structpb.Struct, grpc.ServerStream) error
}

func RegisterGRPC(s *grpc.Server, app *App) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*BranchboxGRPCServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CreateSession", Handler: grpcUnaryHandler(grpcMethodCreateSession, (*grpcServer).CreateSession)},
			{MethodName: "ListSessions", Handler: grpcUnaryHandler(grpcMethodListSessions, (*grpcServer).ListSessions)},
			{MethodName: "GetSession", Handler: grpcUnaryHandler(grpcMethodGetSession, (*grpcServer).GetSession)},
			{MethodName: "StopSession", Handler: grpcUnaryHandler(grpcMethodStopSession, (*grpcServer).StopSession)},
			{MethodName: "Heartbeat", Handler: grpcUnaryHandler(grpcMethodHeartbeat, (*grpcServer).Heartbeat)},
			{MethodName: "QueryEvents", Handler: grpcUnaryHandler(grpcMethodQueryEvents, (*grpcServer).QueryEvents)},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "EventsTail",
				Handler:       grpcHandleEventsTail,
				ServerStreams: true,
			},
		},
		Metadata: "proto/branchbox/v1/branchbox.proto",
	}, &grpcServer{app: app})
}

// grpcUnaryHandler produces a standard unary handler for one method.
func grpcUnaryHandler(method string, fn func(*grpcServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		base := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(*grpcServer), ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return base(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, base)
	}
}

func grpcHandleEventsTail(srv any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*grpcServer).EventsTail(in, stream)
}

func (s *grpcServer) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	var req types.CreateSessionRequest
	if err := json.Unmarshal(mustProtoJSON(in), &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	sess, err := s.app.createSessionCore(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return jsonToProto(sess)
}

func (s *grpcServer) ListSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	var req struct {
		Active bool `json:"active"`
	}
	_ = json.Unmarshal(mustProtoJSON(in), &req)
	sessions, err := s.app.sessions.List(ctx, req.Active)
	if err != nil {
		return nil, grpcError(err)
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	return jsonToProto(map[string]any{"sessions": sessions})
}

func (s *grpcServer) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	id, err := grpcStringField(in, "id")
	if err != nil {
		return nil, err
	}
	sess, err := s.app.sessions.Status(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return jsonToProto(sess)
}

func (s *grpcServer) StopSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	id, err := grpcStringField(in, "id")
	if err != nil {
		return nil, err
	}
	if err := s.app.sessions.Stop(ctx, id); err != nil {
		return nil, grpcError(err)
	}
	return jsonToProto(map[string]any{"id": id, "state": types.SessionStateStopped})
}

func (s *grpcServer) Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	id, err := grpcStringField(in, "id")
	if err != nil {
		return nil, err
	}
	if err := s.app.sessions.Heartbeat(ctx, id); err != nil {
		return nil, grpcError(err)
	}
	return jsonToProto(map[string]any{"ok": true})
}

func (s *grpcServer) QueryEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.app == nil {
		return nil, status.Error(codes.Internal, "server not initialized")
	}
	var q types.EventQuery
	if err := json.Unmarshal(mustProtoJSON(in), &q); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	evs, err := s.app.eventStore.QueryEvents(ctx, q)
	if err != nil {
		return nil, grpcError(err)
	}
	if evs == nil {
		evs = []types.Event{}
	}
	return jsonToProto(map[string]any{"events": evs})
}

func (s *grpcServer) EventsTail(in *structpb.Struct, stream grpc.ServerStream) error {
	if s == nil || s.app == nil {
		return status.Error(codes.Internal, "server not initialized")
	}
	id, err := grpcStringField(in, "session_id")
	if err != nil {
		return err
	}
	if _, err := s.app.sessStore.GetSession(stream.Context(), id); err != nil {
		return grpcError(err)
	}

	ch := s.app.broker.Subscribe(id, 200)
	defer s.app.broker.Unsubscribe(id, ch)

	ready := &structpb.Struct{}
	_ = protojson.Unmarshal([]byte(`{"event":"ready"}`), ready)
	_ = stream.SendMsg(ready)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev := <-ch:
			out, err := jsonToProto(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// grpcError maps the error taxonomy onto grpc codes, mirroring the HTTP
// status mapping.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		code = codes.ResourceExhausted
	default:
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			code = codes.InvalidArgument
		case apperr.KindNotFound:
			code = codes.NotFound
		case apperr.KindConflict:
			code = codes.AlreadyExists
		case apperr.KindPermissionDenied:
			code = codes.PermissionDenied
		case apperr.KindGitOperation, apperr.KindProvisioning:
			code = codes.Unavailable
		}
	}
	return status.Error(code, apperr.Scrub(err.Error()))
}

func grpcStringField(in *structpb.Struct, field string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(mustProtoJSON(in), &m); err != nil {
		return "", status.Error(codes.InvalidArgument, "invalid request")
	}
	v, _ := m[field].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return v, nil
}

// jsonToProto converts any JSON-serializable value to a structpb.Struct.
func jsonToProto(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, "marshal response")
	}
	return out, nil
}

func mustProtoJSON(in *structpb.Struct) []byte {
	b, _ := protojson.Marshal(in)
	return b
}

// GRPCUnaryAuthInterceptor enforces the API key on unary calls.
func GRPCUnaryAuthInterceptor(app *App) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := grpcAuth(app, ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// GRPCStreamAuthInterceptor enforces the API key on streaming calls.
func GRPCStreamAuthInterceptor(app *App) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := grpcAuth(app, ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func grpcAuth(app *App, ctx context.Context) error {
	if app == nil || app.cfg == nil {
		return status.Error(codes.Internal, "server not initialized")
	}
	// With auth type none the grpc listener binds loopback by default;
	// the HTTP loopback guard has no equivalent here.
	if !strings.EqualFold(app.cfg.Auth.Type, "api_key") {
		return nil
	}
	if app.apiKeys == nil {
		return status.Error(codes.Unavailable, "api key auth enabled but no keys loaded")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "unauthorized")
	}

	headerName := strings.ToLower(strings.TrimSpace(app.apiKeys.HeaderName()))
	key := firstMetadataValue(md, headerName)
	if key == "" && headerName != grpcAPIKeyMetadata {
		key = firstMetadataValue(md, grpcAPIKeyMetadata)
	}
	if key == "" {
		if h := firstMetadataValue(md, "authorization"); strings.HasPrefix(strings.ToLower(h), "bearer ") {
			key = strings.TrimSpace(h[len("bearer "):])
		}
	}
	if !app.apiKeys.IsAllowed(key) {
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	return nil
}

func firstMetadataValue(md metadata.MD, key string) string {
	if key == "" {
		return ""
	}
	vals := md.Get(strings.ToLower(key))
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}
