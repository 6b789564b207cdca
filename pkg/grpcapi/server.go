// Package grpcapi implements the gRPC API server for flowpipe.
//
// The service is described by a hand-written grpc.ServiceDesc whose
// requests and responses are google.protobuf.Struct messages, so clients
// need no generated stubs: any gRPC client can call
// /flowpipe.v1.FlowService/<Method> with a Struct body.
package grpcapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/flowpipe/pkg/conntrack"
	"github.com/psaab/flowpipe/pkg/flow"
	"github.com/psaab/flowpipe/pkg/logging"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowpipe.v1.FlowService"

// Config configures the gRPC server.
type Config struct {
	Engine   *flow.Engine
	EventBuf *logging.EventBuffer
	GC       *conntrack.GC
	// APIKey, if set, must be sent as "authorization: Bearer <key>"
	// metadata on every call.
	APIKey string
}

// Server implements the FlowService gRPC service.
type Server struct {
	engine    *flow.Engine
	eventBuf  *logging.EventBuffer
	gc        *conntrack.GC
	apiKey    string
	startTime time.Time
	addr      string
	health    *health.Server
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		engine:    cfg.Engine,
		eventBuf:  cfg.EventBuf,
		gc:        cfg.GC,
		apiKey:    cfg.APIKey,
		startTime: time.Now(),
		addr:      addr,
		health:    health.NewServer(),
	}
}

// Register installs the flow service and the standard health service on srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// ServerOptions returns the interceptors the service needs.
func (s *Server) ServerOptions() []grpc.ServerOption {
	if s.apiKey == "" {
		return nil
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}

	srv := grpc.NewServer(s.ServerOptions()...)
	s.Register(srv)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", s.addr)
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	srv.GracefulStop()
	return nil
}

func (s *Server) authorized(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		key, ok := strings.CutPrefix(v, "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid API key")
}

func (s *Server) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.") {
		return handler(ctx, req)
	}
	if err := s.authorized(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Server) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.") {
		return handler(srv, ss)
	}
	if err := s.authorized(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

// statusError maps engine errors onto gRPC codes.
func statusError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, flow.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, flow.ErrInvalidValue):
		code = codes.InvalidArgument
	case errors.Is(err, flow.ErrNotSupported):
		code = codes.Unimplemented
	case errors.Is(err, flow.ErrBadState), errors.Is(err, flow.ErrInUse):
		code = codes.FailedPrecondition
	case errors.Is(err, flow.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, flow.ErrNoMemory):
		code = codes.ResourceExhausted
	}
	return status.Error(code, err.Error())
}

// --- request helpers ---

func numArg(req *structpb.Struct, name string) (float64, bool) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, false
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return k.NumberValue, true
	case *structpb.Value_StringValue:
		f, err := strconv.ParseFloat(k.StringValue, 64)
		return f, err == nil
	}
	return 0, false
}

func strArg(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func uint16Arg(req *structpb.Struct, name string, required bool) (uint16, error) {
	f, ok := numArg(req, name)
	if !ok {
		if required {
			return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
		}
		return 0, nil
	}
	if f < 0 || f > 0xffff || f != float64(uint16(f)) {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s %v", name, f)
	}
	return uint16(f), nil
}

func (s *Server) portArg(req *structpb.Struct) (flow.PortHandle, error) {
	id, err := uint16Arg(req, "port", true)
	if err != nil {
		return 0, err
	}
	ph, err := s.engine.PortByID(id)
	if err != nil {
		return 0, statusError(err)
	}
	return ph, nil
}

func (s *Server) pipeArg(req *structpb.Struct) (flow.PipeHandle, error) {
	ph, err := s.portArg(req)
	if err != nil {
		return 0, err
	}
	name := strArg(req, "pipe")
	if name == "" {
		return 0, status.Error(codes.InvalidArgument, "pipe is required")
	}
	pipe, err := s.engine.PipeByName(ph, name)
	if err != nil {
		return 0, statusError(err)
	}
	return pipe, nil
}

// handleString formats an entry handle. Handles are 64-bit and do not
// survive a round trip through a JSON number.
func handleString(h flow.EntryHandle) string {
	return fmt.Sprintf("%#x", uint64(h))
}

func list[T any](items []T, conv func(T) map[string]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = conv(it)
	}
	return out
}

func strings2any(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

func counts(q flow.Query) map[string]any {
	return map[string]any{"packets": q.TotalPkts, "bytes": q.TotalBytes}
}

// --- RPCs ---

func (s *Server) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"uptime":     time.Since(s.startTime).Truncate(time.Second).String(),
		"mode":       s.engine.Mode().String(),
		"driver":     s.engine.Driver().Name(),
		"ports":      len(s.engine.Ports()),
		"ct_enabled": s.engine.CT() != nil,
	}
	if s.gc != nil {
		st := s.gc.Stats()
		resp["gc"] = map[string]any{"sweeps": st.Sweeps, "aged": st.Aged, "removed": st.Removed}
	}
	return newStruct(resp)
}

func (s *Server) ListPorts(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"ports": list(s.engine.Ports(), func(p flow.PortInfo) map[string]any {
			return map[string]any{
				"id":       int(p.ID),
				"device":   p.Device,
				"features": p.Features,
				"queues":   p.Queues,
				"pipes":    p.Pipes,
				"pair":     p.PairID,
			}
		}),
	})
}

func (s *Server) ListPipes(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ph, err := s.portArg(req)
	if err != nil {
		return nil, err
	}
	pipes, err := s.engine.Pipes(ph)
	if err != nil {
		return nil, statusError(err)
	}
	return newStruct(map[string]any{
		"pipes": list(pipes, func(pi flow.PipeInfo) map[string]any {
			return map[string]any{
				"name":     pi.Name,
				"type":     pi.Type.String(),
				"domain":   pi.Domain.String(),
				"root":     pi.Root,
				"nb_flows": pi.NbFlows,
				"fields":   strings2any(pi.Fields),
				"entries":  pi.Entries,
				"added":    pi.Added,
				"removed":  pi.Removed,
				"failed":   pi.Failed,
				"aged":     pi.Aged,
				"forward":  pi.Fwd,
				"miss":     pi.FwdMiss,
			}
		}),
	})
}

func (s *Server) ListEntries(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pipe, err := s.pipeArg(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.engine.PipeEntries(pipe)
	if err != nil {
		return nil, statusError(err)
	}
	return newStruct(map[string]any{
		"entries": list(entries, func(ei flow.EntryInfo) map[string]any {
			m := map[string]any{
				"handle": handleString(ei.Handle),
				"queue":  int(ei.Queue),
				"status": ei.Status.String(),
				"aged":   ei.Aged,
			}
			if q, err := s.engine.QueryEntry(ei.Handle); err == nil {
				m["counter"] = counts(q)
			}
			return m
		}),
	})
}

func (s *Server) RemoveEntry(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h, err := strconv.ParseUint(strArg(req, "handle"), 0, 64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid entry handle")
	}
	queue, err := uint16Arg(req, "queue", false)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RmEntry(queue, flow.NoWait, flow.EntryHandle(h)); err != nil {
		return nil, statusError(err)
	}
	return newStruct(map[string]any{"handle": handleString(flow.EntryHandle(h)), "queue": int(queue)})
}

func (s *Server) DumpPipe(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pipe, err := s.pipeArg(req)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := s.engine.DumpPipe(pipe, &sb); err != nil {
		return nil, statusError(err)
	}
	return newStruct(map[string]any{"output": sb.String()})
}

func (s *Server) ListResources(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"resources": list(s.engine.Resources(), func(ri flow.ResourceInfo) map[string]any {
			m := map[string]any{
				"type":     ri.Type.String(),
				"id":       ri.ID,
				"bindings": ri.Bindings,
				"global":   ri.Global,
				"refs":     ri.Refs,
			}
			if ri.Type == flow.ResourceCount && ri.Bindings > 0 {
				if res, err := s.engine.QueryResources(flow.ResourceCount, []uint32{ri.ID}); err == nil && len(res) == 1 {
					m["counter"] = counts(res[0].Counter)
				}
			}
			return m
		}),
	})
}

func (s *Server) ListSessions(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ct := s.engine.CT()
	if ct == nil {
		return nil, status.Error(codes.FailedPrecondition, "connection tracking not initialized")
	}
	ph, err := s.portArg(req)
	if err != nil {
		return nil, err
	}
	sessions, err := ct.Sessions(ph)
	if err != nil {
		return nil, statusError(err)
	}
	proto := strings.ToLower(strArg(req, "protocol"))
	out := make([]any, 0, len(sessions))
	for _, cs := range sessions {
		if proto != "" && protoName(cs.Origin.Proto) != proto {
			continue
		}
		out = append(out, map[string]any{
			"handle":      handleString(cs.Handle),
			"origin":      cs.Origin.String(),
			"reply":       cs.Reply.String(),
			"protocol":    protoName(cs.Origin.Proto),
			"meta_origin": cs.MetaOrigin,
			"meta_reply":  cs.MetaReply,
			"status":      cs.Status.String(),
			"aged":        cs.Aged,
		})
	}
	return newStruct(map[string]any{"sessions": out})
}

func protoName(p uint8) string {
	switch p {
	case 6:
		return "tcp"
	case 17:
		return "udp"
	}
	return strconv.Itoa(int(p))
}

func eventMap(rec logging.EventRecord) map[string]any {
	m := map[string]any{
		"seq":    rec.Seq,
		"time":   rec.Time.Format(time.RFC3339Nano),
		"port":   int(rec.Port),
		"queue":  int(rec.Queue),
		"entry":  fmt.Sprintf("%#x", rec.Entry),
		"op":     rec.Op,
		"status": rec.Status,
	}
	if rec.Pipe != "" {
		m["pipe"] = rec.Pipe
	}
	if rec.Err != "" {
		m["error"] = rec.Err
	}
	return m
}

func eventFilter(req *structpb.Struct) logging.EventFilter {
	return logging.EventFilter{
		Pipe:   strArg(req, "pipe"),
		Op:     strArg(req, "op"),
		Status: strArg(req, "status"),
	}
}

func (s *Server) GetEvents(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.eventBuf == nil {
		return newStruct(map[string]any{"events": []any{}})
	}
	limit := 50
	if f, ok := numArg(req, "limit"); ok && f > 0 {
		limit = min(int(f), 10000)
	}
	return newStruct(map[string]any{
		"events": list(s.eventBuf.LatestFiltered(limit, eventFilter(req)), eventMap),
	})
}

// StreamEvents sends every new completion matching the request filter
// until the client goes away.
func (s *Server) StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.eventBuf == nil {
		return status.Error(codes.Unavailable, "event buffer not available")
	}
	filter := eventFilter(req)
	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-sub.C:
			if !filter.Matches(rec) {
				continue
			}
			msg, err := newStruct(eventMap(rec))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
