// ============================================================================
// Durable Exec - work service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: expose the dispatcher to remote workers over gRPC.
//
// Service durable.v1.WorkService:
//   PollWork(Struct{worker_id, max})          -> Struct{tasks}
//   ReportOutcome(Struct{worker_id, token, outcome}) -> Struct{}
//   Heartbeat(Struct{worker_id, token})       -> Struct{cancelled}
//
// The service is described by hand with grpc.ServiceDesc and carries
// google.protobuf.Struct messages. Dispatcher errors map to status codes:
//   ErrInvalidToken     -> InvalidArgument
//   ErrUnknownWork      -> NotFound
//   ErrDispatcherClosed -> Unavailable
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/durable-exec/internal/dispatch"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "durable.v1.WorkService"

const (
	methodPoll      = "/" + ServiceName + "/PollWork"
	methodReport    = "/" + ServiceName + "/ReportOutcome"
	methodHeartbeat = "/" + ServiceName + "/Heartbeat"
)

// DefaultPollTimeout bounds one long poll.
const DefaultPollTimeout = 30 * time.Second

// Dispatcher is the part of the dispatcher the service exposes.
type Dispatcher interface {
	Poll(ctx context.Context, max int) ([]types.WorkTask, error)
	Report(ctx context.Context, token string, outcome types.Outcome) error
	Heartbeat(ctx context.Context, token string) (bool, error)
}

// WorkerInfo tracks a worker that has called the service.
type WorkerInfo struct {
	NodeID   string
	LastSeen time.Time
	Polls    int
	Reports  int
}

// Server implements the work service.
type Server struct {
	dispatcher  Dispatcher
	log         *slog.Logger
	pollTimeout time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithPollTimeout bounds each long poll. An expired poll returns no tasks.
func WithPollTimeout(d time.Duration) Option { return func(s *Server) { s.pollTimeout = d } }

// NewServer creates a work service over d.
func NewServer(d Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher:  d,
		log:         slog.Default(),
		pollTimeout: DefaultPollTimeout,
		now:         time.Now,
		workers:     make(map[string]*WorkerInfo),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// serviceDesc describes WorkService for grpc.Server.RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PollWork", Handler: unary(methodPoll, (*Server).pollWork)},
		{MethodName: "ReportOutcome", Handler: unary(methodReport, (*Server).reportOutcome)},
		{MethodName: "Heartbeat", Handler: unary(methodHeartbeat, (*Server).heartbeat)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "durable/v1/work.proto",
}

type methodFunc func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, fn methodFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

// Register adds the work service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) pollWork(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pollRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Max < 1 {
		req.Max = 1
	}
	s.touch(req.WorkerID, func(w *WorkerInfo) { w.Polls++ })

	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()
	tasks, err := s.dispatcher.Poll(pollCtx, req.Max)
	if err != nil {
		// Our own timeout ends the long poll with nothing to do.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			tasks = nil
		} else {
			return nil, toStatus(err)
		}
	}
	if len(tasks) > 0 {
		s.log.Debug("Dispatched work to remote worker", "worker", req.WorkerID, "tasks", len(tasks))
	}
	return encode(pollResponse{Tasks: tasks})
}

func (s *Server) reportOutcome(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reportRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.touch(req.WorkerID, func(w *WorkerInfo) { w.Reports++ })
	if err := s.dispatcher.Report(ctx, req.Token, req.Outcome); err != nil {
		s.log.Warn("Rejected outcome report", "worker", req.WorkerID, "error", err)
		return nil, toStatus(err)
	}
	return encode(empty{})
}

func (s *Server) heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req heartbeatRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.touch(req.WorkerID, nil)
	cancelled, err := s.dispatcher.Heartbeat(ctx, req.Token)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(heartbeatResponse{Cancelled: cancelled})
}

func (s *Server) touch(workerID string, update func(*WorkerInfo)) {
	if workerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		w = &WorkerInfo{NodeID: workerID}
		s.workers[workerID] = w
		s.log.Info("Worker connected", "worker", workerID)
	}
	w.LastSeen = s.now()
	if update != nil {
		update(w)
	}
}

// Workers returns a snapshot of known workers ordered by id.
func (s *Server) Workers() []WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Serve listens on addr and serves the work service and the standard
// health service until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	s.log.Info("Work service listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		hs.Shutdown()
		g.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func encode(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrInvalidToken):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, dispatch.ErrUnknownWork):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, dispatch.ErrDispatcherClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
