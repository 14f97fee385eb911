package grpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/pkg/logging"
)

// Options 服务端参数
type Options struct {
	MaxWorkers     int           // 并发流上限，0 不限制
	RequestTimeout time.Duration // 单个请求超时，0 不限制
	TLS            *tls.Config   // nil 为明文
}

// Server gRPC 服务端
type Server struct {
	svc     fusion.Service
	grpc    *grpc.Server
	health  *health.Server
	logger  *logging.Logger
	timeout time.Duration
}

var _ MemoryFusionServer = (*Server)(nil)

// NewServer 创建 gRPC 服务端，注册 MemoryFusionService、标准健康检查与反射服务
func NewServer(svc fusion.Service, opts Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		svc:     svc,
		health:  health.NewServer(),
		logger:  logger,
		timeout: opts.RequestTimeout,
	}

	serverOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.contextInterceptor)}
	if opts.MaxWorkers > 0 {
		serverOpts = append(serverOpts, grpc.MaxConcurrentStreams(uint32(opts.MaxWorkers)))
	}
	if opts.TLS != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(opts.TLS)))
	}
	s.grpc = grpc.NewServer(serverOpts...)
	RegisterMemoryFusionServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve 在 lis 上提供服务，直到 Stop 或 GracefulStop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// ListenAndServe 监听 addr 并提供服务
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Shutdown 优雅关闭，ctx 到期后强制停止
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// WatchHealth 周期性探测服务健康，同步到标准健康检查服务
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncHealth(s.svc.HealthStatus(ctx))
		}
	}
}

// syncHealth 存储不可用时标记为 NOT_SERVING，降级仍视为 SERVING
func (s *Server) syncHealth(h *fusion.HealthStatus) {
	st := healthpb.HealthCheckResponse_SERVING
	if h.Status == fusion.StatusUnhealthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// ============================================================================
// 拦截器
// ============================================================================

func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gRPC handler panic", "method", info.FullMethod, "panic", r)
			err = status.Errorf(codes.Internal, "internal error: %v", r)
		}
	}()
	return handler(ctx, req)
}

// contextInterceptor 注入请求超时、传输类型与 correlation_id
func (s *Server) contextInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, logging.TransportKey, "grpc")

	corrID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-correlation-id"); len(v) > 0 {
			corrID = v[0]
		}
	}
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx = logging.WithCorrelationID(ctx, corrID)

	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.WithContext(ctx).Debug("gRPC request", "method", info.FullMethod, "duration", time.Since(start))
	return resp, err
}

// ============================================================================
// MemoryFusionServer 实现
// ============================================================================

func (s *Server) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	rec, err := s.svc.Get(ctx, req.Key, req.AgentID)
	if err != nil {
		return &GetResponse{Error: err.Error()}, nil
	}
	if rec == nil {
		return &GetResponse{Success: true}, nil
	}
	msg, err := FromRecord(rec)
	if err != nil {
		return &GetResponse{Error: err.Error()}, nil
	}
	return &GetResponse{Success: true, Found: true, Record: msg}, nil
}

func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	rec, err := req.Record.Record()
	if err != nil {
		return &PutResponse{Error: err.Error()}, nil
	}
	res, err := s.svc.Put(ctx, req.Key, rec, req.AgentID)
	if err != nil {
		return &PutResponse{Error: err.Error()}, nil
	}
	return &PutResponse{
		Success:   true,
		Key:       res.Key,
		EventID:   res.EventID,
		EventType: string(res.EventType),
	}, nil
}

func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	ok, err := s.svc.Delete(ctx, req.Key, req.AgentID)
	if err != nil {
		return &DeleteResponse{Error: err.Error()}, nil
	}
	return &DeleteResponse{Success: true, Deleted: ok}, nil
}

func (s *Server) BatchGet(ctx context.Context, req *BatchGetRequest) (*BatchGetResponse, error) {
	recs, err := s.svc.BatchGet(ctx, req.Keys, req.AgentID)
	if err != nil {
		return &BatchGetResponse{Error: err.Error()}, nil
	}
	resp := &BatchGetResponse{Success: true, Records: make(map[string]*RecordMessage, len(recs))}
	for _, key := range req.Keys {
		rec := recs[key]
		if rec == nil {
			resp.Missing = append(resp.Missing, key)
			continue
		}
		msg, err := FromRecord(rec)
		if err != nil {
			resp.Missing = append(resp.Missing, key)
			continue
		}
		resp.Records[key] = msg
	}
	return resp, nil
}

func (s *Server) Exists(ctx context.Context, req *ExistsRequest) (*ExistsResponse, error) {
	ok, err := s.svc.Exists(ctx, req.Key)
	if err != nil {
		return &ExistsResponse{Error: err.Error()}, nil
	}
	return &ExistsResponse{Success: true, Exists: ok}, nil
}

func (s *Server) ListKeys(ctx context.Context, req *ListKeysRequest) (*ListKeysResponse, error) {
	keys, err := s.svc.ListKeys(ctx, req.Prefix, req.Limit)
	if err != nil {
		return &ListKeysResponse{Error: err.Error()}, nil
	}
	return &ListKeysResponse{Success: true, Keys: keys}, nil
}

func (s *Server) GetHealth(ctx context.Context, _ *HealthRequest) (*HealthResponse, error) {
	h := s.svc.HealthStatus(ctx)
	s.syncHealth(h)
	return &HealthResponse{Success: true, Status: h.Status, Health: h}, nil
}

func (s *Server) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	recs, err := s.svc.Search(ctx, req.Query)
	if err != nil {
		return &SearchResponse{Error: err.Error()}, nil
	}
	resp := &SearchResponse{Success: true, Records: make([]*RecordMessage, 0, len(recs))}
	for _, rec := range recs {
		msg, err := FromRecord(rec)
		if err != nil {
			return &SearchResponse{Error: err.Error()}, nil
		}
		resp.Records = append(resp.Records, msg)
	}
	return resp, nil
}
