package zmqserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/pkg/logging"
)

// Options 服务端参数
type Options struct {
	Endpoint       string        // 如 tcp://0.0.0.0:5555
	RequestTimeout time.Duration // 单个请求超时，0 不限制
}

// Endpoint 由主机与端口构造 tcp 端点
func Endpoint(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// Server ZMQ REP 服务端
//
// REP socket 严格一问一答，请求在接收循环内顺序处理。
type Server struct {
	handler *Handler
	opts    Options
	logger  *logging.Logger

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// NewServer 创建 ZMQ 服务端
func NewServer(svc fusion.Service, opts Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		handler: NewHandler(svc, logger),
		opts:    opts,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready 开始监听后关闭
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr 实际监听地址，监听前为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe 监听并处理请求，ctx 取消后返回 nil
func (s *Server) ListenAndServe(ctx context.Context) error {
	sock := zmq4.NewRep(ctx)
	defer sock.Close()

	if err := sock.Listen(s.opts.Endpoint); err != nil {
		return fmt.Errorf("zmq listen %s: %w", s.opts.Endpoint, err)
	}
	s.mu.Lock()
	s.addr = sock.Addr()
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("ZMQ server listening", "endpoint", s.opts.Endpoint)

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("zmq recv: %w", err)
		}

		reply := s.serve(ctx, msg.Bytes())
		if err := sock.Send(zmq4.NewMsg(reply)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("zmq send: %w", err)
		}
	}
}

func (s *Server) serve(ctx context.Context, raw []byte) []byte {
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	return s.handler.Handle(ctx, raw)
}
