package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
	"memory-fusion-hub/internal/tlsutil"
	"memory-fusion-hub/internal/transport/grpcserver"
	"memory-fusion-hub/internal/transport/zmqserver"
)

// remote 两种协议客户端的公共部分
type remote interface {
	Get(ctx context.Context, key, agentID string) (model.Record, error)
	Store(ctx context.Context, key string, item json.RawMessage, agentID string) (*stored, error)
	Search(ctx context.Context, q storage.SearchQuery) ([]model.Record, error)
	Health(ctx context.Context) (*fusion.HealthStatus, error)
	Close() error
}

// stored 写入结果
type stored struct {
	Key       string `json:"key"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

type zmqRemote struct{ *zmqserver.Client }

func (r zmqRemote) Store(ctx context.Context, key string, item json.RawMessage, agentID string) (*stored, error) {
	res, err := r.PutRaw(ctx, key, item, agentID)
	if err != nil {
		return nil, err
	}
	return &stored{Key: res.Key, EventID: res.EventID, EventType: string(res.EventType)}, nil
}

type grpcRemote struct{ *grpcserver.Client }

// Store 记录类型在本地按字段形状确定
func (r grpcRemote) Store(ctx context.Context, key string, item json.RawMessage, agentID string) (*stored, error) {
	rec, err := model.DetectRecord(item)
	if err != nil {
		return nil, err
	}
	res, err := r.Put(ctx, key, rec, agentID)
	if err != nil {
		return nil, err
	}
	return &stored{Key: res.Key, EventID: res.EventID, EventType: res.EventType}, nil
}

// dial 按协议连接服务；未指定 --addr 时从配置读取本机端口
func (o *options) dial() (remote, error) {
	addr := o.addr
	switch o.protocol {
	case protocolZMQ:
		if addr == "" {
			cfg, err := o.loadConfig()
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.ZMQPort))
		}
		if !strings.Contains(addr, "://") {
			addr = "tcp://" + addr
		}
		return zmqRemote{zmqserver.NewClient(addr, o.timeout)}, nil

	case protocolGRPC:
		if addr == "" {
			cfg, err := o.loadConfig()
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.GRPCPort))
		}
		if o.caFile == "" {
			c, err := grpcserver.Dial(addr)
			if err != nil {
				return nil, err
			}
			return grpcRemote{c}, nil
		}
		tlsCfg, err := tlsutil.ClientConfig(o.caFile)
		if err != nil {
			return nil, err
		}
		c, err := grpcserver.DialTLS(addr, tlsCfg)
		if err != nil {
			return nil, err
		}
		return grpcRemote{c}, nil
	}
	return nil, fmt.Errorf("unknown protocol %q (want zmq or grpc)", o.protocol)
}

// withRemote 连接服务并在超时内执行 fn
func (o *options) withRemote(ctx context.Context, fn func(ctx context.Context, r remote) error) error {
	r, err := o.dial()
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(ctx, r)
}
