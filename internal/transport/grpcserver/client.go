package grpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// RemoteError 服务端返回 success=false
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// IsRemote 错误是否来自服务端业务失败
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Client MemoryFusionService 客户端
type Client struct {
	cc    grpc.ClientConnInterface
	close func() error
}

// Dial 创建到 target 的连接（如 "localhost:50051"）
//
// 默认明文、protobuf 编码；opts 中的 grpc.WithTransportCredentials 覆盖默认值，
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)) 改用 JSON。
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &Client{cc: conn, close: conn.Close}, nil
}

// DialTLS 以 cfg 校验服务端证书
func DialTLS(target string, cfg *tls.Config, opts ...grpc.DialOption) (*Client, error) {
	return Dial(target, append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))...)
}

// NewClient 使用已有连接（不负责关闭）
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, close: func() error { return nil }}
}

// Close 关闭连接
func (c *Client) Close() error { return c.close() }

// Conn 底层连接，可用于标准健康检查等其它服务
func (c *Client) Conn() grpc.ClientConnInterface { return c.cc }

func (c *Client) invoke(ctx context.Context, method string, in, out wireMessage) error {
	req, err := encode(in)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	resp := newWire(out.protoName())
	if err := c.cc.Invoke(ctx, FullMethod(method), req, resp.message()); err != nil {
		return err
	}
	if err := out.unmarshalWire(resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}

func remote(method string, success bool, msg string) error {
	if success {
		return nil
	}
	return &RemoteError{Method: method, Message: msg}
}

// Get 读取记录，不存在返回 (nil, nil)
func (c *Client) Get(ctx context.Context, key, agentID string) (model.Record, error) {
	out := new(GetResponse)
	if err := c.invoke(ctx, "Get", &GetRequest{Key: key, AgentID: agentID}, out); err != nil {
		return nil, err
	}
	if err := remote("Get", out.Success, out.Error); err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, nil
	}
	return out.Record.Record()
}

// Put 写入记录
func (c *Client) Put(ctx context.Context, key string, rec model.Record, agentID string) (*PutResponse, error) {
	msg, err := FromRecord(rec)
	if err != nil {
		return nil, err
	}
	out := new(PutResponse)
	if err := c.invoke(ctx, "Put", &PutRequest{Key: key, Record: msg, AgentID: agentID}, out); err != nil {
		return nil, err
	}
	return out, remote("Put", out.Success, out.Error)
}

// Delete 删除记录
func (c *Client) Delete(ctx context.Context, key, agentID string) (bool, error) {
	out := new(DeleteResponse)
	if err := c.invoke(ctx, "Delete", &DeleteRequest{Key: key, AgentID: agentID}, out); err != nil {
		return false, err
	}
	return out.Deleted, remote("Delete", out.Success, out.Error)
}

// BatchGet 批量读取
func (c *Client) BatchGet(ctx context.Context, keys []string, agentID string) (map[string]model.Record, error) {
	out := new(BatchGetResponse)
	if err := c.invoke(ctx, "BatchGet", &BatchGetRequest{Keys: keys, AgentID: agentID}, out); err != nil {
		return nil, err
	}
	if err := remote("BatchGet", out.Success, out.Error); err != nil {
		return nil, err
	}
	recs := make(map[string]model.Record, len(keys))
	for _, key := range keys {
		recs[key] = nil
	}
	for key, msg := range out.Records {
		rec, err := msg.Record()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		recs[key] = rec
	}
	return recs, nil
}

// Exists 判断记录是否存在
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	out := new(ExistsResponse)
	if err := c.invoke(ctx, "Exists", &ExistsRequest{Key: key}, out); err != nil {
		return false, err
	}
	return out.Exists, remote("Exists", out.Success, out.Error)
}

// ListKeys 按前缀列出 key
func (c *Client) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	out := new(ListKeysResponse)
	if err := c.invoke(ctx, "ListKeys", &ListKeysRequest{Prefix: prefix, Limit: limit}, out); err != nil {
		return nil, err
	}
	return out.Keys, remote("ListKeys", out.Success, out.Error)
}

// Health 服务健康状态
func (c *Client) Health(ctx context.Context) (*fusion.HealthStatus, error) {
	out := new(HealthResponse)
	if err := c.invoke(ctx, "GetHealth", &HealthRequest{}, out); err != nil {
		return nil, err
	}
	return out.Health, remote("GetHealth", out.Success, out.Error)
}

// Search 按元数据过滤
func (c *Client) Search(ctx context.Context, q storage.SearchQuery) ([]model.Record, error) {
	out := new(SearchResponse)
	if err := c.invoke(ctx, "Search", &SearchRequest{Query: q}, out); err != nil {
		return nil, err
	}
	if err := remote("Search", out.Success, out.Error); err != nil {
		return nil, err
	}
	recs := make([]model.Record, 0, len(out.Records))
	for _, msg := range out.Records {
		rec, err := msg.Record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
