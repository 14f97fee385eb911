package zmqserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// DefaultTimeout 客户端单次请求默认超时
const DefaultTimeout = 10 * time.Second

// Client ZMQ REQ 客户端
//
// REQ socket 必须一问一答，调用串行执行；超时后丢弃旧 socket，下次调用重新连接。
type Client struct {
	endpoint string
	timeout  time.Duration

	mu     sync.Mutex
	sock   zmq4.Socket
	cancel context.CancelFunc
}

// NewClient 创建客户端，连接在首次调用时建立
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{endpoint: endpoint, timeout: timeout}
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

func (c *Client) reset() error {
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.cancel()
	c.sock, c.cancel = nil, nil
	return err
}

func (c *Client) connect() error {
	if c.sock != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(c.endpoint); err != nil {
		sock.Close()
		cancel()
		return fmt.Errorf("zmq dial %s: %w", c.endpoint, err)
	}
	c.sock, c.cancel = sock, cancel
	return nil
}

// Call 发送请求并等待响应；响应 success=false 时不返回错误
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	if err := c.sock.Send(zmq4.NewMsg(raw)); err != nil {
		c.reset()
		return nil, fmt.Errorf("zmq send: %w", err)
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	ch := make(chan result, 1)
	sock := c.sock
	go func() {
		msg, err := sock.Recv()
		ch <- result{msg, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			c.reset()
			return nil, fmt.Errorf("zmq recv: %w", r.err)
		}
		var resp Response
		if err := json.Unmarshal(r.msg.Bytes(), &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &resp, nil
	case <-ctx.Done():
		c.reset()
		return nil, ctx.Err()
	case <-timer.C:
		c.reset()
		return nil, fmt.Errorf("zmq request %s: %w", req.Action, context.DeadlineExceeded)
	}
}

// Do 调用并把 success=false 转为错误，result 解码到 out（可为 nil）
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	resp, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Err())
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Ping 连通性检查
func (c *Client) Ping(ctx context.Context) error {
	return c.Do(ctx, &Request{Action: ActionPing}, nil)
}

// Get 读取记录，不存在返回 (nil, nil)
func (c *Client) Get(ctx context.Context, key, agentID string) (model.Record, error) {
	var res GetResult
	if err := c.Do(ctx, &Request{Action: ActionGet, Key: key, AgentID: agentID}, &res); err != nil {
		return nil, err
	}
	if !res.Found || res.Item == nil {
		return nil, nil
	}
	return res.Item.Decode()
}

// Put 写入记录
func (c *Client) Put(ctx context.Context, key string, rec model.Record, agentID string) (*PutResult, error) {
	item, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return c.PutRaw(ctx, key, item, agentID)
}

// PutRaw 写入原始 JSON 对象，记录类型由字段形状确定
func (c *Client) PutRaw(ctx context.Context, key string, item json.RawMessage, agentID string) (*PutResult, error) {
	var res PutResult
	if err := c.Do(ctx, &Request{Action: ActionPut, Key: key, Item: item, AgentID: agentID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Delete 删除记录
func (c *Client) Delete(ctx context.Context, key, agentID string) (bool, error) {
	var res DeleteResult
	err := c.Do(ctx, &Request{Action: ActionDelete, Key: key, AgentID: agentID}, &res)
	return res.Deleted, err
}

// Health 服务健康状态
func (c *Client) Health(ctx context.Context) (*fusion.HealthStatus, error) {
	var h fusion.HealthStatus
	if err := c.Do(ctx, &Request{Action: ActionHealth}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Search 按元数据过滤
func (c *Client) Search(ctx context.Context, q storage.SearchQuery) ([]model.Record, error) {
	var res SearchResult
	if err := c.Do(ctx, &Request{Action: ActionSearch, Query: &q}, &res); err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(res.Items))
	for _, item := range res.Items {
		rec, err := item.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
