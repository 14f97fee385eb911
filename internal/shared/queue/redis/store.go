// Package redis Redis Streams 复制队列
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/queue"
	"memory-fusion-hub/internal/shared/resource"
	"memory-fusion-hub/pkg/logging"
)

// Options 队列参数
type Options struct {
	URL    string
	Topic  string
	MaxLen int64
}

// Store Redis Streams 队列
type Store struct {
	conn   *resource.Handle[*redis.Client]
	topic  string
	maxLen int64
	logger *logging.Logger
}

var _ queue.Queue = (*Store)(nil)

// NewStore 从 URL 创建队列（延迟连接）
func NewStore(opts Options, logger *logging.Logger) (*Store, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	s := newStore(opts, logger)
	s.conn = resource.NewHandle("redis-queue", func(ctx context.Context) (*redis.Client, error) {
		client := redis.NewClient(redisOpts)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		s.logger.Info("[Redis/Queue] Connected", "addr", redisOpts.Addr, "topic", s.topic)
		return client, nil
	})
	return s, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建队列
func NewStoreFromClient(client *redis.Client, opts Options, logger *logging.Logger) *Store {
	s := newStore(opts, logger)
	s.conn = resource.Ready("redis-queue", client)
	return s
}

func newStore(opts Options, logger *logging.Logger) *Store {
	if opts.Topic == "" {
		opts.Topic = queue.DefaultTopic
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = queue.DefaultMaxLen
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{topic: opts.Topic, maxLen: opts.MaxLen, logger: logger.Component("queue")}
}

func (s *Store) client(ctx context.Context) (*redis.Client, error) {
	c, err := s.conn.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Topic 主题名
func (s *Store) Topic() string { return s.topic }

// Publish 追加复制消息
func (s *Store) Publish(ctx context.Context, msg *queue.Message) (string, error) {
	c, err := s.client(ctx)
	if err != nil {
		return "", err
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := &redis.XAddArgs{
		Stream: s.topic,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			queue.FieldEventType: string(msg.EventType),
			queue.FieldKey:       msg.Key,
			queue.FieldPayload:   string(msg.Payload),
			queue.FieldOrigin:    msg.Origin,
			queue.FieldCreatedAt: createdAt.Format(time.RFC3339Nano),
		},
	}
	id, err := c.XAdd(ctx, args).Result()
	if err != nil {
		s.conn.MarkDegraded(err)
		return "", err
	}
	s.conn.MarkHealthy()
	return id, nil
}

// CreateConsumerGroup 创建消费者组
func (s *Store) CreateConsumerGroup(ctx context.Context, group string) error {
	c, err := s.client(ctx)
	if err != nil {
		return err
	}
	err = c.XGroupCreateMkStream(ctx, s.topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume 消费主题中的复制消息
func (s *Store) Consume(ctx context.Context, group, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.Message, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	streams, err := c.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerID,
		Streams:  []string{s.topic, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var messages []*queue.Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, decodeMessage(msg))
		}
	}
	return messages, nil
}

func decodeMessage(msg redis.XMessage) *queue.Message {
	m := &queue.Message{ID: msg.ID}
	if v, ok := msg.Values[queue.FieldEventType].(string); ok {
		m.EventType = model.EventType(v)
	}
	if v, ok := msg.Values[queue.FieldKey].(string); ok {
		m.Key = v
	}
	if v, ok := msg.Values[queue.FieldPayload].(string); ok && v != "" {
		m.Payload = []byte(v)
	}
	if v, ok := msg.Values[queue.FieldOrigin].(string); ok {
		m.Origin = v
	}
	if v, ok := msg.Values[queue.FieldCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.CreatedAt = t
		}
	}
	return m
}

// Ack 确认消息已处理
func (s *Store) Ack(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	c, err := s.client(ctx)
	if err != nil {
		return err
	}
	return c.XAck(ctx, s.topic, group, messageIDs...).Err()
}

// Length 主题长度
func (s *Store) Length(ctx context.Context) (int64, error) {
	c, err := s.client(ctx)
	if err != nil {
		return 0, err
	}
	return c.XLen(ctx, s.topic).Result()
}

// Pending 获取未确认消息数量
func (s *Store) Pending(ctx context.Context, group string) (int64, error) {
	c, err := s.client(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := c.XPending(ctx, s.topic, group).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.conn.Close(func(c *redis.Client) error { return c.Close() })
}
