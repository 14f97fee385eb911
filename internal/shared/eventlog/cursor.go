package eventlog

import (
	"context"
	"io"

	"memory-fusion-hub/internal/shared/model"
)

// Entry 带流 ID 的事件
type Entry struct {
	ID    string
	Event *model.MemoryEvent
}

// FetchFunc 读取 after 之后（不含）最多 count 条事件，after 为空表示从头
type FetchFunc func(ctx context.Context, after string, count int64) ([]Entry, error)

// Cursor 惰性、有序、有限的事件游标
//
// 按批向后端读取；可以用 Position() 记录位置，之后以 ReplayOptions.After 续读。
type Cursor struct {
	fetch FetchFunc
	opts  ReplayOptions
	pos   string
	buf   []Entry
	done  bool
	err   error
}

// NewCursor 创建游标
func NewCursor(fetch FetchFunc, opts ReplayOptions) *Cursor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Cursor{fetch: fetch, opts: opts, pos: opts.After}
}

// Next 返回下一条事件，结束时返回 io.EOF
func (c *Cursor) Next(ctx context.Context) (*model.MemoryEvent, error) {
	for {
		if c.err != nil {
			return nil, c.err
		}
		for len(c.buf) > 0 {
			e := c.buf[0]
			c.buf = c.buf[1:]
			c.pos = e.ID
			if c.match(e.Event) {
				return e.Event, nil
			}
		}
		if c.done {
			return nil, io.EOF
		}

		batch, err := c.fetch(ctx, c.pos, c.opts.BatchSize)
		if err != nil {
			c.err = err
			return nil, err
		}
		if int64(len(batch)) < c.opts.BatchSize {
			c.done = true
		}
		c.buf = batch
	}
}

func (c *Cursor) match(ev *model.MemoryEvent) bool {
	if c.opts.TargetKey != "" && ev.TargetKey != c.opts.TargetKey {
		return false
	}
	return ev.SequenceNumber > c.opts.SinceSequence
}

// Position 最后消费的流 ID
func (c *Cursor) Position() string {
	return c.pos
}

// Collect 读完游标中所有事件
func Collect(ctx context.Context, c *Cursor) ([]*model.MemoryEvent, error) {
	out := []*model.MemoryEvent{}
	for {
		ev, err := c.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// emptyFetch 降级模式下的空读取
func emptyFetch(context.Context, string, int64) ([]Entry, error) { return nil, nil }

// EmptyCursor 不产生任何事件的游标
func EmptyCursor() *Cursor {
	return NewCursor(emptyFetch, ReplayOptions{})
}
