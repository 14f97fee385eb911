package fusion

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"memory-fusion-hub/internal/shared/model"
)

// BatchGet 并发读取多个 key
//
// 每个 key 独立走 Get 流程；单个 key 的失败只记录日志并返回 nil，
// 不会让整个批量失败。重复 key 只读取一次。
func (s *FusionService) BatchGet(ctx context.Context, keys []string, agentID string) (out map[string]model.Record, err error) {
	done := s.metrics.Begin("batch_get")
	defer func() { done(err) }()
	s.metrics.ObserveBatch(len(keys))

	out = make(map[string]model.Record, len(keys))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.batchConcurrency)

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		key := key
		g.Go(func() error {
			rec, gerr := s.Get(ctx, key, agentID)
			if gerr != nil {
				s.logger.WithContext(ctx).WithKey(key).Warn("Batch item failed", "error", gerr)
				rec = nil
			}
			mu.Lock()
			out[key] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
