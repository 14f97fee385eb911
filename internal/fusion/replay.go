package fusion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"

	"memory-fusion-hub/internal/shared/eventlog"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// State key → 信封编码的记录快照
type State map[string]json.RawMessage

// ReplayState 从事件日志重建状态
//
// 依次应用 sequence_number > sinceSequence 的事件：CREATE/UPDATE 写入快照，
// DELETE 删除，READ 忽略。
func ReplayState(ctx context.Context, log eventlog.EventLog, sinceSequence int64) (State, error) {
	state := State{}
	cur := log.Replay(ctx, eventlog.ReplayOptions{SinceSequence: sinceSequence})
	for {
		ev, err := cur.Next(ctx)
		if err == io.EOF {
			return state, nil
		}
		if err != nil {
			return nil, err
		}
		switch ev.EventType {
		case model.EventCreate, model.EventUpdate:
			state[ev.TargetKey] = ev.Payload
		case model.EventDelete:
			delete(state, ev.TargetKey)
		}
	}
}

// RepositoryState 读取存储中的全部记录
func RepositoryState(ctx context.Context, repo storage.Repository) (State, error) {
	keys, err := repo.ListKeys(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	state := make(State, len(keys))
	for _, k := range keys {
		rec, err := repo.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		b, err := model.Encode(rec)
		if err != nil {
			return nil, err
		}
		state[k] = b
	}
	return state, nil
}

// Checksum 状态的 sha256（key 有序，快照先规范化）
func (st State) Checksum() string {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(canonical(st[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonical 解码后重新编码，消除字段顺序与数字格式差异
func canonical(b []byte) []byte {
	rec, err := model.Decode(b)
	if err != nil {
		return b
	}
	out, err := model.Encode(rec)
	if err != nil {
		return b
	}
	return out
}

// Diff 返回两个状态中不一致的 key（有序）
func (st State) Diff(other State) []string {
	var out []string
	for k, v := range st {
		ov, ok := other[k]
		if !ok || string(canonical(v)) != string(canonical(ov)) {
			out = append(out, k)
		}
	}
	for k := range other {
		if _, ok := st[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// VerifyReplay 比较事件回放结果与存储当前状态
func VerifyReplay(ctx context.Context, log eventlog.EventLog, repo storage.Repository) (*VerifyResult, error) {
	replayed, err := ReplayState(ctx, log, 0)
	if err != nil {
		return nil, err
	}
	stored, err := RepositoryState(ctx, repo)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{
		ReplayChecksum:     replayed.Checksum(),
		RepositoryChecksum: stored.Checksum(),
		ReplayedKeys:       len(replayed),
		StoredKeys:         len(stored),
		Mismatched:         replayed.Diff(stored),
	}
	res.Consistent = res.ReplayChecksum == res.RepositoryChecksum
	return res, nil
}

// VerifyResult 一致性校验结果
type VerifyResult struct {
	Consistent         bool     `json:"consistent"`
	ReplayChecksum     string   `json:"replay_checksum"`
	RepositoryChecksum string   `json:"repository_checksum"`
	ReplayedKeys       int      `json:"replayed_keys"`
	StoredKeys         int      `json:"stored_keys"`
	Mismatched         []string `json:"mismatched,omitempty"`
}
