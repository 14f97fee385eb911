package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/model"
	"memory-fusion-hub/internal/shared/storage"
)

// ============================================================================
// 通过协议访问服务的命令
// ============================================================================

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "查询服务健康状态（unhealthy 时退出码非 0）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRemote(cmd.Context(), func(ctx context.Context, r remote) error {
				h, err := r.Health(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, h); err != nil {
					return err
				}
				if h.Status == fusion.StatusUnhealthy {
					return fmt.Errorf("service is %s", h.Status)
				}
				return nil
			})
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "读取一条记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRemote(cmd.Context(), func(ctx context.Context, r remote) error {
				rec, err := r.Get(ctx, args[0], opts.agentID)
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("key %q not found", args[0])
				}
				return printJSON(cmd, rec)
			})
		},
	}
}

func newPutCmd(opts *options) *cobra.Command {
	var (
		key  string
		data string
		file string
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "写入一条记录（类型按 JSON 字段确定）",
		Long: `写入一条记录。记录内容通过 --data 或 --file 提供（--file - 读取标准输入）。
含 session_id 的对象写为会话，含 knowledge_id 的对象写为知识三元组，其它写为记忆条目；
会话与知识记录可省略 --key。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := readItem(cmd, data, file)
			if err != nil {
				return err
			}
			return opts.withRemote(cmd.Context(), func(ctx context.Context, r remote) error {
				res, err := r.Store(ctx, key, item, opts.agentID)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "记录 key")
	cmd.Flags().StringVarP(&data, "data", "d", "", "记录 JSON")
	cmd.Flags().StringVarP(&file, "file", "f", "", "从文件读取记录 JSON（- 表示标准输入）")
	return cmd
}

// readItem 读取并校验记录 JSON
func readItem(cmd *cobra.Command, data, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case data != "" && file != "":
		return nil, errors.New("--data and --file are mutually exclusive")
	case data != "":
		raw = []byte(data)
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, errors.New("one of --data or --file is required")
	}
	if !json.Valid(raw) {
		return nil, errors.New("record is not valid JSON")
	}
	return raw, nil
}

func newSearchCmd(opts *options) *cobra.Command {
	var (
		q    storage.SearchQuery
		kind string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "按元数据过滤记录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.Kind = model.Kind(kind)
			return opts.withRemote(cmd.Context(), func(ctx context.Context, r remote) error {
				recs, err := r.Search(ctx, q)
				if err != nil {
					return err
				}
				return printJSON(cmd, recs)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "记录类型：memory_item、session_data、knowledge_record")
	f.StringVar(&q.MemoryType, "memory-type", "", "记忆类型")
	f.StringSliceVar(&q.Tags, "tag", nil, "必须包含的标签（可重复）")
	f.StringVar(&q.SessionID, "session", "", "会话 ID")
	f.StringVar(&q.UserID, "user", "", "用户 ID")
	f.Float64Var(&q.MinRelevance, "min-relevance", 0, "最低相关度")
	f.StringVar(&q.Subject, "subject", "", "知识主语")
	f.StringVar(&q.Predicate, "predicate", "", "知识谓语")
	f.StringVar(&q.Domain, "domain", "", "知识领域")
	f.IntVar(&q.Limit, "limit", 50, "最多返回条数")
	return cmd
}
