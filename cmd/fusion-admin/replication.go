package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"memory-fusion-hub/internal/shared/infra"
	"memory-fusion-hub/internal/shared/queue"
)

var errReplicationDisabled = errors.New("replication is disabled (replication.enabled=false)")

func newReplicationCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replication",
		Short: "跨实例复制主题",
	}
	cmd.AddCommand(newReplicationTailCmd(opts), newReplicationStatusCmd(opts))
	return cmd
}

// openQueue 打开复制主题
func (o *options) openQueue() (*infra.Infrastructure, queue.Queue, error) {
	inf, err := o.openBackends()
	if err != nil {
		return nil, nil, err
	}
	if inf.Queue == nil {
		inf.Close()
		return nil, nil, errReplicationDisabled
	}
	return inf, inf.Queue, nil
}

func newReplicationTailCmd(opts *options) *cobra.Command {
	var (
		group    string
		consumer string
		count    int64
		block    time.Duration
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "以消费组方式读取复制消息并确认",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inf, q, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer inf.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := q.CreateConsumerGroup(ctx, group); err != nil {
				return err
			}
			if consumer == "" {
				consumer, _ = os.Hostname()
			}
			return tail(ctx, cmd, q, group, consumer, count, block, follow)
		},
	}
	f := cmd.Flags()
	f.StringVar(&group, "group", "fusion-admin", "消费组")
	f.StringVar(&consumer, "consumer", "", "消费者名称，默认主机名")
	f.Int64Var(&count, "count", 100, "每批读取条数")
	f.DurationVar(&block, "block", 2*time.Second, "无消息时阻塞等待时长")
	f.BoolVarP(&follow, "follow", "F", false, "持续读取直到中断")
	return cmd
}

// tail 逐行输出消息；非 follow 模式读到空批次即返回
func tail(ctx context.Context, cmd *cobra.Command, q queue.Consumer, group, consumer string, count int64, block time.Duration, follow bool) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		msgs, err := q.Consume(ctx, group, consumer, count, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(msgs) == 0 {
			if !follow || ctx.Err() != nil {
				return nil
			}
			continue
		}

		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			if err := enc.Encode(m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
		}
		if err := q.Ack(ctx, group, ids...); err != nil {
			return err
		}
	}
}

// replicationStatus 主题状态
type replicationStatus struct {
	Topic   string `json:"topic"`
	Length  int64  `json:"length"`
	Group   string `json:"group"`
	Pending int64  `json:"pending"`
}

func newReplicationStatusCmd(opts *options) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "主题长度与消费组未确认数量",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inf, q, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer inf.Close()

			n, err := q.Length(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := q.Pending(cmd.Context(), group)
			if err != nil {
				return err
			}
			return printJSON(cmd, replicationStatus{Topic: q.Topic(), Length: n, Group: group, Pending: pending})
		},
	}
	cmd.Flags().StringVar(&group, "group", "fusion-admin", "消费组")
	return cmd
}
