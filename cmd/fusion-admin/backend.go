package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/shared/eventlog"
)

// ============================================================================
// 直接连接后端的命令
// ============================================================================

// replaySummary replay 输出
type replaySummary struct {
	Keys           int    `json:"keys"`
	Checksum       string `json:"checksum"`
	LatestSequence int64  `json:"latest_sequence"`
}

func newReplayCmd(opts *options) *cobra.Command {
	var (
		since  int64
		key    string
		events bool
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "回放事件日志",
		Long: `回放事件日志并输出重建状态的摘要（key 数量与校验和）。
--events 时逐行输出事件 JSON；--follow 在回放结束后继续输出新事件，直到中断。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inf, err := opts.openBackends()
			if err != nil {
				return err
			}
			defer inf.Close()
			ctx := cmd.Context()

			if events || follow {
				ctx := ctx
				if follow {
					var stop context.CancelFunc
					ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
				}
				return printEvents(ctx, cmd, inf.EventLog, key, since, follow)
			}

			state, err := fusion.ReplayState(ctx, inf.EventLog, since)
			if err != nil {
				return err
			}
			if key != "" {
				filtered := fusion.State{}
				if snap, ok := state[key]; ok {
					filtered[key] = snap
				}
				state = filtered
			}
			latest, err := inf.EventLog.LatestSequence(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, replaySummary{Keys: len(state), Checksum: state.Checksum(), LatestSequence: latest})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "只回放 sequence_number 大于该值的事件")
	cmd.Flags().StringVarP(&key, "key", "k", "", "只回放该 key")
	cmd.Flags().BoolVar(&events, "events", false, "逐行输出事件")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "回放后持续输出新事件（隐含 --events）")
	return cmd
}

// printEvents 逐行输出事件；follow 时从回放结束的位置订阅，中间不留空档
func printEvents(ctx context.Context, cmd *cobra.Command, log eventlog.EventLog, key string, since int64, follow bool) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	cur := log.Replay(ctx, eventlog.ReplayOptions{TargetKey: key, SinceSequence: since})
	for {
		ev, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if !follow {
		return nil
	}

	after := cur.Position()
	if after == "" {
		after = "0-0"
	}
	ch, err := log.Subscribe(ctx, after)
	if err != nil {
		return err
	}
	for ev := range ch {
		if (key != "" && ev.TargetKey != key) || ev.SequenceNumber <= since {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "校验事件回放结果与存储是否一致（不一致时退出码非 0）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inf, err := opts.openBackends()
			if err != nil {
				return err
			}
			defer inf.Close()

			res, err := fusion.VerifyReplay(cmd.Context(), inf.EventLog, inf.Repository)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Consistent {
				return fmt.Errorf("event log and repository differ on %d keys", len(res.Mismatched))
			}
			return nil
		},
	}
}

func newCompactCmd(opts *options) *cobra.Command {
	var keep int64
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "压缩事件日志，只保留最近 --keep 条",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keep < 0 {
				return errors.New("--keep must not be negative")
			}
			inf, err := opts.openBackends()
			if err != nil {
				return err
			}
			defer inf.Close()
			if err := inf.PrepareArchive(cmd.Context()); err != nil {
				return fmt.Errorf("prepare archive: %w", err)
			}

			removed, err := inf.EventLog.CompactLog(cmd.Context(), keep)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"removed": removed, "kept": keep})
		},
	}
	cmd.Flags().Int64Var(&keep, "keep", 10000, "保留的事件条数")
	return cmd
}
