package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"memory-fusion-hub/internal/config"
	"memory-fusion-hub/internal/shared/infra"
	"memory-fusion-hub/pkg/logging"
)

// 协议
const (
	protocolZMQ  = "zmq"
	protocolGRPC = "grpc"
)

// options 全局参数
type options struct {
	configDir string
	protocol  string
	addr      string
	timeout   time.Duration
	agentID   string
	caFile    string
}

// openInfra 直接连接后端（测试中替换为进程内实现）
var openInfra = func(cfg *config.Config, logger *logging.Logger) (*infra.Infrastructure, error) {
	return infra.New(cfg, logger)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "fusion-admin",
		Short:         "Memory Fusion Hub 运维工具",
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configDir, "config", "c", "", "配置文件目录（或 YAML 文件路径）")
	pf.StringVarP(&opts.protocol, "protocol", "p", protocolZMQ, "访问服务使用的协议：zmq 或 grpc")
	pf.StringVar(&opts.addr, "addr", "", "服务地址，默认按配置端口连接本机")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "单次请求超时")
	pf.StringVar(&opts.agentID, "agent", "fusion-admin", "写入事件的 agent_id")
	pf.StringVar(&opts.caFile, "ca", "", "gRPC TLS 的 CA 证书（指定后使用 TLS 连接）")

	root.AddCommand(
		newHealthCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newSearchCmd(opts),
		newReplayCmd(opts),
		newVerifyCmd(opts),
		newCompactCmd(opts),
		newReplicationCmd(opts),
		newInitConfigCmd(),
	)
	return root
}

// loadConfig 与 fusion-hub 相同的配置解析
func (o *options) loadConfig() (*config.Config, error) {
	if o.configDir != "" {
		dir := o.configDir
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openBackends 加载配置并直接连接后端
func (o *options) openBackends() (*infra.Infrastructure, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Logging
	logCfg.Component = "fusion-admin"
	logCfg.Output = "stderr"
	return openInfra(cfg, logging.New(logCfg))
}

// printJSON 缩进输出
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
