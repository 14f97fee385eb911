package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"memory-fusion-hub/configs"
	"memory-fusion-hub/deployments"
)

func newInitConfigCmd() *cobra.Command {
	var (
		force   bool
		compose bool
	)
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "写出配置模板（默认 ./configs）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "configs"
			if len(args) == 1 {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			entries, err := fs.ReadDir(configs.Templates, ".")
			if err != nil {
				return err
			}
			for _, e := range entries {
				data, err := fs.ReadFile(configs.Templates, e.Name())
				if err != nil {
					return err
				}
				if err := writeTemplate(cmd, filepath.Join(dir, e.Name()), data, force); err != nil {
					return err
				}
			}
			if compose {
				return writeTemplate(cmd, filepath.Join(dir, deployments.DockerComposeInfraName), []byte(deployments.DockerComposeInfra), force)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "覆盖已存在的文件")
	cmd.Flags().BoolVar(&compose, "compose", false, "同时写出基础设施 docker-compose 文件")
	return cmd
}

// writeTemplate 已存在且未指定 --force 时跳过
func writeTemplate(cmd *cobra.Command, path string, data []byte, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(cmd.OutOrStdout(), "skip  %s (exists)\n", path)
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
