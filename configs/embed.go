// Package configs 嵌入配置模板，供 fusion-admin init-config 写出
package configs

import "embed"

// Templates common.yaml 与各环境覆盖文件
//
//go:embed *.yaml
var Templates embed.FS
