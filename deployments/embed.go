// Package deployments 嵌入部署相关文件到二进制
//
// 包含：
//   - docker-compose.infra.yml: Redis / PostgreSQL / MongoDB / MinIO 本地基础设施
package deployments

import (
	_ "embed"
)

// DockerComposeInfraName 写出时使用的文件名
const DockerComposeInfraName = "docker-compose.infra.yml"

// DockerComposeInfra 基础设施 Docker Compose 模板（fusion-admin init-config --compose 使用）
//
//go:embed docker-compose.infra.yml
var DockerComposeInfra string
