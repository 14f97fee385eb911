// Package api 嵌入 gRPC 接口定义，供客户端生成代码与一致性测试使用
package api

import _ "embed"

// ProtoName 接口定义文件名
const ProtoName = "memory_fusion.proto"

// Proto memory_fusion.proto 原文
//
//go:embed memory_fusion.proto
var Proto string
