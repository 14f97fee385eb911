// Package main Memory Fusion Hub 运维命令行
//
// 两类命令：
//   - 通过协议访问运行中的服务：health、get、put、search
//   - 直接连接后端：replay、verify、compact、replication tail
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
