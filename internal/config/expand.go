package config

import (
	"os"
	"regexp"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv 替换 ${VAR} 与 ${VAR:default}
//
// 变量未设置或为空时使用默认值；没有默认值时替换为空串。
// 其它形式的 $ 保持原样（YAML 中的密码、正则等不受影响）。
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}
