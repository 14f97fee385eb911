package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// sqliteDSN SQLite 连接串（":memory:" 原样返回）
func sqliteDSN(path string) string {
	switch {
	case path == "" || path == ":memory:":
		return ":memory:"
	case strings.HasPrefix(path, "file:"):
		return path
	}
	return fmt.Sprintf("file:%s?cache=shared&mode=rwc", path)
}

// buildPostgresURL 构建 PostgreSQL 连接字符串
func buildPostgresURL(db PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Name,
		RawQuery: "sslmode=" + db.SSLMode,
	}
	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else if db.User != "" {
		u.User = url.User(db.User)
	}
	return u.String()
}

// detectStorageBackend 检测存储后端
// 优先级：显式配置 > DATABASE_URL 前缀自动检测 > 默认 sqlite
func detectStorageBackend(configured, databaseURL string) string {
	switch d := strings.ToLower(strings.TrimSpace(configured)); d {
	case BackendSQLite, BackendPostgres, BackendMongoDB:
		return d
	case "postgresql", "pg":
		return BackendPostgres
	case "mongo":
		return BackendMongoDB
	case "":
	default:
		return d
	}

	switch {
	case strings.HasPrefix(databaseURL, "file:"), strings.HasPrefix(databaseURL, "sqlite:"), databaseURL == ":memory:":
		return BackendSQLite
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return BackendPostgres
	case strings.HasPrefix(databaseURL, "mongodb://"), strings.HasPrefix(databaseURL, "mongodb+srv://"):
		return BackendMongoDB
	}
	return BackendSQLite
}

// buildRedisURL 构建 Redis 连接字符串
// URL 字段非空时直接使用；否则从 host/port/db/password 构建
func buildRedisURL(redis RedisConfig) string {
	if redis.URL != "" {
		return redis.URL
	}
	if redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", url.QueryEscape(redis.Password), redis.Host, redis.Port, redis.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

var passwordPattern = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

// maskPassword 隐藏密码
func maskPassword(u string) string {
	return passwordPattern.ReplaceAllString(u, "${1}***${3}")
}

// parseEnv 解析环境字符串
func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

// firstEnv 返回第一个非空的环境变量值（兼容多种 Docker Compose 变量名）
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnv 获取环境变量，支持默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Backend: %s, DB: %s, Cache: %s, EventLog: %s, ZMQ: %d, gRPC: %d}",
		c.Env, c.Storage.Backend, maskPassword(c.DatabaseURL), maskPassword(c.CacheURL),
		maskPassword(c.EventLogURL), c.Server.ZMQPort, c.Server.GRPCPort)
}
