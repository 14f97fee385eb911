// Package config 统一配置管理
//
// 配置文件格式统一：fusion-hub 与 fusion-admin 共用同一 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. 主机覆盖文件 {hostname}.yaml
//  3. 环境配置文件 {env}.yaml（dev.yaml、test.yaml、prod.yaml）
//  4. 公共配置文件 common.yaml
//  5. 代码硬编码默认值
//
// YAML 中的 ${VAR} 与 ${VAR:default} 在解析前按环境变量替换。
//
// 凭据单一数据源：密码/密钥只从环境变量读取（YAML 中不存储任何密码）。
//
// 配置路径确定策略：
//  1. SetConfigDir（--config 命令行参数）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/memory-fusion-hub/
//     - dev/test → ./configs/
package config

import (
	"time"

	"memory-fusion-hub/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// 存储后端
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongoDB  = "mongodb"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	EventLog    EventLogConfig    `yaml:"event_log"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Fusion      FusionConfig      `yaml:"fusion"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     logging.Config    `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig 传输层端口
type ServerConfig struct {
	Host            string        `yaml:"host"`
	ZMQPort         int           `yaml:"zmq_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	MetricsPort     int           `yaml:"metrics_port"`     // 0 表示不启动 /metrics
	MaxWorkers      int           `yaml:"max_workers"`      // gRPC 并发流上限与 ZMQ 处理并发
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // 传输层为每个请求设置的超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 优雅关闭等待时间
	TLS             TLSConfig     `yaml:"tls"`              // gRPC TLS
}

// TLSConfig gRPC 传输层 TLS
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CertDir      string   `yaml:"cert_dir"`      // ca.pem、server.pem、server-key.pem 所在目录
	Hosts        []string `yaml:"hosts"`         // 自动生成证书时额外的 SAN
	AutoGenerate bool     `yaml:"auto_generate"` // 证书缺失时生成自签名证书
}

// StorageConfig 持久化存储
type StorageConfig struct {
	Backend  string         `yaml:"backend"` // "sqlite", "postgres" 或 "mongodb"
	Timeout  time.Duration  `yaml:"timeout"` // 单次存储操作超时
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
}

// SQLiteConfig 嵌入式单文件存储
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig PostgreSQL 连接
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MongoDBConfig MongoDB 连接
type MongoDBConfig struct {
	URI         string `yaml:"uri"`
	Database    string `yaml:"database"`
	MaxPoolSize uint64 `yaml:"max_pool_size"`
}

// RedisConfig Redis 连接（缓存、事件日志、复制各自一份）
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL，优先于 host/port/db
}

// CacheConfig 缓存
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Redis      RedisConfig   `yaml:"redis"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	KeyPrefix  string        `yaml:"key_prefix"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EventLogConfig 事件日志
//
// 连接独立于缓存配置，默认使用另一个 Redis DB。
type EventLogConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Redis     RedisConfig   `yaml:"redis"`
	Stream    string        `yaml:"stream"`
	MaxLen    int64         `yaml:"max_len"`
	BatchSize int64         `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
	Archive   ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig 压缩前归档到对象存储
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// FusionConfig FusionService 参数
type FusionConfig struct {
	BatchConcurrency int    `yaml:"batch_concurrency"`
	HealthKey        string `yaml:"health_key"`
}

// ResilienceConfig 保护层
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Bulkhead       BulkheadConfig       `yaml:"bulkhead"`
}

// CircuitBreakerConfig 熔断器
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// BulkheadConfig 舱壁（限制并发 Put）
type BulkheadConfig struct {
	Enabled       bool  `yaml:"enabled"`
	MaxConcurrent int64 `yaml:"max_concurrent"`
	MaxQueueSize  int64 `yaml:"max_queue_size"`
}

// ReplicationConfig 跨实例复制
type ReplicationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Topic     string `yaml:"topic"`
	BrokerURL string `yaml:"broker_url"` // redis://host:port/db
}

// TelemetryConfig 指标
type TelemetryConfig struct {
	Namespace string `yaml:"namespace"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	YAMLConfig `yaml:",inline"`

	Env            Environment
	DatabaseURL    string   // 按 Storage.Backend 解析出的连接串（sqlite DSN / postgres URL / mongodb URI）
	CacheURL       string   // 缓存 Redis URL
	EventLogURL    string   // 事件日志 Redis URL
	ConfigFiles    []string // 实际加载的配置文件（按加载顺序）
	ConfigFilePath string   // 最后加载的配置文件
}
