package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"memory-fusion-hub/pkg/logging"
)

// ErrInvalid 配置校验失败
var ErrInvalid = errors.New("invalid configuration")

// Load 加载配置
//  1. 加载 .env.{env}（dev/test 凭据）
//  2. 依次合并 common.yaml → {env}.yaml → {hostname}.yaml
//  3. 环境变量覆盖
//  4. 解析连接串并校验
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, files, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}

	cfg := &Config{YAMLConfig: *yamlCfg, Env: env, ConfigFiles: files}
	if len(files) > 0 {
		cfg.ConfigFilePath = files[len(files)-1]
	}

	applyEnvOverrides(cfg)
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad 加载配置，失败时 panic（仅用于 main）
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Defaults 代码硬编码默认值
func Defaults() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			ZMQPort:         5555,
			GRPCPort:        50051,
			MetricsPort:     9090,
			MaxWorkers:      10,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TLS:             TLSConfig{CertDir: "data/certs", AutoGenerate: true},
		},
		Storage: StorageConfig{
			Timeout: 5 * time.Second,
			SQLite:  SQLiteConfig{Path: "data/memory_fusion.db"},
			Postgres: PostgresConfig{
				Host: "localhost", Port: 5432, User: "mfh", Name: "memory_fusion", SSLMode: "disable",
			},
			MongoDB: MongoDBConfig{URI: "mongodb://localhost:27017", Database: "memory_fusion"},
		},
		Cache: CacheConfig{
			Enabled:    true,
			Redis:      RedisConfig{Host: "localhost", Port: 6379, DB: 0},
			DefaultTTL: time.Hour,
			KeyPrefix:  "mfh:",
			Timeout:    2 * time.Second,
		},
		EventLog: EventLogConfig{
			Enabled:   true,
			Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 1},
			Stream:    "memory_events",
			MaxLen:    100000,
			BatchSize: 100,
			Timeout:   2 * time.Second,
			Archive:   ArchiveConfig{Prefix: "event-archive"},
		},
		MinIO: MinIOConfig{Endpoint: "localhost:9000", Bucket: "memory-fusion-hub"},
		Fusion: FusionConfig{
			BatchConcurrency: 16,
			HealthKey:        "__health_check__",
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{Enabled: true, FailureThreshold: 5, ResetTimeout: 30 * time.Second},
			Bulkhead:       BulkheadConfig{Enabled: true, MaxConcurrent: 10, MaxQueueSize: 50},
		},
		Replication: ReplicationConfig{Topic: "memory_fusion.replication"},
		Logging:     logging.Config{Level: "info", Format: "text", Output: "stdout"},
		Telemetry:   TelemetryConfig{Namespace: "mfh"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml → {hostname}.yaml
// 文件不存在时跳过；存在但无法解析时报错。
func loadYAMLConfig(env Environment) (*YAMLConfig, []string, error) {
	cfg := Defaults()

	names := []string{"common.yaml", fmt.Sprintf("%s.yaml", env)}
	if host, err := os.Hostname(); err == nil && host != "" {
		names = append(names, hostFileName(host))
	}

	var loaded []string
	for _, name := range names {
		path := findFile(name)
		if path == "" {
			continue
		}
		if err := mergeFile(cfg, path); err != nil {
			return nil, nil, err
		}
		loaded = append(loaded, path)
	}
	return cfg, loaded, nil
}

// mergeFile 替换环境变量后合并到 cfg（未出现的字段保持原值）
func mergeFile(cfg *YAMLConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// hostFileName 主机覆盖文件名（取短主机名）
func hostFileName(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.ToLower(host) + ".yaml"
}

// findFile 在搜索路径中查找第一个存在的文件
func findFile(name string) string {
	for _, base := range effectiveConfigPaths() {
		p := filepath.Join(base, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// applyEnvOverrides 环境变量覆盖 YAML 配置
func applyEnvOverrides(c *Config) {
	setInt(&c.Server.ZMQPort, "MFH_ZMQ_PORT")
	setInt(&c.Server.GRPCPort, "MFH_GRPC_PORT")
	setInt(&c.Server.MetricsPort, "MFH_METRICS_PORT")
	setInt(&c.Server.MaxWorkers, "MFH_MAX_WORKERS")

	if v := os.Getenv("MFH_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Storage.SQLite.Path = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Storage.MongoDB.URI = v
	}
	c.Storage.Postgres.Password = firstEnv("DB_PASSWORD", "POSTGRES_PASSWORD")

	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.Redis.URL = v
	}
	if v := os.Getenv("EVENTLOG_REDIS_URL"); v != "" {
		c.EventLog.Redis.URL = v
	}
	if v := os.Getenv("MFH_REPLICATION_BROKER_URL"); v != "" {
		c.Replication.BrokerURL = v
	}
	password := os.Getenv("REDIS_PASSWORD")
	c.Cache.Redis.Password = password
	c.EventLog.Redis.Password = password

	c.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	c.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// resolve 确定存储后端、构建连接串并校验
func (c *Config) resolve() error {
	databaseURL := os.Getenv("DATABASE_URL")
	c.Storage.Backend = detectStorageBackend(c.Storage.Backend, databaseURL)

	switch c.Storage.Backend {
	case BackendSQLite:
		c.DatabaseURL = sqliteDSN(c.Storage.SQLite.Path)
	case BackendPostgres:
		c.DatabaseURL = buildPostgresURL(c.Storage.Postgres)
	case BackendMongoDB:
		c.DatabaseURL = c.Storage.MongoDB.URI
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}
	if databaseURL != "" && detectStorageBackend("", databaseURL) == c.Storage.Backend {
		c.DatabaseURL = databaseURL
	}

	c.CacheURL = buildRedisURL(c.Cache.Redis)
	c.EventLogURL = buildRedisURL(c.EventLog.Redis)
	if c.Replication.BrokerURL == "" {
		c.Replication.BrokerURL = c.EventLogURL
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	return c.Validate()
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	var errs []error
	if !validPort(c.Server.ZMQPort) {
		errs = append(errs, fmt.Errorf("server.zmq_port %d out of range", c.Server.ZMQPort))
	}
	if !validPort(c.Server.GRPCPort) {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort))
	}
	if c.Server.ZMQPort == c.Server.GRPCPort {
		errs = append(errs, fmt.Errorf("server.zmq_port and server.grpc_port must differ"))
	}
	if c.Server.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("server.max_workers must be positive"))
	}
	if c.Server.TLS.Enabled && c.Server.TLS.CertDir == "" {
		errs = append(errs, fmt.Errorf("server.tls.cert_dir is required when tls is enabled"))
	}
	if c.Cache.Enabled && c.Cache.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl must be positive"))
	}
	if c.EventLog.Enabled && c.EventLog.Stream == "" {
		errs = append(errs, fmt.Errorf("event_log.stream is required"))
	}
	if c.EventLog.Archive.Enabled && c.MinIO.Endpoint == "" {
		errs = append(errs, fmt.Errorf("event_log.archive requires minio.endpoint"))
	}
	if cb := c.Resilience.CircuitBreaker; cb.Enabled && (cb.FailureThreshold <= 0 || cb.ResetTimeout <= 0) {
		errs = append(errs, fmt.Errorf("resilience.circuit_breaker needs positive failure_threshold and reset_timeout"))
	}
	if bh := c.Resilience.Bulkhead; bh.Enabled && (bh.MaxConcurrent <= 0 || bh.MaxQueueSize < 0) {
		errs = append(errs, fmt.Errorf("resilience.bulkhead needs positive max_concurrent"))
	}
	if c.Replication.Enabled && c.Replication.Topic == "" {
		errs = append(errs, fmt.Errorf("replication.topic is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }
