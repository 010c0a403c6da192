package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// IngestConfig 定义导入流水线的运行参数
type IngestConfig struct {
	OutputDir             string        // CAS 附件、索引、台账和统计文件的根目录
	MaxAttachmentSize     int64         // 单个附件最大字节数，0 表示不限制
	BatchSize             int           // 每个关系库事务包含的单元数
	Workers               int           // 并行处理单元的协程数
	AttachmentConcurrency int           // 单个单元内并行写入 CAS 的附件数
	UnitTimeout           time.Duration // 单个单元处理的超时时间
	Force                 bool          // 忽略台账，重新处理全部输入
	Verbose               bool          // 输出详细日志
	LedgerFile            string        // 台账文件路径（相对 OutputDir）
	StatsFile             string        // 运行统计文件路径（相对 OutputDir）
}

// MatchConfig 定义记录关联的匹配策略
type MatchConfig struct {
	Window              time.Duration // 发送时间对称容差窗口，默认 ±12 小时
	SubjectPrefixes     []string      // 需要剥离的回复/转发前缀
	MaxCandidates       int           // 候选数超过该值时视为无法关联，0 表示不限制
	MaxLookupsPerSecond float64       // 关联查询限速，0 表示不限速
	CacheSize           int           // 本地关联缓存条目上限
	CacheTTL            time.Duration // 缓存过期时间，0 表示永不过期
}

// DatabaseConfig 定义关系库连接配置（支持 PostgreSQL 和 MySQL）
type DatabaseConfig struct {
	Type               string        // 数据库类型: "postgres"、"mysql" 或 "memory"（内存存储，不持久化）
	DSN                string        // 数据库连接字符串
	Driver             string        // PostgreSQL 驱动: "pgx"（默认，支持慢查询追踪）或 "pq"
	MaxOpenConns       int           // 最大打开连接数，默认 25
	MaxIdleConns       int           // 最大空闲连接数，默认 5
	ConnMaxLifetime    time.Duration // 连接最大生命周期，默认 5 分钟
	QueryTimeout       time.Duration // 单次查询/写入超时，默认 30 秒
	SlowQueryThreshold time.Duration // 慢查询告警阈值，默认 200 毫秒
}

// RedisConfig 定义 Redis 缓存配置，Address 为空时使用本地缓存
type RedisConfig struct {
	Address   string        // Redis 服务地址，格式 "host:port"
	Password  string        // Redis 认证密码，留空表示无密码
	DB        int           // Redis 数据库编号，默认 0
	KeyPrefix string        // 键前缀，默认 "enron:"
	TTL       time.Duration // 缓存条目过期时间，0 表示不过期
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 控制台格式输出
	File        string // 日志文件路径，为空时只输出到标准输出
}

// MetricsConfig 定义指标与健康检查端点配置
type MetricsConfig struct {
	Address string // 监听地址，例如 ":9090"，为空表示不启用
}

// Config 是系统配置的根结构体
type Config struct {
	Ingest   IngestConfig
	Match    MatchConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// LedgerPath 返回台账文件的完整路径
func (c *Config) LedgerPath() string {
	return resolve(c.Ingest.OutputDir, c.Ingest.LedgerFile)
}

// StatsPath 返回运行统计文件的完整路径
func (c *Config) StatsPath() string {
	return resolve(c.Ingest.OutputDir, c.Ingest.StatsFile)
}

// AttachmentsDir 返回 CAS 附件根目录
func (c *Config) AttachmentsDir() string {
	return filepath.Join(c.Ingest.OutputDir, "attachments")
}

// ExportDir 返回未关联邮件导出文件所在目录
func (c *Config) ExportDir() string {
	return filepath.Join(c.Ingest.OutputDir, "unlinked")
}

// Persistent 关系库写入是否会持久化
func (c *DatabaseConfig) Persistent() bool {
	return c.Type == "postgres" || c.Type == "mysql"
}

// IndexDir 返回 CAS 摘要索引目录
func (c *Config) IndexDir() string {
	return filepath.Join(c.Ingest.OutputDir, "index")
}

// flagKeys 命令行参数名到配置键的映射
var flagKeys = map[string]string{
	"output":              "ingest.output_dir",
	"max-attachment-size": "ingest.max_attachment_size",
	"batch-size":          "ingest.batch_size",
	"workers":             "ingest.workers",
	"force":               "ingest.force",
	"verbose":             "ingest.verbose",
	"match-window":        "match.window",
	"db-type":             "database.type",
	"dsn":                 "database.dsn",
	"redis-addr":          "redis.address",
	"metrics-addr":        "metrics.address",
	"log-file":            "log.file",
}

// Load 从命令行参数、环境变量和 .env 文件加载配置
//
// 配置加载优先级（从高到低）：
//  1. 显式设置的命令行参数
//  2. 系统环境变量（前缀 ENRON_，例如 ENRON_DATABASE_DSN）
//  3. .env 文件（如果存在）
//  4. 默认值
//
// flags 可以为 nil（例如测试中）。
func Load(flags *pflag.FlagSet) (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("enron")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ingest.output_dir", "extracted_data")
	v.SetDefault("ingest.max_attachment_size", 50*1024*1024)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.attachment_concurrency", 4)
	v.SetDefault("ingest.unit_timeout", "2m")
	v.SetDefault("ingest.force", false)
	v.SetDefault("ingest.verbose", false)
	v.SetDefault("ingest.ledger_file", "processed_inputs.json")
	v.SetDefault("ingest.stats_file", "run_stats.json")
	v.SetDefault("match.window", "12h")
	v.SetDefault("match.subject_prefixes", "re,fw,fwd")
	v.SetDefault("match.max_candidates", 0)
	v.SetDefault("match.max_lookups_per_second", 0)
	v.SetDefault("match.cache_size", 100000)
	v.SetDefault("match.cache_ttl", "0s")
	v.SetDefault("database.type", "") // 必须显式指定
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.query_timeout", "30s")
	v.SetDefault("database.slow_query_threshold", "200ms")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "enron:")
	v.SetDefault("redis.ttl", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("metrics.address", "")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"ingest.unit_timeout",
		"match.window",
		"match.cache_ttl",
		"database.conn_max_lifetime",
		"database.query_timeout",
		"database.slow_query_threshold",
		"redis.ttl",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	cfg := &Config{
		Ingest: IngestConfig{
			OutputDir:             v.GetString("ingest.output_dir"),
			MaxAttachmentSize:     v.GetInt64("ingest.max_attachment_size"),
			BatchSize:             v.GetInt("ingest.batch_size"),
			Workers:               v.GetInt("ingest.workers"),
			AttachmentConcurrency: v.GetInt("ingest.attachment_concurrency"),
			UnitTimeout:           durations["ingest.unit_timeout"],
			Force:                 v.GetBool("ingest.force"),
			Verbose:               v.GetBool("ingest.verbose"),
			LedgerFile:            v.GetString("ingest.ledger_file"),
			StatsFile:             v.GetString("ingest.stats_file"),
		},
		Match: MatchConfig{
			Window:              durations["match.window"],
			SubjectPrefixes:     parsePrefixes(v.GetString("match.subject_prefixes")),
			MaxCandidates:       v.GetInt("match.max_candidates"),
			MaxLookupsPerSecond: v.GetFloat64("match.max_lookups_per_second"),
			CacheSize:           v.GetInt("match.cache_size"),
			CacheTTL:            durations["match.cache_ttl"],
		},
		Database: DatabaseConfig{
			Type:               strings.ToLower(strings.TrimSpace(v.GetString("database.type"))),
			DSN:                v.GetString("database.dsn"),
			Driver:             strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
			MaxOpenConns:       v.GetInt("database.max_open_conns"),
			MaxIdleConns:       v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime:    durations["database.conn_max_lifetime"],
			QueryTimeout:       durations["database.query_timeout"],
			SlowQueryThreshold: durations["database.slow_query_threshold"],
		},
		Redis: RedisConfig{
			Address:   v.GetString("redis.address"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
			TTL:       durations["redis.ttl"],
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Metrics: MetricsConfig{
			Address: v.GetString("metrics.address"),
		},
	}

	// --verbose 打开调试日志
	if cfg.Ingest.Verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ingest.OutputDir) == "" {
		return fmt.Errorf("ingest.output_dir must not be empty")
	}
	if c.Ingest.MaxAttachmentSize < 0 {
		return fmt.Errorf("ingest.max_attachment_size must not be negative")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	if c.Ingest.AttachmentConcurrency <= 0 {
		c.Ingest.AttachmentConcurrency = 1
	}
	if c.Ingest.UnitTimeout <= 0 {
		return fmt.Errorf("ingest.unit_timeout must be positive")
	}
	if c.Match.Window <= 0 {
		return fmt.Errorf("match.window must be positive")
	}
	if c.Match.MaxCandidates < 0 {
		return fmt.Errorf("match.max_candidates must not be negative")
	}
	switch c.Database.Type {
	case "":
		return fmt.Errorf("database.type is required (postgres, mysql or memory)")
	case "memory":
	case "postgres", "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for database type %q", c.Database.Type)
		}
		if c.Database.Type == "postgres" && c.Database.Driver != "pgx" && c.Database.Driver != "pq" {
			return fmt.Errorf("unsupported database.driver %q (supported: pgx, pq)", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database type %q (supported: postgres, mysql, memory)", c.Database.Type)
	}
	return nil
}

// resolve 相对路径基于 base 解析
func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// parsePrefixes 将逗号分隔的前缀列表解析为小写数组，去掉末尾冒号
func parsePrefixes(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.TrimSuffix(strings.ToLower(out[i]), ":")
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载当前目录的 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}
