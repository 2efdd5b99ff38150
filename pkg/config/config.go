package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/policy"
	"oip/recon/internal/business/triage"
	"oip/recon/pkg/retry"
)

// 存储驱动
const (
	StoreMySQL  = "mysql"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// 内置规则版本（未配置规则文件时）
const BuiltinRulesVersion = "builtin"

// Config 全局配置
type Config struct {
	App     AppConfig      `mapstructure:"app"`
	MySQL   MySQLConfig    `mapstructure:"mysql"`
	SQLite  SQLiteConfig   `mapstructure:"sqlite"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Lmstfy  LmstfyConfig   `mapstructure:"lmstfy"`
	Workers []WorkerConfig `mapstructure:"workers"`
	Engine  EngineConfig   `mapstructure:"engine"`
	API     APIConfig      `mapstructure:"api"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	Store    string `mapstructure:"store"` // mysql / sqlite / memory
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SQLiteConfig SQLite 配置（单机/离线）
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig Redis 配置；addr 为空时去重/通知退化为进程内实现
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LmstfyConfig Lmstfy 配置
type LmstfyConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Token     string `mapstructure:"token"`
}

// WorkerConfig Worker 配置
type WorkerConfig struct {
	Name       string           `mapstructure:"name"`
	QueueName  string           `mapstructure:"queue_name"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
}

// SubscriberConfig Subscriber 配置
type SubscriberConfig struct {
	Threads      int           `mapstructure:"threads"`       // 并发拉取数
	Rate         time.Duration `mapstructure:"rate"`          // 拉取速率
	Timeout      time.Duration `mapstructure:"timeout"`       // 拉取超时
	TTR          time.Duration `mapstructure:"ttr"`           // Time-To-Run
	ErrorBackoff time.Duration `mapstructure:"error_backoff"` // 错误退避时间
}

// ProcessorConfig Processor 配置
type ProcessorConfig struct {
	Threads    int           `mapstructure:"threads"`     // 并发处理数
	BufferSize int           `mapstructure:"buffer_size"` // Channel 缓冲大小
	Timeout    time.Duration `mapstructure:"timeout"`     // 单个任务超时
}

// EngineConfig 引擎配置
type EngineConfig struct {
	Matching MatchingConfig `mapstructure:"matching"`
	Triage   TriageConfig   `mapstructure:"triage"`
	Policy   policy.Config  `mapstructure:"policy"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

// MatchingConfig 匹配配置；fields 为空时使用内置的五字段规则
type MatchingConfig struct {
	Fields     []FieldRuleConfig `mapstructure:"fields"`
	Thresholds ThresholdsConfig  `mapstructure:"thresholds"`
	Epsilon    float64           `mapstructure:"epsilon"`
}

// FieldRuleConfig 单字段容差规则
type FieldRuleConfig struct {
	Field         string  `mapstructure:"field"`
	Role          string  `mapstructure:"role"`
	Kind          string  `mapstructure:"kind"`
	Pct           float64 `mapstructure:"pct"`
	Days          int     `mapstructure:"days"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
	Mandatory     bool    `mapstructure:"mandatory"`
	Code          string  `mapstructure:"code"`
	Weight        float64 `mapstructure:"weight"`
}

// ThresholdsConfig 分类阈值
type ThresholdsConfig struct {
	AutoMatch float64 `mapstructure:"auto_match"`
	Probable  float64 `mapstructure:"probable"`
	Review    float64 `mapstructure:"review"`
}

// TriageConfig 分诊配置
type TriageConfig struct {
	RulesPath           string            `mapstructure:"rules_path"`            // 可选的 YAML 规则文件
	Queues              map[string]string `mapstructure:"queues"`                // 目的地 → lmstfy 队列
	MaxExceptionRetries int               `mapstructure:"max_exception_retries"` // 投递失败派生异常的最大层数
	DedupeTTL           time.Duration     `mapstructure:"dedupe_ttl"`
	FeedbackDedupeTTL   time.Duration     `mapstructure:"feedback_dedupe_ttl"`
}

// RetryConfig 存储/队列调用的重试策略
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// APIConfig 运维 API 配置
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MatchQueue     string        `mapstructure:"match_queue"`     // 交易对投递队列
	ExceptionQueue string        `mapstructure:"exception_queue"` // 异常上报队列
	FeedbackQueue  string        `mapstructure:"feedback_queue"`  // 反馈队列
}

// SetDefaults 注册默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "recon")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.store", StoreMySQL)

	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("sqlite.path", "recon.db")

	th := matching.DefaultThresholds()
	v.SetDefault("engine.matching.thresholds.auto_match", th.AutoMatch)
	v.SetDefault("engine.matching.thresholds.probable", th.Probable)
	v.SetDefault("engine.matching.thresholds.review", th.Review)
	v.SetDefault("engine.matching.epsilon", 1e-9)

	v.SetDefault("engine.triage.max_exception_retries", 3)
	v.SetDefault("engine.triage.dedupe_ttl", 72*time.Hour)
	v.SetDefault("engine.triage.feedback_dedupe_ttl", 7*24*time.Hour)

	pc := policy.DefaultConfig()
	v.SetDefault("engine.policy.learning_rate", pc.LearningRate)
	v.SetDefault("engine.policy.discount", pc.Discount)
	v.SetDefault("engine.policy.supervised_weight", pc.SupervisedWeight)
	v.SetDefault("engine.policy.max_severity_adjustment", pc.MaxSeverityAdjustment)
	v.SetDefault("engine.policy.override_margin", pc.OverrideMargin)
	v.SetDefault("engine.policy.min_visits", pc.MinVisits)
	v.SetDefault("engine.policy.episode_ttl", pc.EpisodeTTL)
	v.SetDefault("engine.policy.sweep_interval", pc.SweepInterval)
	v.SetDefault("engine.policy.save_interval", pc.SaveInterval)
	v.SetDefault("engine.policy.queue_size", pc.QueueSize)
	v.SetDefault("engine.policy.applied_cache_size", pc.AppliedCacheSize)

	rp := retry.DefaultPolicy()
	v.SetDefault("engine.retry.base_delay", rp.BaseDelay)
	v.SetDefault("engine.retry.max_delay", rp.MaxDelay)
	v.SetDefault("engine.retry.max_attempts", rp.MaxAttempts)
	v.SetDefault("engine.retry.call_timeout", rp.CallTimeout)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	return &cfg, nil
}

// Default 仅包含默认值的配置（离线工具和测试使用）
func Default() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal default config failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	switch c.App.Store {
	case StoreMySQL:
		if c.MySQL.DSN == "" {
			return fmt.Errorf("mysql.dsn is required when app.store is mysql")
		}
	case StoreSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required when app.store is sqlite")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown app.store %q", c.App.Store)
	}

	if c.Lmstfy.Host == "" {
		return fmt.Errorf("lmstfy.host is required")
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker is required")
	}
	for _, w := range c.Workers {
		if w.Name == "" || w.QueueName == "" {
			return fmt.Errorf("worker name and queue_name are required")
		}
		if w.Subscriber.Threads <= 0 || w.Processor.Threads <= 0 {
			return fmt.Errorf("worker %s: subscriber and processor threads must be positive", w.Name)
		}
	}

	if c.API.MatchQueue == "" || c.API.ExceptionQueue == "" || c.API.FeedbackQueue == "" {
		return fmt.Errorf("api match_queue, exception_queue and feedback_queue are required")
	}

	return c.Engine.Validate()
}

// Validate 校验引擎配置（规则、权重、阈值、队列）
func (e *EngineConfig) Validate() error {
	if _, err := e.MatchingConfig(); err != nil {
		return fmt.Errorf("engine.matching: %w", err)
	}
	if _, _, err := e.TriageRules(); err != nil {
		return fmt.Errorf("engine.triage: %w", err)
	}
	if _, err := e.DestinationQueues(); err != nil {
		return fmt.Errorf("engine.triage.queues: %w", err)
	}
	if e.Triage.MaxExceptionRetries < 0 {
		return fmt.Errorf("engine.triage.max_exception_retries must not be negative")
	}
	if err := e.Policy.Validate(); err != nil {
		return fmt.Errorf("engine.policy: %w", err)
	}
	if e.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("engine.retry.max_attempts must be positive")
	}
	return nil
}

// MatchingConfig 构造匹配引擎配置
func (e *EngineConfig) MatchingConfig() (matching.Config, error) {
	cfg := matching.DefaultConfig()
	cfg.Thresholds = matching.Thresholds{
		AutoMatch: e.Matching.Thresholds.AutoMatch,
		Probable:  e.Matching.Thresholds.Probable,
		Review:    e.Matching.Thresholds.Review,
	}
	if e.Matching.Epsilon > 0 {
		cfg.Epsilon = e.Matching.Epsilon
	}

	if len(e.Matching.Fields) > 0 {
		cfg.Rules = make([]matching.FieldRule, 0, len(e.Matching.Fields))
		for _, f := range e.Matching.Fields {
			kind, err := matching.ParseRuleKind(f.Kind)
			if err != nil {
				return matching.Config{}, fmt.Errorf("field %s: %w", f.Field, err)
			}
			role := matching.Role(strings.ToLower(strings.TrimSpace(f.Role)))
			if role == "" {
				role = matching.RoleOther
			}
			cfg.Rules = append(cfg.Rules, matching.FieldRule{
				Field:         f.Field,
				Role:          role,
				Kind:          kind,
				Pct:           f.Pct,
				Days:          f.Days,
				MinSimilarity: f.MinSimilarity,
				Mandatory:     f.Mandatory,
				Code:          strings.ToUpper(f.Code),
				Weight:        f.Weight,
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		return matching.Config{}, err
	}
	return cfg, nil
}

// TriageRules 构造分诊规则；配置了规则文件时覆盖内置表，版本为文件摘要
func (e *EngineConfig) TriageRules() (triage.Rules, string, error) {
	rules := triage.DefaultRules()
	rules.AutoMatch = e.Matching.Thresholds.AutoMatch

	if e.Triage.RulesPath == "" {
		if err := rules.Validate(); err != nil {
			return triage.Rules{}, "", err
		}
		return rules, BuiltinRulesVersion, nil
	}

	f, version, err := triage.LoadRulesFile(e.Triage.RulesPath)
	if err != nil {
		return triage.Rules{}, "", err
	}
	rules, err = f.Apply(rules)
	if err != nil {
		return triage.Rules{}, "", err
	}
	return rules, version, nil
}

// DestinationQueues 目的地 → 队列名；viper 会把 map 键转成小写，这里统一转回
// 每个目的地都必须配置队列
func (e *EngineConfig) DestinationQueues() (map[triage.Destination]string, error) {
	out := make(map[triage.Destination]string, len(triage.Destinations))
	for k, q := range e.Triage.Queues {
		d, err := triage.ParseDestination(k)
		if err != nil {
			return nil, err
		}
		if q == "" {
			return nil, fmt.Errorf("empty queue for %s", d)
		}
		out[d] = q
	}
	for _, d := range triage.Destinations {
		if _, ok := out[d]; !ok {
			return nil, fmt.Errorf("no queue configured for %s", d)
		}
	}
	return out, nil
}

// Policy 重试策略
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		MaxAttempts: r.MaxAttempts,
		CallTimeout: r.CallTimeout,
	}
}
