package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 AutoSwap 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Web3      Web3Config      `json:"web3"`
	Vault     VaultConfig     `json:"vault"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述凭证、规则与执行账本的存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述调度器派发规则时使用的队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SchedulerConfig 控制周期调度与失败重试的节奏。
type SchedulerConfig struct {
	TickSeconds             int `json:"tick_seconds"`
	ExecutionTimeoutSeconds int `json:"execution_timeout_seconds"`
	FailureBackoffSeconds   int `json:"failure_backoff_seconds"`
	LedgerLimit             int `json:"ledger_limit"`
}

// Web3Config 包含访问区块链节点以及会话执行合约所需的参数。
type Web3Config struct {
	RPCURL                string `json:"rpc_url"`
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	DelegatorContract     string `json:"delegator_contract"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// VaultConfig 指定主加密密钥的来源。密钥本身永远只从环境变量读取。
type VaultConfig struct {
	SecretEnv string `json:"secret_env"`
}

// LoggingConfig 控制日志输出与审计日志。
type LoggingConfig struct {
	Level        string   `json:"level"`
	Format       string   `json:"format"`
	OutputPaths  []string `json:"output_paths"`
	AuditEnabled bool     `json:"audit_enabled"`
	AuditPath    string   `json:"audit_path"`
	AuditMaxSize int      `json:"audit_max_size_mb"`
	AuditBackups int      `json:"audit_max_backups"`
	AuditAgeDays int      `json:"audit_max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 4
	}

	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 300
	}
	if c.Scheduler.ExecutionTimeoutSeconds <= 0 {
		c.Scheduler.ExecutionTimeoutSeconds = 120
	}
	if c.Scheduler.LedgerLimit <= 0 {
		c.Scheduler.LedgerLimit = 20
	}

	if c.Web3.ConfirmTimeoutSeconds <= 0 {
		c.Web3.ConfirmTimeoutSeconds = 90
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Vault.SecretEnv == "" {
		c.Vault.SecretEnv = "AUTOSWAP_SESSION_SECRET"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// TickInterval 返回调度器的运行周期。
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// ExecutionTimeout 返回单次执行调用允许的最长时间。
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Scheduler.ExecutionTimeoutSeconds) * time.Second
}

// FailureBackoff 返回失败退避时间；为 0 时保持“规则继续到期”的原始策略。
func (c *Config) FailureBackoff() time.Duration {
	return time.Duration(c.Scheduler.FailureBackoffSeconds) * time.Second
}

// ConfirmTimeout 返回等待链上交易确认的最长时间。
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Web3.ConfirmTimeoutSeconds) * time.Second
}
