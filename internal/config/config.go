package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了执行流水线在启动阶段需要加载的核心配置。
type Config struct {
	Explorer  ExplorerConfig  `json:"explorer" yaml:"explorer"`
	Inference InferenceConfig `json:"inference" yaml:"inference"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Harness   HarnessConfig   `json:"harness" yaml:"harness"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// ExplorerConfig 描述合约浏览器服务的访问方式。
type ExplorerConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// InferenceConfig 用于配置结构化推理服务的调用方式。
type InferenceConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述通过 OpenAI 兼容接口完成推理时所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回推理调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SandboxConfig 包含沙箱账本的运行模式与分叉参数。
type SandboxConfig struct {
	Mode       string `json:"mode" yaml:"mode"`
	RPCURL     string `json:"rpc_url" yaml:"rpc_url"`
	ForkHeight uint64 `json:"fork_height" yaml:"fork_height"`
}

// StoreConfig 统一描述合约元数据存储的后端与缓存。
type StoreConfig struct {
	Driver                 string      `json:"driver" yaml:"driver"`
	DSN                    string      `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int         `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	Redis                  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述可选的读穿透缓存层。
type RedisConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// HarnessConfig 控制验证框架如何加载与执行夹具。
type HarnessConfig struct {
	FixtureDir     string         `json:"fixture_dir" yaml:"fixture_dir"`
	FixtureFilter  string         `json:"fixture_filter" yaml:"fixture_filter"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	Report         ReportConfig   `json:"report" yaml:"report"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// ReportConfig 描述报表输出方式。
type ReportConfig struct {
	Sink string `json:"sink" yaml:"sink"`
}

// RabbitMQConfig 描述将报表投递到消息队列时的连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url" yaml:"url"`
	Queue   string `json:"queue" yaml:"queue"`
	Durable bool   `json:"durable" yaml:"durable"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string          `json:"level" yaml:"level"`
	Format      string          `json:"format" yaml:"format"`
	OutputPaths []string        `json:"output_paths" yaml:"output_paths"`
	Report      ReportLogConfig `json:"report" yaml:"report"`
}

// ReportLogConfig 描述独立的报表日志流，启用后按大小轮转。
type ReportLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Explorer.BaseURL == "" {
		c.Explorer.BaseURL = "https://api.etherscan.io/v2/api"
	}
	if c.Explorer.APIKeyEnv == "" {
		c.Explorer.APIKeyEnv = "ETHERSCAN_API_KEY"
	}
	if c.Explorer.TimeoutSeconds <= 0 {
		c.Explorer.TimeoutSeconds = 30
	}

	if c.Inference.Provider == "" {
		c.Inference.Provider = "openai"
	}
	if c.Inference.OpenAI.APIKeyEnv == "" {
		c.Inference.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Sandbox.Mode == "" {
		c.Sandbox.Mode = "simulated"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if c.Harness.FixtureDir == "" {
		c.Harness.FixtureDir = filepath.Join(baseDir, "fixtures")
	} else if !filepath.IsAbs(c.Harness.FixtureDir) {
		c.Harness.FixtureDir = filepath.Join(baseDir, c.Harness.FixtureDir)
	}
	if c.Harness.TimeoutSeconds <= 0 {
		c.Harness.TimeoutSeconds = 240
	}
	if c.Harness.Report.Sink == "" {
		c.Harness.Report.Sink = "log"
	}
	if c.Harness.RabbitMQ.Queue == "" {
		c.Harness.RabbitMQ.Queue = "intentforge.reports"
	}
}
