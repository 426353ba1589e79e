package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/freemell/merlintg/pkg/logger"
)

// Config 描述了 merlind 启动阶段需要加载的全部配置。
type Config struct {
	Telegram    TelegramConfig   `json:"telegram"`
	Server      ServerConfig     `json:"server"`
	Solana      SolanaConfig     `json:"solana"`
	LLM         LLMConfig        `json:"llm"`
	Custody     CustodyConfig    `json:"custody"`
	Engine      EngineConfig     `json:"engine"`
	Aggregators AggregatorConfig `json:"aggregators"`
	Storage     StorageConfig    `json:"storage"`
	Session     SessionConfig    `json:"session"`
	Queue       QueueConfig      `json:"queue"`
	Alerting    AlertingConfig   `json:"alerting"`
	Logging     logger.Config    `json:"logging"`
}

// TelegramConfig 控制机器人接入方式。
type TelegramConfig struct {
	Token         string `json:"token" env:"TELEGRAM_BOT_TOKEN"`
	UseWebhook    bool   `json:"use_webhook" env:"USE_WEBHOOK"`
	WebhookURL    string `json:"webhook_url" env:"WEBHOOK_URL"`
	WebhookSecret string `json:"webhook_secret" env:"WEBHOOK_SECRET"`
	BotUsername   string `json:"bot_username" env:"BOT_USERNAME"`
}

// ServerConfig 控制 HTTP 服务（webhook、健康检查、指标）的监听地址。
type ServerConfig struct {
	Address string `json:"address" env:"HTTP_ADDR"`
	// AdminToken guards the execution journal API; empty disables it.
	AdminToken string `json:"admin_token" env:"ADMIN_API_TOKEN"`
}

// SolanaConfig 描述 RPC 端点列表与重试策略。
type SolanaConfig struct {
	RPCURL                string   `json:"rpc_url" env:"SOLANA_RPC_URL"`
	FallbackURLs          []string `json:"fallback_urls" env:"SOLANA_FALLBACK_RPC_URLS" envSeparator:","`
	ChainConfig           string   `json:"chain_config" env:"CHAIN_CONFIG"`
	RetryAttempts         int      `json:"retry_attempts" env:"RPC_RETRY_ATTEMPTS"`
	RetryDelayMillis      int      `json:"retry_delay_ms" env:"RPC_RETRY_DELAY_MS"`
	ConfirmTimeoutSeconds int      `json:"confirm_timeout_seconds" env:"CONFIRM_TIMEOUT_SECONDS"`
	GuardTimeoutSeconds   int      `json:"guard_timeout_seconds"`
	PollIntervalMillis    int      `json:"poll_interval_ms"`
	ExplorerURL           string   `json:"explorer_url"`
}

// LLMConfig 用于配置自然语言理解的调用方式。
type LLMConfig struct {
	Provider       string             `json:"provider" env:"LLM_PROVIDER"`
	Groq           OpenAIConfig       `json:"groq" envPrefix:"GROQ_"`
	OpenAI         OpenAIConfig       `json:"openai" envPrefix:"OPENAI_"`
	Python         PythonBridgeConfig `json:"python_bridge"`
	TimeoutSeconds int                `json:"timeout_seconds"`
}

// OpenAIConfig 描述一个 OpenAI 兼容的 Chat Completions 服务。
type OpenAIConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	BaseURL string `json:"base_url" env:"BASE_URL"`
	Model   string `json:"model" env:"MODEL"`
}

// PythonBridgeConfig 描述通过本地脚本完成意图解析时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// CustodyConfig 描述托管私钥的加密参数。
type CustodyConfig struct {
	EncryptionSecret string `json:"encryption_secret" env:"ENCRYPTION_SECRET"`
}

// EngineConfig 汇总执行引擎的业务常量。
type EngineConfig struct {
	MinBridgeAmount       string  `json:"min_bridge_amount" env:"MIN_BRIDGE_AMOUNT_SOL"`
	FeeReserveLamports    uint64  `json:"fee_reserve_lamports" env:"FEE_RESERVE_LAMPORTS"`
	SlippageBps           int     `json:"slippage_bps" env:"SWAP_SLIPPAGE_BPS"`
	PriceImpactWarnPct    float64 `json:"price_impact_warn_pct"`
	QuoteMaxAgeSeconds    int     `json:"quote_max_age_seconds"`
	ExecutionLeaseSeconds int     `json:"execution_lease_seconds"`
	BridgeEstimatedTime   string  `json:"bridge_estimated_time"`
}

// AggregatorConfig 描述兑换、跨链与域名解析服务的地址。
type AggregatorConfig struct {
	JupiterURL     string `json:"jupiter_url" env:"JUPITER_API_URL"`
	BungeeURL      string `json:"bungee_url" env:"BUNGEE_API_URL"`
	BungeeAPIKey   string `json:"bungee_api_key" env:"BUNGEE_API_KEY"`
	SNSURL         string `json:"sns_url" env:"SNS_API_URL"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig 描述钱包与执行流水的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver" env:"STORAGE_DRIVER"`
	DSN                    string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
	Prefix   string `json:"prefix"`
}

// SessionConfig 描述会话存储后端。
type SessionConfig struct {
	Driver         string      `json:"driver" env:"SESSION_DRIVER"`
	Redis          RedisConfig `json:"redis" envPrefix:"SESSION_"`
	LockTTLSeconds int         `json:"lock_ttl_seconds"`
}

// QueueConfig 描述入站消息队列。
type QueueConfig struct {
	Driver           string         `json:"driver" env:"QUEUE_DRIVER"`
	Workers          int            `json:"workers" env:"QUEUE_WORKERS"`
	Size             int            `json:"size"`
	Redis            RedisConfig    `json:"redis" envPrefix:"QUEUE_"`
	BlockWaitSeconds int            `json:"block_wait_seconds"`
	RabbitMQ         RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `json:"url" env:"RABBITMQ_URL"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	SlackChannel    string `json:"slack_channel" env:"SLACK_CHANNEL"`
}

// Load 依次读取 JSON 配置文件、.env 文件与环境变量，后者覆盖前者。
// 配置文件不存在时仅使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if strings.TrimSpace(path) != "" {
		baseDir = filepath.Dir(path)
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		default:
			if err := json.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("解析配置失败: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Solana.RPCURL == "" {
		c.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if c.Solana.FallbackURLs == nil {
		c.Solana.FallbackURLs = []string{
			"https://rpc.ankr.com/solana",
			"https://solana-api.projectserum.com",
		}
	}
	if c.Solana.RetryAttempts <= 0 {
		c.Solana.RetryAttempts = 3
	}
	if c.Solana.RetryDelayMillis <= 0 {
		c.Solana.RetryDelayMillis = 1000
	}
	if c.Solana.ConfirmTimeoutSeconds <= 0 {
		c.Solana.ConfirmTimeoutSeconds = 60
	}
	if c.Solana.GuardTimeoutSeconds <= 0 {
		c.Solana.GuardTimeoutSeconds = 90
	}
	if c.Solana.PollIntervalMillis <= 0 {
		c.Solana.PollIntervalMillis = 1000
	}
	if c.Solana.ExplorerURL == "" {
		c.Solana.ExplorerURL = "https://solscan.io/tx/"
	}
	if c.Solana.ChainConfig != "" && !filepath.IsAbs(c.Solana.ChainConfig) {
		c.Solana.ChainConfig = filepath.Join(baseDir, c.Solana.ChainConfig)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Groq.BaseURL == "" {
		c.LLM.Groq.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.LLM.Groq.Model == "" {
		c.LLM.Groq.Model = "llama-3.1-8b-instant"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 20
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Engine.MinBridgeAmount == "" {
		c.Engine.MinBridgeAmount = "0.05"
	}
	if c.Engine.FeeReserveLamports == 0 {
		c.Engine.FeeReserveLamports = 5000
	}
	if c.Engine.SlippageBps <= 0 {
		c.Engine.SlippageBps = 50
	}
	if c.Engine.PriceImpactWarnPct <= 0 {
		c.Engine.PriceImpactWarnPct = 1
	}
	if c.Engine.QuoteMaxAgeSeconds <= 0 {
		c.Engine.QuoteMaxAgeSeconds = 30
	}
	if c.Engine.ExecutionLeaseSeconds <= 0 {
		c.Engine.ExecutionLeaseSeconds = 300
	}
	if c.Engine.BridgeEstimatedTime == "" {
		c.Engine.BridgeEstimatedTime = "3-5 minutes"
	}

	if c.Aggregators.JupiterURL == "" {
		c.Aggregators.JupiterURL = "https://quote-api.jup.ag/v6"
	}
	if c.Aggregators.BungeeURL == "" {
		c.Aggregators.BungeeURL = "https://public-backend.bungee.exchange"
	}
	if c.Aggregators.SNSURL == "" {
		c.Aggregators.SNSURL = "https://sns-sdk-proxy.bonfida.workers.dev"
	}
	if c.Aggregators.TimeoutSeconds <= 0 {
		c.Aggregators.TimeoutSeconds = 30
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.Redis.Prefix == "" {
		c.Session.Redis.Prefix = "merlin:session:"
	}
	if c.Session.LockTTLSeconds <= 0 {
		c.Session.LockTTLSeconds = 30
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 8
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "merlin:updates"
	}
	if c.Queue.BlockWaitSeconds <= 0 {
		c.Queue.BlockWaitSeconds = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "merlin.updates"
	}
}

// Validate 检查启动所必需的配置项。
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Telegram.Token) == "" {
		problems = append(problems, "缺少 TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.UseWebhook && strings.TrimSpace(c.Telegram.WebhookURL) == "" {
		problems = append(problems, "webhook 模式需要配置 WEBHOOK_URL")
	}
	if len(strings.TrimSpace(c.Custody.EncryptionSecret)) < 16 {
		problems = append(problems, "ENCRYPTION_SECRET 至少需要 16 个字符")
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			problems = append(problems, fmt.Sprintf("存储驱动 %s 需要配置 DATABASE_DSN", c.Storage.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Session.Driver {
	case "memory":
	case "redis":
		if c.Session.Redis.Address == "" {
			problems = append(problems, "redis 会话存储需要配置 SESSION_REDIS_ADDR")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的会话驱动: %s", c.Session.Driver))
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		problems = append(problems, fmt.Sprintf("未知的队列驱动: %s", c.Queue.Driver))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Endpoints 返回去重后的 RPC 端点列表，主端点在前。
func (s SolanaConfig) Endpoints() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range append([]string{s.RPCURL}, s.FallbackURLs...) {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// RetryDelay 返回单次重试的基础间隔。
func (s SolanaConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMillis) * time.Millisecond
}

// ConfirmTimeout 返回等待交易确认的上限。
func (s SolanaConfig) ConfirmTimeout() time.Duration {
	return time.Duration(s.ConfirmTimeoutSeconds) * time.Second
}

// GuardTimeout 返回重试前确认旧签名状态的上限。
func (s SolanaConfig) GuardTimeout() time.Duration {
	return time.Duration(s.GuardTimeoutSeconds) * time.Second
}

// PollInterval 返回签名状态轮询间隔。
func (s SolanaConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// Timeout 返回意图解析调用的超时时间。
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// Timeout 返回聚合器 HTTP 调用的超时时间。
func (a AggregatorConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// QuoteMaxAge 返回报价可用于提交的最长时间。
func (e EngineConfig) QuoteMaxAge() time.Duration {
	return time.Duration(e.QuoteMaxAgeSeconds) * time.Second
}

// ExecutionLease 返回执行中会话被视为失联的时间。
func (e EngineConfig) ExecutionLease() time.Duration {
	return time.Duration(e.ExecutionLeaseSeconds) * time.Second
}
