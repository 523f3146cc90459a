package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"groupbot_engine/internal/model"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Gateway   GatewayConfig   `yaml:"gateway" envPrefix:"GATEWAY_"`
	Pool      PoolConfig      `yaml:"pool" envPrefix:"POOL_"`
	Dialogue  DialogueConfig  `yaml:"dialogue" envPrefix:"DIALOGUE_"`
	Redpacket RedpacketConfig `yaml:"redpacket" envPrefix:"REDPACKET_"`
	RateLimit RateLimitConfig `yaml:"rateLimit" envPrefix:"RATE_LIMIT_"`
	Executor  ExecutorConfig  `yaml:"executor" envPrefix:"EXECUTOR_"`
	Router    RouterConfig    `yaml:"router" envPrefix:"ROUTER_"`
	LLM       LLMConfig       `yaml:"llm" envPrefix:"LLM_"`
	Keywords  []KeywordRule   `yaml:"keywords"`
	Accounts  []model.Account `yaml:"accounts"`
}

type ServerConfig struct {
	Addr      string     `yaml:"addr" env:"ADDR"`
	AccessLog bool       `yaml:"accessLog" env:"ACCESS_LOG"`
	Cors      CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath          string `yaml:"sqlitePath" env:"SQLITE_PATH"`
	RecordRetentionDays int    `yaml:"recordRetentionDays" env:"RECORD_RETENTION_DAYS"`
}

func (c StorageConfig) RecordRetention() time.Duration {
	return time.Duration(c.RecordRetentionDays) * 24 * time.Hour
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Pretty      bool   `yaml:"pretty" env:"PRETTY"`
	SampleEvery int    `yaml:"sampleEvery" env:"SAMPLE_EVERY"`
	BusCapacity int    `yaml:"busCapacity"`
}

type GatewayConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type PoolConfig struct {
	MaxAccounts                int `yaml:"maxAccounts" env:"MAX_ACCOUNTS"`
	HealthCheckIntervalSeconds int `yaml:"healthCheckIntervalSeconds" env:"HEALTH_CHECK_INTERVAL_SECONDS"`
	ReconnectDelaySeconds      int `yaml:"reconnectDelaySeconds" env:"RECONNECT_DELAY_SECONDS"`
	MaxReconnectDelaySeconds   int `yaml:"maxReconnectDelaySeconds"`
	MaxReconnectAttempts       int `yaml:"maxReconnectAttempts" env:"MAX_RECONNECT_ATTEMPTS"`
	ConnectTimeoutSeconds      int `yaml:"connectTimeoutSeconds"`
	StopTimeoutSeconds         int `yaml:"stopTimeoutSeconds"`
}

func (c PoolConfig) HealthCheckInterval() time.Duration {
	return seconds(c.HealthCheckIntervalSeconds, 30*time.Second)
}

func (c PoolConfig) ReconnectDelay() time.Duration {
	return seconds(c.ReconnectDelaySeconds, 5*time.Second)
}

func (c PoolConfig) MaxReconnectDelay() time.Duration {
	return seconds(c.MaxReconnectDelaySeconds, 60*time.Second)
}

func (c PoolConfig) ConnectTimeout() time.Duration {
	return seconds(c.ConnectTimeoutSeconds, 10*time.Second)
}

func (c PoolConfig) StopTimeout() time.Duration {
	return seconds(c.StopTimeoutSeconds, 5*time.Second)
}

type DialogueConfig struct {
	ContextCacheSize        int     `yaml:"contextCacheSize" env:"CONTEXT_CACHE_SIZE"`
	ContextTTLSeconds       int     `yaml:"contextTTLSeconds" env:"CONTEXT_TTL_SECONDS"`
	HistorySize             int     `yaml:"historySize"`
	DefaultReplyRate        float64 `yaml:"defaultReplyRate" env:"DEFAULT_REPLY_RATE"`
	MinReplyIntervalSeconds int     `yaml:"minReplyIntervalSeconds" env:"MIN_REPLY_INTERVAL_SECONDS"`
	MaxRepliesPerPeriod     int     `yaml:"maxRepliesPerPeriod" env:"MAX_REPLIES_PER_PERIOD"`
	ReplyPeriodSeconds      int     `yaml:"replyPeriodSeconds"`
	SweepIntervalSeconds    int     `yaml:"sweepIntervalSeconds"`
	SystemPrompt            string  `yaml:"systemPrompt"`
}

func (c DialogueConfig) ContextTTL() time.Duration {
	return seconds(c.ContextTTLSeconds, 24*time.Hour)
}

func (c DialogueConfig) ReplyPeriod() time.Duration {
	return seconds(c.ReplyPeriodSeconds, time.Hour)
}

func (c DialogueConfig) SweepInterval() time.Duration {
	return seconds(c.SweepIntervalSeconds, time.Hour)
}

type RedpacketConfig struct {
	Enabled               bool               `yaml:"enabled" env:"ENABLED"`
	MinAmount             string             `yaml:"minAmount" env:"MIN_AMOUNT"`
	MaxPerHour            int                `yaml:"maxPerHour" env:"MAX_PER_HOUR"`
	DedupWindowSeconds    int                `yaml:"dedupWindowSeconds"`
	ClaimRetentionSeconds int                `yaml:"claimRetentionSeconds"`
	RecordCap             int                `yaml:"recordCap"`
	ProbabilityBase       float64            `yaml:"probabilityBase"`
	CooldownSeconds       int                `yaml:"cooldownSeconds"`
	Frequency             FrequencyConfig    `yaml:"frequency"`
	Strategies            []StrategyConfig   `yaml:"strategies"`
	TriggerWords          []string           `yaml:"triggerWords"`
	CallbackPrefixes      []string           `yaml:"callbackPrefixes"`
	BestLuckText          string             `yaml:"bestLuckText"`
	StatusAPI             StatusAPIConfig    `yaml:"statusAPI" envPrefix:"STATUS_API_"`
	TimeOfDay             []TimeWindowConfig `yaml:"timeOfDay"`
	AmountTiers           []AmountTierConfig `yaml:"amountTiers"`
}

func (c RedpacketConfig) DedupWindow() time.Duration {
	return seconds(c.DedupWindowSeconds, 5*time.Minute)
}

// ClaimRetention 红包聚合与点击记录的保留时长，不短于去重窗口。
func (c RedpacketConfig) ClaimRetention() time.Duration {
	d := seconds(c.ClaimRetentionSeconds, 24*time.Hour)
	if w := c.DedupWindow(); d < w {
		return w
	}
	return d
}

func (c RedpacketConfig) Cooldown() time.Duration {
	return seconds(c.CooldownSeconds, 0)
}

func (c RedpacketConfig) MinAmountDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(c.MinAmount)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FrequencyConfig 剩余额度对应的参与概率，经验值，保持可配置。
type FrequencyConfig struct {
	OneLeft float64 `yaml:"oneLeft"`
	TwoLeft float64 `yaml:"twoLeft"`
	Plenty  float64 `yaml:"plenty"`
}

type StrategyConfig struct {
	Kind   string  `yaml:"kind"`
	Weight float64 `yaml:"weight"`
}

type TimeWindowConfig struct {
	StartHour   int     `yaml:"startHour"`
	EndHour     int     `yaml:"endHour"`
	Probability float64 `yaml:"probability"`
}

type AmountTierConfig struct {
	Min         string  `yaml:"min"`
	Probability float64 `yaml:"probability"`
}

type StatusAPIConfig struct {
	BaseURL   string `yaml:"baseURL" env:"BASE_URL"`
	TimeoutMs int    `yaml:"timeoutMs"`
	CacheMs   int    `yaml:"cacheMs"`
}

func (c StatusAPIConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c StatusAPIConfig) CacheTTL() time.Duration {
	if c.CacheMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.CacheMs) * time.Millisecond
}

type RateLimitConfig struct {
	GlobalPerMinute     int `yaml:"globalPerMinute" env:"GLOBAL_PER_MINUTE"`
	PerAccountPerMinute int `yaml:"perAccountPerMinute" env:"PER_ACCOUNT_PER_MINUTE"`
	PerGroupPerMinute   int `yaml:"perGroupPerMinute" env:"PER_GROUP_PER_MINUTE"`
}

type ExecutorConfig struct {
	MinDelayMs           int     `yaml:"minDelayMs"`
	MaxDelayMs           int     `yaml:"maxDelayMs"`
	SendQPS              float64 `yaml:"sendQPS"`
	SendBurst            int     `yaml:"sendBurst"`
	ActionTimeoutSeconds int     `yaml:"actionTimeoutSeconds"`
}

func (c ExecutorConfig) ActionTimeout() time.Duration {
	return seconds(c.ActionTimeoutSeconds, 10*time.Second)
}

type RouterConfig struct {
	BlacklistUsers  []string `yaml:"blacklistUsers"`
	BlacklistGroups []string `yaml:"blacklistGroups"`
	DedupTTLSeconds int      `yaml:"dedupTTLSeconds"`
	DedupCapacity   int      `yaml:"dedupCapacity"`
}

func (c RouterConfig) DedupTTL() time.Duration {
	return seconds(c.DedupTTLSeconds, 60*time.Second)
}

type LLMConfig struct {
	BaseURL     string  `yaml:"baseURL" env:"BASE_URL"`
	APIKey      string  `yaml:"apiKey" env:"API_KEY"`
	Model       string  `yaml:"model" env:"MODEL"`
	TimeoutMs   int     `yaml:"timeoutMs"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

func (c LLMConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type KeywordRule struct {
	Name            string   `yaml:"name"`
	Pattern         string   `yaml:"pattern"`
	Match           string   `yaml:"match"`
	Reply           string   `yaml:"reply"`
	Action          string   `yaml:"action"`
	ForwardTo       string   `yaml:"forwardTo"`
	Groups          []string `yaml:"groups"`
	CooldownSeconds int      `yaml:"cooldownSeconds"`
	Stop            bool     `yaml:"stop"`
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	// 环境变量优先级高于配置文件（如 GROUPBOT_LLM_API_KEY）
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "GROUPBOT_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Default() Config {
	var cfg Config
	cfg.Redpacket.Enabled = true
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/groupbot.db"
	}
	if c.Storage.RecordRetentionDays <= 0 {
		c.Storage.RecordRetentionDays = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.BusCapacity <= 0 {
		c.Log.BusCapacity = 200
	}
	if c.Pool.MaxAccounts <= 0 {
		c.Pool.MaxAccounts = 50
	}
	if c.Pool.MaxReconnectAttempts <= 0 {
		c.Pool.MaxReconnectAttempts = 5
	}
	if c.Dialogue.ContextCacheSize <= 0 {
		c.Dialogue.ContextCacheSize = 1000
	}
	if c.Dialogue.HistorySize <= 0 {
		c.Dialogue.HistorySize = 20
	}
	if c.Dialogue.DefaultReplyRate <= 0 {
		c.Dialogue.DefaultReplyRate = 0.3
	}
	if c.Dialogue.DefaultReplyRate > 1 {
		c.Dialogue.DefaultReplyRate = 1
	}
	if c.Dialogue.MinReplyIntervalSeconds < 0 {
		c.Dialogue.MinReplyIntervalSeconds = 0
	}
	if c.Dialogue.MaxRepliesPerPeriod <= 0 {
		c.Dialogue.MaxRepliesPerPeriod = 20
	}
	if c.Redpacket.MinAmount == "" {
		c.Redpacket.MinAmount = "0.01"
	}
	if c.Redpacket.MaxPerHour <= 0 {
		c.Redpacket.MaxPerHour = 10
	}
	if c.Redpacket.RecordCap <= 0 {
		c.Redpacket.RecordCap = 1000
	}
	if c.Redpacket.ProbabilityBase <= 0 {
		c.Redpacket.ProbabilityBase = 0.8
	}
	if c.Redpacket.Frequency.OneLeft <= 0 {
		c.Redpacket.Frequency.OneLeft = 0.3
	}
	if c.Redpacket.Frequency.TwoLeft <= 0 {
		c.Redpacket.Frequency.TwoLeft = 0.5
	}
	if c.Redpacket.Frequency.Plenty <= 0 {
		c.Redpacket.Frequency.Plenty = 0.7
	}
	if len(c.Redpacket.Strategies) == 0 {
		c.Redpacket.Strategies = []StrategyConfig{
			{Kind: "random", Weight: 1},
			{Kind: "frequency", Weight: 2},
			{Kind: "amount", Weight: 1},
		}
	}
	if len(c.Redpacket.TriggerWords) == 0 {
		c.Redpacket.TriggerWords = []string{"红包", "🧧", "red packet", "redpacket"}
	}
	if len(c.Redpacket.CallbackPrefixes) == 0 {
		c.Redpacket.CallbackPrefixes = []string{"redpacket", "rp", "hongbao"}
	}
	if c.Redpacket.BestLuckText == "" {
		c.Redpacket.BestLuckText = "手气最佳 🎉"
	}
	if c.RateLimit.GlobalPerMinute <= 0 {
		c.RateLimit.GlobalPerMinute = 600
	}
	if c.RateLimit.PerAccountPerMinute <= 0 {
		c.RateLimit.PerAccountPerMinute = 60
	}
	if c.RateLimit.PerGroupPerMinute <= 0 {
		c.RateLimit.PerGroupPerMinute = 30
	}
	if c.Executor.MaxDelayMs < c.Executor.MinDelayMs {
		c.Executor.MaxDelayMs = c.Executor.MinDelayMs
	}
	if c.Executor.SendQPS <= 0 {
		c.Executor.SendQPS = 1
	}
	if c.Executor.SendBurst <= 0 {
		c.Executor.SendBurst = 3
	}
	if c.Router.DedupCapacity <= 0 {
		c.Router.DedupCapacity = 4096
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 256
	}
	for i := range c.Accounts {
		c.Accounts[i].Policy = c.FillPolicy(c.Accounts[i].Policy)
	}
}

// FillPolicy 用全局默认值补齐账号策略中未设置的字段。
func (c Config) FillPolicy(p model.AccountPolicy) model.AccountPolicy {
	if p.ReplyRate <= 0 {
		p.ReplyRate = c.Dialogue.DefaultReplyRate
	}
	if p.MaxRepliesPerPeriod <= 0 {
		p.MaxRepliesPerPeriod = c.Dialogue.MaxRepliesPerPeriod
	}
	if p.MinReplyIntervalSeconds <= 0 {
		p.MinReplyIntervalSeconds = c.Dialogue.MinReplyIntervalSeconds
	}
	if p.RedpacketProbabilityBase <= 0 {
		p.RedpacketProbabilityBase = c.Redpacket.ProbabilityBase
	}
	return p
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if _, err := decimal.NewFromString(c.Redpacket.MinAmount); err != nil {
		return fmt.Errorf("redpacket.minAmount: %w", err)
	}
	if len(c.Accounts) > c.Pool.MaxAccounts {
		return fmt.Errorf("accounts: %d configured, pool.maxAccounts is %d", len(c.Accounts), c.Pool.MaxAccounts)
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return errors.New("accounts: id is required")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("accounts: duplicate id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	for _, k := range c.Keywords {
		if k.Pattern == "" {
			return fmt.Errorf("keywords: rule %q has empty pattern", k.Name)
		}
	}
	return nil
}
