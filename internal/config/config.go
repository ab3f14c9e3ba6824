package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/experiment-callouts/internal/agent"
	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
	"github.com/ignite/experiment-callouts/internal/pkg/awsclient"
	"github.com/ignite/experiment-callouts/internal/reflection"
	"github.com/ignite/experiment-callouts/internal/snowflake"
	"github.com/ignite/experiment-callouts/internal/validate"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Snowflake  snowflake.Config  `yaml:"snowflake"`
	Model      ModelConfig       `yaml:"model"`
	Agent      AgentConfig       `yaml:"agent"`
	Classifier classify.Config   `yaml:"classifier"`
	Reflection reflection.Config `yaml:"reflection"`
	Validator  validate.Limits   `yaml:"validator"`
	Catalog    CatalogConfig     `yaml:"catalog"`
	Redis      RedisConfig       `yaml:"redis"`
	Storage    StorageConfig     `yaml:"storage"`
	AWS        awsclient.Options `yaml:"aws"`
	Slack      SlackConfig       `yaml:"slack"`
	Email      EmailConfig       `yaml:"email"`
	Batch      BatchConfig       `yaml:"batch"`
	Log        LogConfig         `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr is host:port for the listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// ModelConfig selects and configures the language-model provider.
type ModelConfig struct {
	Provider          string  `yaml:"provider"` // "openai" or "bedrock"
	Name              string  `yaml:"name"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	PortkeyAPIKey     string  `yaml:"portkey_api_key"`
	PortkeyVirtualKey string  `yaml:"portkey_virtual_key"`
	PortkeyConfig     string  `yaml:"portkey_config"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
}

// Timeout returns the configured timeout as a duration
func (c ModelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentConfig holds the reasoning loop's budgets and model-sharing limits.
type AgentConfig struct {
	Budget     agent.Budget       `yaml:"budget"`
	Shared     agent.SharedConfig `yaml:"shared"`
	PolicyPath string             `yaml:"policy_path"`
	Retry      RetryConfig        `yaml:"retry"`
}

// RetryConfig is the model-call retry policy.
type RetryConfig struct {
	Attempts         int     `yaml:"attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay_seconds"`
	MaxDelaySeconds  float64 `yaml:"max_delay_seconds"`
}

// CatalogConfig overrides the default metric tier lists.
type CatalogConfig struct {
	Primary   []string `yaml:"primary"`
	Guardrail []string `yaml:"guardrail"`
}

// RedisConfig holds the Redis connection used for the model cache and the run lock.
type RedisConfig struct {
	URL             string `yaml:"url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
}

// CacheTTL returns the model response cache TTL.
func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LockTTL returns the run lock TTL.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// StorageConfig holds report storage configuration
type StorageConfig struct {
	Type          string `yaml:"type"` // "local", "s3" or "both"
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"` // base64 AES-256 key, optional
}

// UsesLocal reports whether reports are written to disk.
func (c StorageConfig) UsesLocal() bool { return c.Type == "local" || c.Type == "both" }

// UsesS3 reports whether reports are archived to S3.
func (c StorageConfig) UsesS3() bool { return c.Type == "s3" || c.Type == "both" }

// SlackConfig holds the incoming-webhook destination.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	MaxRetries int    `yaml:"max_retries"`
}

// EmailConfig holds SES delivery settings.
type EmailConfig struct {
	Enabled       bool     `yaml:"enabled"`
	From          string   `yaml:"from"`
	To            []string `yaml:"to"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

// BatchConfig holds the per-date driver settings.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
	// DailyAt is the UTC "HH:MM" at which serve mode runs the batch; empty disables it.
	DailyAt string `yaml:"daily_at"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Redact *bool  `yaml:"redact"`
}

// RedactEnabled defaults to true.
func (c LogConfig) RedactEnabled() bool { return c.Redact == nil || *c.Redact }

// Load reads and parses the configuration file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	cfg.Snowflake = cfg.Snowflake.WithDefaults()

	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "openai"
	}
	if cfg.Model.Name == "" && cfg.Model.Provider == "openai" {
		cfg.Model.Name = "gpt-4o"
	}
	if cfg.Model.TimeoutSeconds == 0 {
		cfg.Model.TimeoutSeconds = 120
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 4000
	}

	def := agent.DefaultBudget()
	b := &cfg.Agent.Budget
	if b.MaxIterations == 0 {
		b.MaxIterations = def.MaxIterations
	}
	if b.MaxToolCalls == 0 {
		b.MaxToolCalls = def.MaxToolCalls
	}
	if b.MaxDuration == 0 {
		b.MaxDuration = def.MaxDuration
	}
	if b.CallTimeout == 0 {
		b.CallTimeout = def.CallTimeout
	}
	if b.MaxValidationRetries == 0 {
		b.MaxValidationRetries = def.MaxValidationRetries
	}
	if b.MaxParallelTools == 0 {
		b.MaxParallelTools = def.MaxParallelTools
	}
	shared := agent.DefaultSharedConfig()
	if cfg.Agent.Shared.MaxConcurrent == 0 {
		cfg.Agent.Shared.MaxConcurrent = shared.MaxConcurrent
	}
	if cfg.Agent.Shared.RequestsPerSecond == 0 {
		cfg.Agent.Shared.RequestsPerSecond = shared.RequestsPerSecond
	}
	if cfg.Agent.Shared.Burst == 0 {
		cfg.Agent.Shared.Burst = shared.Burst
	}
	if cfg.Agent.Retry.Attempts == 0 {
		cfg.Agent.Retry.Attempts = 3
	}
	if cfg.Agent.Retry.BaseDelaySeconds == 0 {
		cfg.Agent.Retry.BaseDelaySeconds = 1
	}
	if cfg.Agent.Retry.MaxDelaySeconds == 0 {
		cfg.Agent.Retry.MaxDelaySeconds = 30
	}

	if cfg.Classifier == (classify.Config{}) {
		cfg.Classifier = classify.DefaultConfig()
	}
	rdef := reflection.DefaultConfig()
	if cfg.Reflection.DeepDiveImpact == 0 {
		cfg.Reflection.DeepDiveImpact = rdef.DeepDiveImpact
	}
	if cfg.Reflection.EscalationImpact == 0 {
		cfg.Reflection.EscalationImpact = rdef.EscalationImpact
	}
	if cfg.Reflection.ExtremeP == 0 {
		cfg.Reflection.ExtremeP = rdef.ExtremeP
	}
	if cfg.Reflection.MaxHypotheses == 0 {
		cfg.Reflection.MaxHypotheses = rdef.MaxHypotheses
	}
	if cfg.Reflection.StarvedCap == 0 {
		cfg.Reflection.StarvedCap = rdef.StarvedCap
	}
	if cfg.Validator == (validate.Limits{}) {
		cfg.Validator = validate.DefaultLimits()
	}

	if cfg.Redis.CacheTTLSeconds == 0 {
		cfg.Redis.CacheTTLSeconds = 24 * 3600
	}
	if cfg.Redis.LockTTLSeconds == 0 {
		cfg.Redis.LockTTLSeconds = 3600
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./callouts"
	}
	if cfg.Storage.S3Prefix == "" {
		cfg.Storage.S3Prefix = "experiment-callouts/"
	}
	if cfg.Slack.MaxRetries == 0 {
		cfg.Slack.MaxRetries = 3
	}
	if cfg.Email.SubjectPrefix == "" {
		cfg.Email.SubjectPrefix = "NUX Experiment Callout"
	}
	if cfg.Batch.Concurrency == 0 {
		cfg.Batch.Concurrency = 4
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	// A connection string fills whatever the individual variables leave unset.
	if cs := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); cs != "" {
		p := snowflake.ParseConnectionString(cs)
		sf := &cfg.Snowflake
		setIfEmpty(&sf.Account, p.Account)
		setIfEmpty(&sf.User, p.User)
		setIfEmpty(&sf.Password, p.Password)
		setIfEmpty(&sf.Warehouse, p.Warehouse)
		setIfEmpty(&sf.Role, p.Role)
		if p.Database != "" {
			sf.Database, sf.Schema = p.Database, p.Schema
		}
	}
	overrides := []struct {
		env string
		dst *string
	}{
		{"SNOWFLAKE_ACCOUNT", &cfg.Snowflake.Account},
		{"SNOWFLAKE_USER", &cfg.Snowflake.User},
		{"SNOWFLAKE_PASSWORD", &cfg.Snowflake.Password},
		{"SNOWFLAKE_DATABASE", &cfg.Snowflake.Database},
		{"SNOWFLAKE_SCHEMA", &cfg.Snowflake.Schema},
		{"SNOWFLAKE_WAREHOUSE", &cfg.Snowflake.Warehouse},
		{"SNOWFLAKE_ROLE", &cfg.Snowflake.Role},
		{"MODEL_PROVIDER", &cfg.Model.Provider},
		{"MODEL_NAME", &cfg.Model.Name},
		{"MODEL_BASE_URL", &cfg.Model.BaseURL},
		{"OPENAI_API_KEY", &cfg.Model.APIKey},
		{"PORTKEY_API_KEY", &cfg.Model.PortkeyAPIKey},
		{"PORTKEY_VIRTUAL_KEY", &cfg.Model.PortkeyVirtualKey},
		{"PORTKEY_CONFIG", &cfg.Model.PortkeyConfig},
		{"REDIS_URL", &cfg.Redis.URL},
		{"AWS_REGION", &cfg.AWS.Region},
		{"CALLOUT_S3_BUCKET", &cfg.Storage.S3Bucket},
		{"CALLOUT_ENCRYPTION_KEY", &cfg.Storage.EncryptionKey},
		{"CALLOUT_EMAIL_FROM", &cfg.Email.From},
		{"LOG_LEVEL", &cfg.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	if cfg.Snowflake.Account != "" {
		cfg.Snowflake.Enabled = true
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Slack.WebhookURL = v
		cfg.Slack.Enabled = true
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate lists every missing or invalid field as one *domain.ConfigurationError.
func (cfg *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	sf := cfg.Snowflake
	if sf.Account == "" {
		add("snowflake.account is required")
	}
	if sf.User == "" {
		add("snowflake.user is required")
	}
	if sf.Password == "" {
		add("snowflake.password is required")
	}
	if err := sf.Validate(); err != nil {
		add("%v", err)
	}

	switch cfg.Model.Provider {
	case "openai":
		if cfg.Model.APIKey == "" && cfg.Model.PortkeyAPIKey == "" {
			add("model.api_key or model.portkey_api_key is required for the openai provider")
		}
		if cfg.Model.BaseURL != "" {
			if _, err := url.ParseRequestURI(cfg.Model.BaseURL); err != nil {
				add("model.base_url is not a URL: %v", err)
			}
		}
	case "bedrock":
	default:
		add("model.provider must be openai or bedrock, got %q", cfg.Model.Provider)
	}
	if cfg.Model.TimeoutSeconds < 0 {
		add("model.timeout_seconds must not be negative")
	}

	problems = append(problems, cfg.Agent.Budget.Validate()...)
	if cfg.Agent.Retry.Attempts < 1 {
		add("agent.retry.attempts must be at least 1")
	}
	if cfg.Classifier.DirectionalPMin > cfg.Classifier.DirectionalPMax {
		add("classifier.directional_p_min must not exceed directional_p_max")
	}
	if cfg.Reflection.DeepDiveImpact > cfg.Reflection.EscalationImpact {
		add("reflection.deep_dive_impact must not exceed escalation_impact")
	}

	switch cfg.Storage.Type {
	case "local", "s3", "both":
	default:
		add("storage.type must be local, s3 or both, got %q", cfg.Storage.Type)
	}
	if cfg.Storage.UsesS3() && cfg.Storage.S3Bucket == "" {
		add("storage.s3_bucket is required for storage type %s", cfg.Storage.Type)
	}
	if cfg.Redis.URL != "" {
		if _, err := url.Parse(cfg.Redis.URL); err != nil {
			add("redis.url is invalid: %v", err)
		}
	}
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL == "" {
		add("slack.webhook_url is required when slack is enabled")
	}
	if cfg.Email.Enabled {
		if cfg.Email.From == "" {
			add("email.from is required when email is enabled")
		}
		if len(cfg.Email.To) == 0 {
			add("email.to needs at least one recipient when email is enabled")
		}
	}
	if cfg.Batch.Concurrency < 1 {
		add("batch.concurrency must be at least 1")
	}
	if cfg.Batch.DailyAt != "" {
		if _, err := time.Parse("15:04", cfg.Batch.DailyAt); err != nil {
			add("batch.daily_at must be HH:MM, got %q", cfg.Batch.DailyAt)
		}
	}

	if len(problems) > 0 {
		return &domain.ConfigurationError{Problems: problems}
	}
	return nil
}
