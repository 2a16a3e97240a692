// Package config loads worker settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"flow-runner/connectors"
	"flow-runner/queue"
	"flow-runner/store"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	Engine   EngineConfig   `mapstructure:"engine"`
	LLM      LLMConfig      `mapstructure:"llm"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"min=1"`
	// Migrate creates the tables on startup. Production schemas are managed
	// outside the worker.
	Migrate bool `mapstructure:"migrate"`
}

type QueueConfig struct {
	Backend            string        `mapstructure:"backend" validate:"oneof=memory temporal"`
	Concurrency        int           `mapstructure:"concurrency" validate:"min=1"`
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient" validate:"gte=1"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
	RunTimeout         time.Duration `mapstructure:"run_timeout" validate:"gt=0"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type EngineConfig struct {
	Ordering           string        `mapstructure:"ordering" validate:"oneof=topological declared"`
	ConnectorTimeout   time.Duration `mapstructure:"connector_timeout" validate:"gt=0"`
	MaxExpressionBytes int           `mapstructure:"max_expression_bytes" validate:"min=1"`
}

type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url" validate:"omitempty,url"`
	MaxTokens   int     `mapstructure:"max_tokens" validate:"min=1"`
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Secure   bool   `mapstructure:"secure"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from" validate:"omitempty,email"`
}

// envBindings keeps the variable names deployments already set
var envBindings = map[string][]string{
	"database.url":       {"DATABASE_URL"},
	"queue.concurrency":  {"WORKER_CONCURRENCY"},
	"temporal.host_port": {"TEMPORAL_GRPC_ENDPOINT"},
	"llm.api_key":        {"OPENAI_API_KEY"},
	"llm.model":          {"OPENAI_MODEL"},
	"llm.max_tokens":     {"OPENAI_MAX_TOKENS"},
	"smtp.host":          {"SMTP_HOST"},
	"smtp.port":          {"SMTP_PORT"},
	"smtp.secure":        {"SMTP_SECURE"},
	"smtp.user":          {"SMTP_USER"},
	"smtp.password":      {"SMTP_PASSWORD", "SMTP_PASS"},
	"smtp.from":          {"SMTP_FROM"},
}

func setDefaults(v *viper.Viper) {
	policy := queue.DefaultPolicy()

	v.SetDefault("log.development", true)
	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "flow-runner.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.migrate", true)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.concurrency", policy.Concurrency)
	v.SetDefault("queue.max_attempts", policy.MaxAttempts)
	v.SetDefault("queue.initial_backoff", policy.InitialBackoff)
	v.SetDefault("queue.backoff_coefficient", policy.BackoffCoefficient)
	v.SetDefault("queue.max_backoff", policy.MaxBackoff)
	v.SetDefault("queue.heartbeat_timeout", policy.HeartbeatTimeout)
	v.SetDefault("queue.run_timeout", policy.RunTimeout)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", queue.DefaultTaskQueue)

	v.SetDefault("engine.ordering", "topological")
	v.SetDefault("engine.connector_timeout", connectors.DefaultTimeout)
	v.SetDefault("engine.max_expression_bytes", connectors.DefaultMaxExpressionBytes)

	v.SetDefault("llm.model", "gpt-3.5-turbo")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.7)

	v.SetDefault("smtp.port", 587)
}

// Load reads path (if not empty) and overlays the environment. Besides the
// names in envBindings every key can be set as FLOW_RUNNER_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOW_RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envBindings {
		args := append([]string{key, "FLOW_RUNNER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and reports every violation
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
	})
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validation error: %w", err)
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		messages = append(messages, formatFieldError(e))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, e.Param(), e.Value())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, e.Param(), e.Value())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed %s validation (got: %v)", field, e.Tag(), e.Value())
	}
}

func (c *Config) QueuePolicy() queue.Policy {
	return queue.Policy{
		Concurrency:        c.Queue.Concurrency,
		MaxAttempts:        c.Queue.MaxAttempts,
		InitialBackoff:     c.Queue.InitialBackoff,
		BackoffCoefficient: c.Queue.BackoffCoefficient,
		MaxBackoff:         c.Queue.MaxBackoff,
		HeartbeatTimeout:   c.Queue.HeartbeatTimeout,
		RunTimeout:         c.Queue.RunTimeout,
	}
}

func (c *Config) StoreConfig() store.Config {
	sc := store.DefaultConfig(c.Database.URL)
	sc.MaxOpenConns = c.Database.MaxOpenConns
	if sc.MaxIdleConns > sc.MaxOpenConns {
		sc.MaxIdleConns = sc.MaxOpenConns
	}
	return sc
}

func (c *Config) TemporalOptions() queue.TemporalConfig {
	return queue.TemporalConfig{
		HostPort:  c.Temporal.HostPort,
		Namespace: c.Temporal.Namespace,
		TaskQueue: c.Temporal.TaskQueue,
	}
}

// SMTPSettings falls back to the SMTP user as sender, as most relays
// require.
func (c *Config) SMTPSettings() connectors.SMTPSettings {
	from := c.SMTP.From
	if from == "" {
		from = c.SMTP.User
	}
	return connectors.SMTPSettings{
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Secure:   c.SMTP.Secure,
		User:     c.SMTP.User,
		Password: c.SMTP.Password,
		From:     from,
	}
}

func (c *Config) LLMDefaults() connectors.LLMDefaults {
	temperature := c.LLM.Temperature
	return connectors.LLMDefaults{
		Model:       c.LLM.Model,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: &temperature,
	}
}
