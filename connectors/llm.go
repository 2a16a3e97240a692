package connectors

import (
	"context"
	"errors"
	"fmt"

	"flow-runner/shared"
	"flow-runner/templating"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

const TypeLLM = "llm"

const defaultSystemPrompt = "You are a helpful assistant."

// LLMDefaults are applied when a node's config leaves a field unset
type LLMDefaults struct {
	Model     string
	MaxTokens int
	// Temperature falls back to 0.7 when nil; zero is a valid setting
	Temperature *float64
}

type llmConfig struct {
	Prompt         string   `mapstructure:"prompt"`
	PromptTemplate string   `mapstructure:"prompt_template"`
	SystemPrompt   string   `mapstructure:"system_prompt"`
	Model          string   `mapstructure:"model"`
	MaxTokens      int      `mapstructure:"max_tokens"`
	Temperature    *float64 `mapstructure:"temperature"`
}

// LLM sends the resolved prompt to a chat model and returns the reply text
type LLM struct {
	model    llms.Model
	defaults LLMDefaults
	logger   *zap.Logger
}

// NewLLM wraps any langchaingo model
func NewLLM(model llms.Model, defaults LLMDefaults, logger *zap.Logger) *LLM {
	if defaults.MaxTokens <= 0 {
		defaults.MaxTokens = 2000
	}
	if defaults.Temperature == nil {
		temperature := 0.7
		defaults.Temperature = &temperature
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{model: model, defaults: defaults, logger: logger}
}

// NewOpenAIModel creates the OpenAI chat model used in production
func NewOpenAIModel(apiKey, model, baseURL string) (llms.Model, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	return client, nil
}

func (l *LLM) Execute(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
	if l.model == nil {
		return nil, errors.New("LLM call failed: no model configured")
	}

	var cfg llmConfig
	if err := decodeConfig(TypeLLM, config, &cfg); err != nil {
		return nil, err
	}

	raw := cfg.Prompt
	if raw == "" {
		raw = cfg.PromptTemplate
	}
	prompt, err := templating.Resolve(raw, ec)
	if err != nil {
		return nil, err
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	system, err = templating.Resolve(system, ec)
	if err != nil {
		return nil, err
	}

	opts := []llms.CallOption{
		llms.WithMaxTokens(firstPositive(cfg.MaxTokens, l.defaults.MaxTokens)),
		llms.WithTemperature(*l.defaults.Temperature),
	}
	if cfg.Temperature != nil {
		opts[1] = llms.WithTemperature(*cfg.Temperature)
	}
	if model := firstNonEmpty(cfg.Model, l.defaults.Model); model != "" {
		opts = append(opts, llms.WithModel(model))
	}

	l.logger.Info("LLM call", zap.Int("promptLength", len(prompt)))

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := l.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("LLM call failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("LLM call failed: empty response")
	}

	result := resp.Choices[0].Content
	l.logger.Info("LLM call successful", zap.Int("promptLength", len(prompt)), zap.Int("responseLength", len(result)))
	return result, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
