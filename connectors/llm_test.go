package connectors

import (
	"context"
	"errors"
	"testing"

	"flow-runner/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"
)

type fakeModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.options)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func textOf(t *testing.T, msg llms.MessageContent) string {
	t.Helper()
	require.Len(t, msg.Parts, 1)
	part, ok := msg.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestLLM_ResolvesPromptAndReturnsText(t *testing.T) {
	model := &fakeModel{reply: "Summary text"}
	ec := shared.NewExecutionContext()
	require.NoError(t, ec.Set("n1", map[string]interface{}{"value": 42}))

	connector := NewLLM(model, LLMDefaults{Model: "gpt-4"}, zaptest.NewLogger(t))
	out, err := connector.Execute(context.Background(), map[string]interface{}{
		"prompt":     "Summarize: {{n1.output}}",
		"max_tokens": float64(128),
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, "Summary text", out)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, "You are a helpful assistant.", textOf(t, model.messages[0]))
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, `Summarize: {"value":42}`, textOf(t, model.messages[1]))
	assert.Equal(t, 128, model.options.MaxTokens)
	assert.Equal(t, 0.7, model.options.Temperature)
	assert.Equal(t, "gpt-4", model.options.Model)
}

func TestLLM_PromptTemplateAndOverrides(t *testing.T) {
	model := &fakeModel{reply: "ok"}
	connector := NewLLM(model, LLMDefaults{}, nil)

	_, err := connector.Execute(context.Background(), map[string]interface{}{
		"prompt_template": "plain",
		"system_prompt":   "Be terse.",
		"temperature":     0.1,
	}, shared.NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", textOf(t, model.messages[0]))
	assert.Equal(t, "plain", textOf(t, model.messages[1]))
	assert.Equal(t, 0.1, model.options.Temperature)
	assert.Equal(t, 2000, model.options.MaxTokens)
}

func TestLLM_ZeroTemperatureDefault(t *testing.T) {
	model := &fakeModel{reply: "ok"}
	zero := 0.0
	connector := NewLLM(model, LLMDefaults{Temperature: &zero}, nil)

	_, err := connector.Execute(context.Background(), map[string]interface{}{"prompt": "plain"}, shared.NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, 0.0, model.options.Temperature)
}

func TestLLM_Failure(t *testing.T) {
	connector := NewLLM(&fakeModel{err: errors.New("rate limited")}, LLMDefaults{}, nil)
	_, err := connector.Execute(context.Background(), map[string]interface{}{"prompt": "hi"}, shared.NewExecutionContext())
	require.Error(t, err)
	assert.Equal(t, "LLM call failed: rate limited", err.Error())

	_, err = NewLLM(nil, LLMDefaults{}, nil).Execute(context.Background(), map[string]interface{}{"prompt": "hi"}, shared.NewExecutionContext())
	require.Error(t, err)
}
