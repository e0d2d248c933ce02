package adapters_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stegollm/stego-gateway/internal/adapters"
)

var promptRoles = []string{"system", "user"}

func paths(spans []adapters.Span) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Path
	}
	return out
}

// =============================================================================
// OPENAI
// =============================================================================

func TestOpenAI_ExtractPrompt_Chat(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()

	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "user", "content": "Write a function"},
			{"role": "assistant", "content": "Sure."},
			{"role": "user", "content": [
				{"type": "text", "text": "Explain how it works"},
				{"type": "image_url", "image_url": {"url": "https://example.com/x.png"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "tool output"}
		]
	}`)

	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"messages.0.content",
		"messages.1.content",
		"messages.3.content.0.text",
	}, paths(spans))
	assert.Equal(t, []string{"You are terse.", "Write a function", "Explain how it works"}, adapters.Texts(spans))
	assert.Equal(t, "system", spans[0].Role)

	all, err := adapter.ExtractPrompt(body, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestOpenAI_ExtractPrompt_DeveloperIsSystem(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()
	body := []byte(`{"model":"o3","messages":[{"role":"developer","content":"Be brief"}]}`)

	spans, err := adapter.ExtractPrompt(body, []string{"system"})
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "system", spans[0].Role)
}

func TestOpenAI_ExtractPrompt_Responses(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()

	body := []byte(`{
		"model": "gpt-4.1",
		"instructions": "Answer in English",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "What is a closure"}]},
			{"type": "function_call_output", "call_id": "c1", "output": "ignored"}
		]
	}`)

	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{"instructions", "input.0.content.0.text"}, paths(spans))

	str := []byte(`{"model":"gpt-4.1","input":"Design a cache"}`)
	spans, err = adapter.ExtractPrompt(str, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{"input"}, paths(spans))
}

func TestOpenAI_ExtractPrompt_CompletionsArray(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()
	body := []byte(`{"model":"gpt-3.5-turbo-instruct","prompt":["first","second"]}`)

	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{"prompt.0", "prompt.1"}, paths(spans))
}

func TestOpenAI_ExtractPrompt_Unadaptable(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()

	for _, body := range []string{
		`{"model": "gpt-4o"}`,
		`{"messages": [`,
		`[]`,
		``,
		`{"model":"gpt-4o","messages":[{"role":"assistant","content":"only assistant"}]}`,
	} {
		_, err := adapter.ExtractPrompt([]byte(body), promptRoles)
		assert.True(t, errors.Is(err, adapters.ErrUnadaptable), body)
	}
}

func TestOpenAI_ExtractCompletion(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()

	chat := []byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Use a fn here"}}],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`)
	spans, err := adapter.ExtractCompletion(chat)
	require.NoError(t, err)
	assert.Equal(t, []string{"choices.0.message.content"}, paths(spans))
	assert.Equal(t, adapters.UsageInfo{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}, adapter.ExtractUsage(chat))

	responses := []byte(`{"output":[{"type":"reasoning","summary":[]},{"type":"message","content":[{"type":"output_text","text":"done"}]}],"usage":{"input_tokens":3,"output_tokens":1}}`)
	spans, err = adapter.ExtractCompletion(responses)
	require.NoError(t, err)
	assert.Equal(t, []string{"output.1.content.0.text"}, paths(spans))
	assert.Equal(t, 4, adapter.ExtractUsage(responses).TotalTokens)

	_, err = adapter.ExtractCompletion([]byte(`{"error":{"message":"bad"}}`))
	assert.ErrorIs(t, err, adapters.ErrUnadaptable)
}

func TestOpenAI_ExtractModel(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()
	assert.Equal(t, "gpt-4o", adapter.ExtractModel([]byte(`{"model":"openai/gpt-4o"}`)))
	assert.Equal(t, "", adapter.ExtractModel([]byte(`not json`)))
}

// =============================================================================
// REINJECT
// =============================================================================

func TestReinject_PreservesOtherBytes(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()

	body := `{"model":"gpt-4o",  "temperature": 0.70,
  "messages":[{"role":"user","content":"Write a function"},{"role":"user","content":"keep me"}],"z":[1, 2]}`

	spans, err := adapter.ExtractPrompt([]byte(body), promptRoles)
	require.NoError(t, err)
	spans[0].Text = "WF:"

	out, err := adapter.Reinject([]byte(body), spans)
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(body, `"Write a function"`, `"WF:"`, 1), string(out))
}

func TestReinject_UnchangedSpansReturnSameBody(t *testing.T) {
	adapter := adapters.NewAnthropicAdapter()
	body := []byte(`{"max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)

	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)

	out, err := adapter.Reinject(body, spans)
	require.NoError(t, err)
	assert.Equal(t, string(body), string(out))
}

func TestReinject_AllOrNothing(t *testing.T) {
	adapter := adapters.NewOpenAIAdapter()
	body := []byte(`{"messages":[{"role":"user","content":"a"},{"role":"user","content":[{"type":"text","text":"b"}]}]}`)

	_, err := adapter.Reinject(body, []adapters.Span{
		{Path: "messages.0.content", Text: "x"},
		{Path: "messages.1.content", Text: "y"}, // array, not a string
	})
	assert.ErrorIs(t, err, adapters.ErrUnadaptable)

	_, err = adapter.Reinject(body, []adapters.Span{{Path: "messages.9.content", Text: "x"}})
	assert.ErrorIs(t, err, adapters.ErrUnadaptable)

	assert.Contains(t, string(body), `"content":"a"`, "input must not be modified")
}

func TestReinject_Completion(t *testing.T) {
	adapter := adapters.NewAnthropicAdapter()
	body := []byte(`{"content":[{"type":"text","text":"Use a fn"},{"type":"tool_use","id":"t1","name":"x","input":{}}],"stop_reason":"end_turn"}`)

	spans, err := adapter.ExtractCompletion(body)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	spans[0].Text = "Use a function"

	out, err := adapter.ReinjectCompletion(body, spans)
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(string(body), "Use a fn", "Use a function", 1), string(out))
}

// =============================================================================
// ANTHROPIC / BEDROCK
// =============================================================================

func TestAnthropic_ExtractPrompt(t *testing.T) {
	adapter := adapters.NewAnthropicAdapter()

	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": [{"type": "text", "text": "You are a reviewer."}],
		"messages": [
			{"role": "user", "content": "Summarize the diff"},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "toolu_001", "name": "read_file", "input": {}}]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_001", "content": "package main"},
				{"type": "text", "text": "Now Compare it"}
			]}
		]
	}`)

	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"system.0.text",
		"messages.0.content",
		"messages.2.content.1.text",
	}, paths(spans))
	assert.Equal(t, "claude-sonnet-4", adapter.ExtractModel(body))
}

func TestAnthropic_Usage(t *testing.T) {
	adapter := adapters.NewAnthropicAdapter()
	usage := adapter.ExtractUsage([]byte(`{"usage":{"input_tokens":100,"output_tokens":50}}`))
	assert.Equal(t, adapters.UsageInfo{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}, usage)
	assert.Equal(t, adapters.UsageInfo{}, adapter.ExtractUsage(nil))
}

func TestBedrock_DelegatesToAnthropic(t *testing.T) {
	adapter := adapters.NewBedrockAdapter()
	body := []byte(`{"anthropic_version":"bedrock-2023-05-31","max_tokens":256,"messages":[{"role":"user","content":"What is RAII"}]}`)

	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{"messages.0.content"}, paths(spans))
	assert.Equal(t, "", adapter.ExtractModel(body))

	assert.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0",
		adapters.ExtractModelFromPath("/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke"))
	assert.True(t, adapters.IsBedrockPath("/model/x/invoke-with-response-stream"))
	assert.False(t, adapters.IsBedrockPath("/v1/messages"))
}

// =============================================================================
// GEMINI / OLLAMA
// =============================================================================

func TestGemini_ExtractPromptAndCompletion(t *testing.T) {
	adapter := adapters.NewGeminiAdapter()

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be concise"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "Explain how DNS works"}, {"inlineData": {"mimeType": "image/png", "data": "AAA"}}]},
			{"role": "model", "parts": [{"text": "It resolves names"}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "f", "response": {}}}]}
		]
	}`)
	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{"systemInstruction.parts.0.text", "contents.0.parts.0.text"}, paths(spans))

	resp := []byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"DNS maps names"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":3,"totalTokenCount":8}}`)
	spans, err = adapter.ExtractCompletion(resp)
	require.NoError(t, err)
	assert.Equal(t, []string{"candidates.0.content.parts.0.text"}, paths(spans))
	assert.Equal(t, 8, adapter.ExtractUsage(resp).TotalTokens)

	assert.Equal(t, "gemini-2.0-flash", adapters.ExtractGeminiModelFromPath("/v1beta/models/gemini-2.0-flash:generateContent"))
}

func TestOllama_Generate(t *testing.T) {
	adapter := adapters.NewOllamaAdapter()

	body := []byte(`{"model":"llama3","system":"Be short","prompt":"Write a function","options":{"temperature":0}}`)
	spans, err := adapter.ExtractPrompt(body, promptRoles)
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "prompt"}, paths(spans))

	resp := []byte(`{"model":"llama3","response":"WF: done","done":true,"prompt_eval_count":7,"eval_count":3}`)
	spans, err = adapter.ExtractCompletion(resp)
	require.NoError(t, err)
	assert.Equal(t, []string{"response"}, paths(spans))
	assert.Equal(t, adapters.UsageInfo{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}, adapter.ExtractUsage(resp))
}

// =============================================================================
// DETECTION
// =============================================================================

func TestRegistry_Detect(t *testing.T) {
	registry := adapters.NewRegistry()

	tests := []struct {
		name     string
		body     string
		path     string
		headers  map[string]string
		expected string
	}{
		{
			name:     "openai chat",
			body:     `{"model":"gpt-4o","messages":[{"role":"system","content":"x"},{"role":"user","content":"y"}]}`,
			expected: "openai",
		},
		{
			name:     "anthropic with top-level system",
			body:     `{"model":"claude","system":"x","messages":[{"role":"user","content":"y"}]}`,
			expected: "anthropic",
		},
		{
			name:     "bedrock",
			body:     `{"anthropic_version":"bedrock-2023-05-31","max_tokens":5,"messages":[{"role":"user","content":"y"}]}`,
			expected: "bedrock",
		},
		{
			name:     "gemini",
			body:     `{"contents":[{"parts":[{"text":"y"}]}]}`,
			expected: "gemini",
		},
		{
			name:     "ollama generate",
			body:     `{"model":"llama3","prompt":"y","keep_alive":"5m"}`,
			expected: "ollama",
		},
		{
			name:     "ambiguous chat, path decides",
			body:     `{"model":"m","max_tokens":5,"messages":[{"role":"user","content":"y"}]}`,
			path:     "/v1/chat/completions",
			expected: "openai",
		},
		{
			name:     "ambiguous chat, header decides",
			body:     `{"model":"m","max_tokens":5,"messages":[{"role":"user","content":"y"}]}`,
			headers:  map[string]string{"anthropic-version": "2023-06-01"},
			expected: "anthropic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}
			adapter := registry.Detect([]byte(tt.body), headers, tt.path)
			require.NotNil(t, adapter)
			assert.Equal(t, tt.expected, adapter.Name())
		})
	}
}

func TestRegistry_DetectUnknown(t *testing.T) {
	registry := adapters.NewRegistry()

	assert.Nil(t, registry.Detect([]byte(`{"foo": 1}`), nil, "/v1/chat/completions"))
	assert.Nil(t, registry.Detect([]byte(`{"messages": [`), nil, ""))
	assert.Nil(t, registry.Detect(nil, nil, ""))
}

func TestRegistry_SupportedAPIs(t *testing.T) {
	registry := adapters.NewRegistry()
	registry.SetSupported([]string{"openai", "claude"})

	assert.True(t, registry.Supported(adapters.ProviderAnthropic))
	assert.True(t, registry.Supported(adapters.ProviderBedrock))
	assert.False(t, registry.Supported(adapters.ProviderGemini))

	assert.Nil(t, registry.Detect([]byte(`{"contents":[{"parts":[{"text":"y"}]}]}`), nil, ""))

	registry.SetSupported(nil)
	assert.NotNil(t, registry.Detect([]byte(`{"contents":[{"parts":[{"text":"y"}]}]}`), nil, ""))
}

func TestHintFromRequest(t *testing.T) {
	h := http.Header{}
	h.Set("x-api-key", "sk-ant-abc")
	assert.Equal(t, adapters.ProviderAnthropic, adapters.HintFromRequest("/anything", h))
	assert.Equal(t, adapters.ProviderBedrock, adapters.HintFromRequest("/model/m/invoke", nil))
	assert.Equal(t, adapters.ProviderGemini, adapters.HintFromRequest("/v1beta/models/gemini-pro:generateContent", nil))
	assert.Equal(t, adapters.ProviderOllama, adapters.HintFromRequest("/api/chat", nil))
	assert.Equal(t, adapters.ProviderOpenAI, adapters.HintFromRequest("/v1/responses", nil))
	assert.Equal(t, adapters.ProviderUnknown, adapters.HintFromRequest("/", nil))
}

func TestProviderFromString(t *testing.T) {
	assert.Equal(t, adapters.ProviderAnthropic, adapters.ProviderFromString("Claude"))
	assert.Equal(t, adapters.ProviderUnknown, adapters.ProviderFromString("cohere"))
	assert.True(t, adapters.WantsStream([]byte(`{"stream": true}`)))
	assert.False(t, adapters.WantsStream([]byte(`{}`)))
}
