package stego_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stegollm/stego-gateway/internal/adapters"
	"github.com/stegollm/stego-gateway/internal/control"
	"github.com/stegollm/stego-gateway/internal/pipes"
	"github.com/stegollm/stego-gateway/internal/pipes/stego"
	"github.com/stegollm/stego-gateway/internal/rules"
)

const chatRequest = `{"model":"gpt-4","messages":[{"role":"user","content":"Write a function to implement a binary search algorithm"}]}`

func snapshot(t *testing.T) *control.Snapshot {
	t.Helper()
	c, err := control.New(control.Options{
		Settings: control.Settings{CompressionEnabled: true},
	}, rules.Instructions{Dictionaries: []rules.Dictionary{{
		Name:    "d",
		Entries: map[string]string{"function": "fn", "algorithm": "algo"},
	}}})
	require.NoError(t, err)
	return c.Current()
}

func pipeConfig() pipes.Config {
	return pipes.Config{
		Enabled:         true,
		Strategy:        "dictionary",
		Roles:           []string{"system", "user"},
		DetectContexts:  true,
		ExpandResponses: true,
	}
}

func detected(t *testing.T, body string) *pipes.PipeContext {
	t.Helper()
	ctx := pipes.NewPipeContext(adapters.NewOpenAIAdapter(), snapshot(t), []byte(body))
	require.NoError(t, ctx.Transition(pipes.StateDetected))
	return ctx
}

func TestPipe_CompressesAndExpands(t *testing.T) {
	p := stego.New(pipeConfig())
	ctx := detected(t, chatRequest)

	out, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t,
		`{"model":"gpt-4","messages":[{"role":"user","content":"Write a fn to implement a binary search algo"}]}`,
		string(out))
	assert.Equal(t, pipes.StateCompressed, ctx.State())

	orig, comp := ctx.Sizes()
	assert.Equal(t, 55, orig)
	assert.Equal(t, 44, comp)
	assert.Equal(t, []string{"dict:d:algorithm", "dict:d:function"}, ctx.Applied)

	require.NoError(t, ctx.Transition(pipes.StateForwarded))
	require.NoError(t, ctx.Transition(pipes.StateResponseReceived))

	resp := `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Here is a fn using the algo"}}]}`
	expanded, err := p.ProcessResponse(ctx, []byte(resp))
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Here is a function using the algorithm"}}]}`,
		string(expanded))
	assert.Equal(t, pipes.StateExpanded, ctx.State())
}

func TestPipe_UnadaptableBodyPassesThrough(t *testing.T) {
	p := stego.New(pipeConfig())
	body := `{"model":"gpt-4","messages":[{"role":"assistant","content":"Write a function"}]}`
	ctx := detected(t, body)

	out, err := p.Process(ctx)
	assert.ErrorIs(t, err, adapters.ErrUnadaptable)
	assert.Equal(t, body, string(out))
	assert.Equal(t, pipes.StatePassthrough, ctx.State())
	assert.Equal(t, pipes.ReasonUnadaptable, ctx.Reason())
	assert.False(t, ctx.Extracted())
}

func TestPipe_UnknownProvider(t *testing.T) {
	p := stego.New(pipeConfig())
	ctx := pipes.NewPipeContext(nil, snapshot(t), []byte(`{"foo":1}`))
	require.NoError(t, ctx.Transition(pipes.StateDetected))

	out, err := p.Process(ctx)
	assert.ErrorIs(t, err, adapters.ErrUnadaptable)
	assert.Equal(t, `{"foo":1}`, string(out))
	assert.Equal(t, pipes.ReasonUnknownProvider, ctx.Reason())
	assert.False(t, ctx.Extracted())
}

func TestPipe_BelowThreshold(t *testing.T) {
	p := stego.New(pipeConfig())
	ctx := detected(t, chatRequest)
	ctx.CompressionThreshold = pipes.Threshold256

	out, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, chatRequest, string(out))
	assert.Equal(t, pipes.ReasonBelowThreshold, ctx.Reason())
	assert.True(t, ctx.Extracted())

	orig, comp := ctx.Sizes()
	assert.Equal(t, orig, comp)
}

func TestPipe_NothingToCompress(t *testing.T) {
	p := stego.New(pipeConfig())
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hello there"}]}`
	ctx := detected(t, body)

	out, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, body, string(out))
	assert.Equal(t, pipes.ReasonNoop, ctx.Reason())
}

func TestPipe_ResponseNotExpandedWithoutCompression(t *testing.T) {
	cfg := pipeConfig()
	p := stego.New(cfg)
	ctx := detected(t, chatRequest)

	resp := []byte(`{"choices":[{"message":{"content":"a fn"}}]}`)
	out, err := p.ProcessResponse(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, string(resp), string(out))
	assert.False(t, ctx.Expanded())
}

func TestPipe_ExpandResponsesDisabled(t *testing.T) {
	cfg := pipeConfig()
	cfg.ExpandResponses = false
	p := stego.New(cfg)
	ctx := detected(t, chatRequest)
	_, err := p.Process(ctx)
	require.NoError(t, err)
	require.NoError(t, ctx.Transition(pipes.StateForwarded))
	require.NoError(t, ctx.Transition(pipes.StateResponseReceived))

	resp := []byte(`{"choices":[{"message":{"content":"a fn"}}]}`)
	out, err := p.ProcessResponse(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, string(resp), string(out))
}

func TestDetectContexts(t *testing.T) {
	ctx := stego.DetectContexts([]string{"```go\nfmt.Println(1)\n```"}, nil, "", true)
	assert.True(t, ctx.Has(rules.ContextProgramming))

	ctx = stego.DetectContexts([]string{"Fix this: func main() { fmt.Println(x) }"}, nil, "", true)
	assert.True(t, ctx.Has(rules.ContextProgramming))

	ctx = stego.DetectContexts([]string{"Please return the book and let me know"}, nil, "", true)
	assert.False(t, ctx.Has(rules.ContextProgramming))

	ctx = stego.DetectContexts([]string{"```code```"}, []string{"sql"}, "Legal, ops", false)
	assert.Equal(t, []string{"legal", "ops", "sql"}, ctx.Tags())
}

func TestPreview(t *testing.T) {
	res := stego.Preview(snapshot(t).Transformer, "Write a function", nil, true)
	assert.Equal(t, "Write a fn", res.Output)
	assert.Equal(t, []string{"dict:d:function"}, res.Applied)
	assert.True(t, res.RoundTrip)
	assert.Empty(t, res.Contexts.Tags())
}

func TestPreview_DetectsProgrammingContext(t *testing.T) {
	c, err := control.New(control.Options{}, rules.Instructions{Dictionaries: []rules.Dictionary{{
		Name:    "code",
		Entries: map[string]string{"function": "fn"},
		Context: rules.ContextProgramming,
	}}})
	require.NoError(t, err)
	tr := c.Current().Transformer
	prompt := "```go\nfunc main() {}\n```\nRename this function"

	res := stego.Preview(tr, prompt, nil, false)
	assert.Equal(t, prompt, res.Output)

	res = stego.Preview(tr, prompt, nil, true)
	assert.Equal(t, []string{rules.ContextProgramming}, res.Contexts.Tags())
	assert.Equal(t, "```go\nfunc main() {}\n```\nRename this fn", res.Output)
	assert.True(t, res.RoundTrip)
}
