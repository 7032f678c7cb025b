package guardian

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/guardian/internal/jinx"
	"github.com/mpataki/guardian/internal/llm"
)

func decision(action string, fields map[string]any) llm.Response {
	payload := map[string]any{"action": action}
	for k, v := range fields {
		payload[k] = v
	}
	return llm.Response{Text: action, JSON: payload}
}

func TestCheckCommandAnswer(t *testing.T) {
	client := &stubClient{replies: []llm.Response{
		decision(ActionAnswer, map[string]any{"response": "the answer"}),
	}}
	g := newTestGuardian(t, client)

	d, err := g.CheckCommand(context.Background(), "what is up?", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionAnswer, d.Action)
	assert.Equal(t, "the answer", d.Response)

	// The classifier call asks for structured output.
	require.Len(t, client.reqs, 1)
	assert.Equal(t, llm.FormatJSON, client.reqs[0].Format)
	assert.Contains(t, client.reqs[0].Prompt, "what is up?")
}

func TestCheckCommandDegradesToAnswer(t *testing.T) {
	client := &stubClient{replies: []llm.Response{{Text: "free-form reply"}}}
	g := newTestGuardian(t, client)

	d, err := g.CheckCommand(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, ActionAnswer, d.Action)
	assert.Equal(t, "free-form reply", d.Response)
}

func TestCheckCommandListsJinxsAndTeammates(t *testing.T) {
	client := &stubClient{}
	g := newTestGuardian(t, client)
	j, err := jinx.Parse([]byte("jinx_name: summarize\ndescription: shorten text\nsteps: []\n"))
	require.NoError(t, err)
	g.Jinxs[j.Name] = j

	_, err = g.CheckCommand(context.Background(), "hi", []string{"analyst"})
	require.NoError(t, err)

	prompt := client.reqs[0].Prompt
	assert.Contains(t, prompt, "summarize")
	assert.Contains(t, prompt, "shorten text")
	assert.Contains(t, prompt, "analyst")
}

func TestHandleCommandInvokesJinx(t *testing.T) {
	client := &stubClient{replies: []llm.Response{
		decision(ActionInvokeJinx, map[string]any{
			"jinx_name": "summarize",
			"inputs":    map[string]any{"document": "report"},
		}),
		{Text: "the summary"},
	}}
	g := newTestGuardian(t, client)
	j, err := jinx.Parse([]byte("jinx_name: summarize\nsteps:\n  - name: s\n    code: \"Summarize {{.document}}\"\n"))
	require.NoError(t, err)
	g.Jinxs[j.Name] = j

	result, err := g.HandleCommand(context.Background(), "shorten the report", nil, nil, CallMeta{})
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "the summary", m["s"])
	assert.Equal(t, "scribe", m["npc_name"])
	assert.Equal(t, "Summarize report", client.reqs[1].Prompt)
}

func TestHandleCommandPassesToTeammate(t *testing.T) {
	client := &stubClient{replies: []llm.Response{
		decision(ActionPassToNPC, map[string]any{"target": "analyst"}),
		decision(ActionAnswer, map[string]any{"response": "analysis done"}),
	}}
	g := newTestGuardian(t, client)
	target, err := New(Descriptor{Name: "analyst", PrimaryDirective: "d"}, "", Deps{LLM: client})
	require.NoError(t, err)

	resolve := func(name string) *Guardian {
		if name == "analyst" {
			return target
		}
		return nil
	}

	result, err := g.HandleCommand(context.Background(), "analyze this", []string{"analyst"}, resolve, CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "analysis done", result)

	// The receiver sees a provenance note so it does not bounce the
	// command straight back.
	passed := client.reqs[1].Prompt
	assert.Contains(t, passed, "PASSED FROM scribe TO YOU, analyst")
}

func TestHandleCommandUnknownTarget(t *testing.T) {
	client := &stubClient{replies: []llm.Response{
		decision(ActionPassToNPC, map[string]any{"target": "ghost"}),
	}}
	g := newTestGuardian(t, client)

	_, err := g.HandleCommand(context.Background(), "hi", nil, func(string) *Guardian { return nil }, CallMeta{})
	assert.ErrorIs(t, err, ErrInvalidDelegateTarget)
}

func TestHandleCommandDelegationDepthCapped(t *testing.T) {
	// Both guardians always vote to pass; the chain must still end.
	client := &stubClient{replies: []llm.Response{
		decision(ActionPassToNPC, map[string]any{"target": "peer", "response": "gave up"}),
	}}
	g := newTestGuardian(t, client)
	peer, err := New(Descriptor{Name: "peer", PrimaryDirective: "d"}, "", Deps{LLM: client})
	require.NoError(t, err)

	resolve := func(name string) *Guardian {
		if name == "peer" {
			return peer
		}
		return g
	}

	result, err := g.HandleCommand(context.Background(), "hot potato", []string{"peer"}, resolve, CallMeta{})
	require.NoError(t, err)
	assert.Equal(t, "gave up", result)
}
