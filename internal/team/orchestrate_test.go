package team

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/guardian/internal/guardian"
	"github.com/mpataki/guardian/internal/jinx"
	"github.com/mpataki/guardian/internal/llm"
)

// fnClient dispatches on the request so tests can script the classifier
// and judge independently of call order.
type fnClient struct {
	reqs []llm.Request
	fn   func(req llm.Request) llm.Response
}

func (c *fnClient) Call(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.reqs = append(c.reqs, req)
	resp := c.fn(req)
	return &resp, nil
}

func answerDecision(text string) llm.Response {
	return llm.Response{Text: text, JSON: map[string]any{"action": "answer", "response": text}}
}

func isJudgePrompt(req llm.Request) bool {
	return strings.Contains(req.Prompt, "Check whether the response")
}

func isDebriefPrompt(req llm.Request) bool {
	return strings.Contains(req.Prompt, "summary of actions taken")
}

func TestOrchestrateCompletesWhenRelevant(t *testing.T) {
	client := &fnClient{fn: func(req llm.Request) llm.Response {
		switch {
		case isJudgePrompt(req):
			return llm.Response{JSON: map[string]any{"relevant": true}}
		case isDebriefPrompt(req):
			return llm.Response{JSON: map[string]any{"summary": "done", "recommendations": "none"}}
		default:
			return answerDecision("the answer")
		}
	}}
	deps := guardian.Deps{LLM: client}

	crew := New("crew", deps)
	crew.AddGuardian(mustGuardian(t, "scribe", deps))
	crew.SetCoordinator("scribe")

	result, err := crew.Orchestrate(context.Background(), "explain tides")
	require.NoError(t, err)

	assert.True(t, result.Complete)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "the answer", result.Output)
	assert.Equal(t, map[string]any{"summary": "done", "recommendations": "none"}, result.Debrief)
	assert.Len(t, result.History, 1)
}

func TestOrchestrateReprompsWithSteering(t *testing.T) {
	judged := 0
	client := &fnClient{fn: func(req llm.Request) llm.Response {
		switch {
		case isJudgePrompt(req):
			judged++
			if judged == 1 {
				return llm.Response{JSON: map[string]any{"relevant": false, "explanation": "missed the second part"}}
			}
			return llm.Response{JSON: map[string]any{"relevant": true}}
		case isDebriefPrompt(req):
			return llm.Response{JSON: map[string]any{"summary": "done"}}
		default:
			return answerDecision("attempt")
		}
	}}
	deps := guardian.Deps{LLM: client}

	crew := New("crew", deps)
	crew.AddGuardian(mustGuardian(t, "scribe", deps))
	crew.SetCoordinator("scribe")

	result, err := crew.Orchestrate(context.Background(), "explain tides")
	require.NoError(t, err)

	assert.True(t, result.Complete)
	assert.Equal(t, 2, result.Iterations)
	assert.Len(t, result.History, 2)

	// The second classifier call carries the judge's steering feedback.
	var secondAttempt string
	for _, req := range client.reqs {
		if !isJudgePrompt(req) && !isDebriefPrompt(req) && strings.Contains(req.Prompt, "not yet been fully completed") {
			secondAttempt = req.Prompt
		}
	}
	require.NotEmpty(t, secondAttempt)
	assert.Contains(t, secondAttempt, "missed the second part")
	assert.Contains(t, secondAttempt, "explain tides")
}

func TestOrchestrateFilesGuardianMessages(t *testing.T) {
	client := &fnClient{fn: func(req llm.Request) llm.Response {
		switch {
		case isJudgePrompt(req):
			return llm.Response{JSON: map[string]any{"relevant": true}}
		case isDebriefPrompt(req):
			return llm.Response{JSON: map[string]any{"summary": "done"}}
		case req.Prompt == "Draft the note":
			return llm.Response{
				Text: "a fine note",
				Messages: []llm.Message{
					{Role: llm.RoleUser, Content: "Draft the note"},
					{Role: llm.RoleAssistant, Content: "a fine note"},
				},
			}
		default:
			return llm.Response{Text: "invoke", JSON: map[string]any{
				"action":    "invoke_jinx",
				"jinx_name": "note",
			}}
		}
	}}
	deps := guardian.Deps{LLM: client}

	g := mustGuardian(t, "scribe", deps)
	j, err := jinx.Parse([]byte("jinx_name: note\nsteps:\n  - name: draft\n    code: Draft the note\n"))
	require.NoError(t, err)
	g.Jinxs[j.Name] = j

	crew := New("crew", deps)
	crew.AddGuardian(g)
	crew.SetCoordinator("scribe")

	result, err := crew.Orchestrate(context.Background(), "write a note")
	require.NoError(t, err)
	require.True(t, result.Complete)

	m, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "scribe", m["npc_name"])
	assert.Equal(t, "a fine note", m["output"])

	// The run's conversation turns are filed under the guardian that
	// handled the jinx.
	npcMsgs, ok := crew.shared["npc_messages"].(map[string][]llm.Message)
	require.True(t, ok)
	require.Contains(t, npcMsgs, "scribe")
	turns := npcMsgs["scribe"]
	require.NotEmpty(t, turns)
	assert.Equal(t, "a fine note", turns[len(turns)-1].Content)

	// The judge sees the answer, not the serialized execution context.
	for _, req := range client.reqs {
		if isJudgePrompt(req) {
			assert.Contains(t, req.Prompt, "a fine note")
			assert.NotContains(t, req.Prompt, "npc_name")
			assert.NotContains(t, req.Prompt, "llm_response")
		}
	}
}

func TestOrchestrateIterationCap(t *testing.T) {
	client := &fnClient{fn: func(req llm.Request) llm.Response {
		if isJudgePrompt(req) {
			return llm.Response{JSON: map[string]any{"relevant": false, "explanation": "never good enough"}}
		}
		return answerDecision("attempt")
	}}
	deps := guardian.Deps{LLM: client}

	crew := New("crew", deps)
	crew.AddGuardian(mustGuardian(t, "scribe", deps))
	crew.SetCoordinator("scribe")

	result, err := crew.Orchestrate(context.Background(), "explain tides", WithMaxIterations(3))
	require.NoError(t, err)

	assert.False(t, result.Complete)
	assert.Equal(t, 3, result.Iterations)
	assert.Nil(t, result.Debrief)
	assert.NotEmpty(t, result.Explanation)
}

func TestOrchestrateUnparseableJudgeMeansNotRelevant(t *testing.T) {
	judgeCalls := 0
	client := &fnClient{fn: func(req llm.Request) llm.Response {
		if isJudgePrompt(req) {
			judgeCalls++
			// Non-JSON verdicts count as not relevant.
			return llm.Response{Text: "sure, looks fine"}
		}
		return answerDecision("attempt")
	}}
	deps := guardian.Deps{LLM: client}

	crew := New("crew", deps)
	crew.AddGuardian(mustGuardian(t, "scribe", deps))
	crew.SetCoordinator("scribe")

	result, err := crew.Orchestrate(context.Background(), "explain tides", WithMaxIterations(2))
	require.NoError(t, err)
	assert.False(t, result.Complete)
	assert.Equal(t, 2, judgeCalls)
}

func TestOrchestrateCancelled(t *testing.T) {
	client := &fnClient{fn: func(llm.Request) llm.Response { return answerDecision("x") }}
	deps := guardian.Deps{LLM: client}
	crew := New("crew", deps)
	crew.AddGuardian(mustGuardian(t, "scribe", deps))
	crew.SetCoordinator("scribe")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := crew.Orchestrate(ctx, "explain tides")
	assert.ErrorIs(t, err, context.Canceled)
}
