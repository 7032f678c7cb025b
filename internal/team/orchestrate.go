package team

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/guardian/internal/guardian"
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/render"

	"github.com/google/uuid"
)

// DefaultMaxIterations bounds the orchestration loop. Without a cap a
// coordinator that never judges a result relevant would spin forever.
const DefaultMaxIterations = 10

// OrchestrateOption adjusts a single Orchestrate call.
type OrchestrateOption func(*orchestrateConfig)

type orchestrateConfig struct {
	maxIterations int
}

func WithMaxIterations(n int) OrchestrateOption {
	return func(c *orchestrateConfig) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// Result is the outcome of one orchestration. Complete is false when
// the iteration cap stopped the loop before the coordinator accepted a
// result.
type Result struct {
	Output      any
	Debrief     map[string]any
	History     []any
	Complete    bool
	Iterations  int
	Explanation string
}

// Orchestrate routes a request through the team: the coordinator
// handles it (answering, running a jinx, or delegating), judges the
// result's relevance, and either finishes with a debrief or re-prompts
// itself with steering feedback.
func (t *Team) Orchestrate(ctx context.Context, request string, opts ...OrchestrateOption) (*Result, error) {
	cfg := orchestrateConfig{maxIterations: DefaultMaxIterations}
	for _, opt := range opts {
		opt(&cfg)
	}

	coordinator, err := t.Coordinator()
	if err != nil {
		return nil, err
	}

	t.logEvent("orchestration_start", map[string]any{"request": request})

	meta := guardian.CallMeta{
		ConversationID: uuid.NewString(),
		TeamName:       t.Name,
	}

	currentRequest := request
	var result any

	for iteration := 1; iteration <= cfg.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err = coordinator.HandleCommand(ctx, currentRequest, t.Roster(), t.GetGuardian, meta)
		if err != nil {
			return nil, fmt.Errorf("coordinator failed on iteration %d: %w", iteration, err)
		}

		t.recordResult(result)
		t.logEvent("iteration", map[string]any{"iteration": iteration, "output": result})

		relevant, explanation, err := t.judge(ctx, coordinator, request, result)
		if err != nil {
			return nil, fmt.Errorf("relevance check failed on iteration %d: %w", iteration, err)
		}

		if relevant {
			debrief := t.debrief(ctx, coordinator, request)
			res := &Result{
				Output:     result,
				Debrief:    debrief,
				History:    t.historySnapshot(),
				Complete:   true,
				Iterations: iteration,
			}
			t.logEvent("orchestration_complete", map[string]any{"iterations": iteration})
			return res, nil
		}

		currentRequest = request +
			"\n\nThe request has not yet been fully completed. " + explanation +
			"\nPlease address only the remaining parts of the request."
	}

	t.logEvent("orchestration_incomplete", map[string]any{"iterations": cfg.maxIterations})
	return &Result{
		Output:      result,
		History:     t.historySnapshot(),
		Complete:    false,
		Iterations:  cfg.maxIterations,
		Explanation: "iteration limit reached before the coordinator accepted a result",
	}, nil
}

// judge asks the coordinator whether the result is relevant to the
// request. An unparseable reply counts as not relevant.
func (t *Team) judge(ctx context.Context, coordinator *guardian.Guardian, request string, result any) (bool, string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Context:\nUser request: %q\n\nThe previous agent returned:\n%s\n\n", request, formatResult(resultOutput(result)))
	sb.WriteString("Instructions:\nCheck whether the response is relevant to the user's request.\n\n")

	if len(t.Guardians) == 0 {
		sb.WriteString("The team has no members, so the coordinator must handle the request alone.\n")
	} else {
		fmt.Fprintf(&sb, "These are all the members of the team: %s\n", strings.Join(t.Roster(), ", "))
		fmt.Fprintf(&sb, "Requests are made to the coordinator, %s, who passes them along to the other members.\n", coordinator.Name)
	}

	sb.WriteString(`
Mainly concern yourself with ensuring there are no glaring errors nor
fundamental mishaps in the response. Do not consider stylistic hiccups
as the answer being irrelevant. As long as the response is clearly
relevant to the input request and along the user's intended direction,
it is considered relevant. It is more important to get a response to
the user than to account for all edge cases.

Return a JSON object with:
- 'relevant': boolean
- 'explanation': a single string citing why the response is irrelevant, if it is
Return only the JSON object.`)

	resp, err := coordinator.CompleteJSON(ctx, sb.String(), []llm.Message{})
	if err != nil {
		return false, "", err
	}

	if resp.JSON == nil {
		return false, "Could not determine completion status", nil
	}
	relevant, _ := resp.JSON["relevant"].(bool)
	explanation, _ := resp.JSON["explanation"].(string)
	return relevant, explanation, nil
}

// debrief summarizes the run. A failed debrief never fails the
// orchestration.
func (t *Team) debrief(ctx context.Context, coordinator *guardian.Guardian, request string) map[string]any {
	prompt := fmt.Sprintf(`Context:
Original request: %s
Execution history: %s

Instructions:
Provide a summary of actions taken and recommendations.
Return a JSON object with:
- 'summary': Overview of what was accomplished
- 'recommendations': Suggested next steps
Return only the JSON object.`, request, formatResult(t.historySnapshot()))

	resp, err := coordinator.CompleteJSON(ctx, prompt, []llm.Message{})
	if err != nil {
		t.logger.Warn("debrief failed", "team", t.Name, "error", err)
		return nil
	}
	return resp.JSON
}

func (t *Team) recordResult(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history, _ := t.shared["execution_history"].([]any)
	t.shared["execution_history"] = append(history, result)

	if m, ok := result.(map[string]any); ok {
		results, _ := t.shared["intermediate_results"].(map[string]any)
		if results != nil {
			for k, v := range m {
				results[k] = v
			}
		}

		// Conversation turns from a jinx run are filed under the
		// guardian that handled it.
		if name, _ := m["npc_name"].(string); name != "" {
			if msgs, ok := m[render.KeyMessages].([]llm.Message); ok && len(msgs) > 0 {
				npcMsgs, _ := t.shared["npc_messages"].(map[string][]llm.Message)
				if npcMsgs != nil {
					npcMsgs[name] = append(npcMsgs[name], msgs...)
				}
			}
		}
	}
}

func (t *Team) historySnapshot() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	history, _ := t.shared["execution_history"].([]any)
	out := make([]any, len(history))
	copy(out, history)
	return out
}

// logEvent records an orchestration event; storage trouble is logged,
// never fatal.
func (t *Team) logEvent(entryType string, content map[string]any) {
	if t.deps.Store == nil {
		return
	}
	if err := t.deps.Store.LogEntry(t.Name, entryType, content, nil); err != nil {
		t.logger.Warn("could not log orchestration event", "team", t.Name, "type", entryType, "error", err)
	}
}

// resultOutput narrows a jinx result to its output slot so the judge
// sees the answer, not the whole execution context.
func resultOutput(result any) any {
	if m, ok := result.(map[string]any); ok {
		if out, ok := m[render.KeyOutput]; ok && out != nil {
			return out
		}
	}
	return result
}

func formatResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
