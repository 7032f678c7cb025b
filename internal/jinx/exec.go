package jinx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/render"
)

// Agent is the persona on whose behalf steps run. Natural steps route
// their rendered code through it as a prompt.
type Agent interface {
	AgentName() string
	SharedSnapshot() render.Context
	Complete(ctx context.Context, prompt string, messages []llm.Message) (*llm.Response, error)
}

// ScriptEngine runs sandboxed script steps. It returns the bindings the
// script created or changed; the interpreter merges them back into the
// execution context.
type ScriptEngine interface {
	Run(ctx context.Context, code string, execCtx render.Context, agent Agent) (map[string]any, error)
}

// ExecOptions carries the collaborators a jinx execution needs.
type ExecOptions struct {
	Agent    Agent
	Scripts  ScriptEngine
	Messages []llm.Message
	Logger   *slog.Logger
}

// Execute runs every step in order against a fresh context seeded from
// the agent's shared context and the supplied inputs. Step failures are
// recorded in the step's slot; execution always continues to the next
// step. The only error returned is context cancellation.
func (j *Jinx) Execute(ctx context.Context, inputs map[string]any, jinxs map[string]*Jinx, opts ExecOptions) (render.Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	execCtx := render.Context{}
	if opts.Agent != nil {
		execCtx = opts.Agent.SharedSnapshot().Clone()
	}
	execCtx.Merge(inputs)
	execCtx["jinxs"] = jinxs
	execCtx[render.KeyLLMResponse] = nil
	execCtx[render.KeyOutput] = nil

	messages := opts.Messages

	for _, step := range j.Steps {
		if err := ctx.Err(); err != nil {
			return execCtx, err
		}
		messages = j.executeStep(ctx, step, execCtx, messages, opts, logger)
	}

	return execCtx, nil
}

func (j *Jinx) executeStep(ctx context.Context, step Step, execCtx render.Context, messages []llm.Message, opts ExecOptions, logger *slog.Logger) []llm.Message {
	code := render.RenderOrLiteral(step.Code, execCtx, nil, logger)
	engine := render.RenderOrLiteral(step.Engine, execCtx, nil, logger)

	switch engine {
	case EngineNatural:
		if strings.TrimSpace(code) == "" {
			return messages
		}
		if opts.Agent == nil {
			execCtx[step.Name] = map[string]any{"error": "no agent available for natural step"}
			return messages
		}
		resp, err := opts.Agent.Complete(ctx, code, messages)
		if err != nil {
			logger.Error("natural step failed", "jinx", j.Name, "step", step.Name, "error", err)
			execCtx[step.Name] = map[string]any{"error": err.Error()}
			return messages
		}
		execCtx[render.KeyOutput] = resp.Text
		execCtx[render.KeyLLMResponse] = resp.Text
		execCtx[render.KeyResults] = resp.Text
		execCtx[step.Name] = resp.Text
		execCtx[render.KeyMessages] = resp.Messages
		return resp.Messages

	case EngineLua:
		if opts.Scripts == nil {
			execCtx[step.Name] = map[string]any{"error": "no script engine available"}
			return messages
		}
		updates, err := opts.Scripts.Run(ctx, code, execCtx, opts.Agent)
		if err != nil {
			logger.Error("script step failed", "jinx", j.Name, "step", step.Name, "error", err)
			execCtx[step.Name] = map[string]any{"error": err.Error()}
			return messages
		}
		execCtx.Merge(updates)
		if out, ok := updates[render.KeyOutput]; ok {
			execCtx[render.KeyOutput] = out
			execCtx[step.Name] = out
		}
		return messages

	default:
		execCtx[step.Name] = map[string]any{"error": fmt.Sprintf("Unsupported engine: %s", engine)}
		return messages
	}
}
