package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDelegateTarget = errors.New("invalid guardian to pass command to")

// Decision actions.
const (
	ActionAnswer     = "answer"
	ActionInvokeJinx = "invoke_jinx"
	ActionPassToNPC  = "pass_to_npc"
)

// Decision is the classifier's verdict on how a command should be
// handled.
type Decision struct {
	Action   string         `json:"action"`
	Response string         `json:"response,omitempty"`
	JinxName string         `json:"jinx_name,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Target   string         `json:"target,omitempty"`
}

// maxPassDepth bounds delegation chains so two guardians cannot bounce
// a command between each other forever.
const maxPassDepth = 3

// CheckCommand asks the LLM to classify a command: answer it directly,
// invoke one of this guardian's jinxs, or pass it to a teammate. An
// unparseable reply degrades to a direct answer.
func (g *Guardian) CheckCommand(ctx context.Context, command string, teammates []string) (*Decision, error) {
	prompt := g.buildCheckPrompt(command, teammates)

	resp, err := g.CompleteJSON(ctx, prompt, nil)
	if err != nil {
		return nil, err
	}

	if resp.JSON == nil {
		return &Decision{Action: ActionAnswer, Response: resp.Text}, nil
	}

	data, err := json.Marshal(resp.JSON)
	if err != nil {
		return &Decision{Action: ActionAnswer, Response: resp.Text}, nil
	}
	var decision Decision
	if err := json.Unmarshal(data, &decision); err != nil || decision.Action == "" {
		return &Decision{Action: ActionAnswer, Response: resp.Text}, nil
	}
	return &decision, nil
}

func (g *Guardian) buildCheckPrompt(command string, teammates []string) string {
	var sb strings.Builder
	sb.WriteString("A user issued the following command:\n\n")
	sb.WriteString(command)
	sb.WriteString("\n\nDecide how to handle it. Respond with a JSON object:\n")
	sb.WriteString(`{"action": "answer" | "invoke_jinx" | "pass_to_npc", "response": "...", "jinx_name": "...", "inputs": {...}, "target": "..."}` + "\n\n")

	if len(g.Jinxs) > 0 {
		sb.WriteString("Available jinxs:\n")
		names := make([]string, 0, len(g.Jinxs))
		for name := range g.Jinxs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			j := g.Jinxs[name]
			inputs := make([]string, 0, len(j.Inputs))
			for _, in := range j.Inputs {
				inputs = append(inputs, in.Name)
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", name, strings.Join(inputs, ", "), j.Description)
		}
		sb.WriteString("\n")
	}

	if len(teammates) > 0 {
		sb.WriteString("Teammates you may pass to:\n")
		for _, name := range teammates {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Use \"answer\" with a \"response\" to reply directly. ")
	sb.WriteString("Use \"invoke_jinx\" with \"jinx_name\" and \"inputs\" to run a jinx. ")
	if len(teammates) > 0 {
		sb.WriteString("Use \"pass_to_npc\" with \"target\" to hand off to a better-suited teammate.")
	}
	return sb.String()
}

// Resolver looks up a teammate by name; nil means unknown.
type Resolver func(name string) *Guardian

// HandleCommand classifies the command and carries out the decision.
func (g *Guardian) HandleCommand(ctx context.Context, command string, teammates []string, resolve Resolver, meta CallMeta) (any, error) {
	return g.handleCommand(ctx, command, teammates, resolve, meta, 0)
}

func (g *Guardian) handleCommand(ctx context.Context, command string, teammates []string, resolve Resolver, meta CallMeta, depth int) (any, error) {
	decision, err := g.CheckCommand(ctx, command, teammates)
	if err != nil {
		return nil, err
	}

	switch decision.Action {
	case ActionInvokeJinx:
		result, err := g.RunJinx(ctx, decision.JinxName, decision.Inputs, meta)
		if err != nil {
			return nil, err
		}
		m := map[string]any(result)
		// Tag the result so a team can attribute it.
		m["npc_name"] = g.Name
		return m, nil

	case ActionPassToNPC:
		if depth >= maxPassDepth {
			g.deps.Logger.Warn("delegation depth exceeded, answering directly", "guardian", g.Name)
			return decision.Response, nil
		}
		var target *Guardian
		if resolve != nil {
			target = resolve(decision.Target)
		}
		if target == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDelegateTarget, decision.Target)
		}
		return g.delegate(ctx, target, command, teammates, resolve, meta, depth)

	default:
		return decision.Response, nil
	}
}

// delegate re-issues the command to target with a provenance note so
// the receiver knows the command was passed and should not bounce it
// straight back.
func (g *Guardian) delegate(ctx context.Context, target *Guardian, command string, teammates []string, resolve Resolver, meta CallMeta, depth int) (any, error) {
	if target == nil {
		return nil, ErrInvalidDelegateTarget
	}

	updated := fmt.Sprintf(
		"%s\n\nNOTE: THIS COMMAND HAS BEEN PASSED FROM %s TO YOU, %s.\nPLEASE CHOOSE ONE OF THE OTHER OPTIONS WHEN RESPONDING.",
		command, g.Name, target.Name,
	)

	// Share state with the receiver.
	target.shared.Merge(g.shared)

	return target.handleCommand(ctx, updated, teammates, resolve, meta, depth+1)
}
