package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"text/template"

	"github.com/mpataki/guardian/internal/guardian"
	"github.com/mpataki/guardian/internal/render"
)

const (
	defaultMixaAgents = 3
	defaultMixaVoters = 3
	defaultMixaTurns  = 5
)

// executeMixa runs a mixture-of-agents step: several generators answer
// the task independently, then rounds of voting and refinement, then a
// final synthesis call.
func (p *Pipeline) executeMixa(ctx context.Context, step Step, task string, g *guardian.Guardian, model, provider string) (string, error) {
	generators := len(step.MixaAgents)
	if generators == 0 {
		generators = defaultMixaAgents
	}
	voters := len(step.MixaVoters)
	if voters == 0 {
		voters = defaultMixaVoters
	}
	turns := step.MixaTurns
	if turns <= 0 {
		turns = defaultMixaTurns
	}

	responses := make([]string, 0, generators)
	for i := 0; i < generators; i++ {
		resp, err := p.complete(ctx, g, model, provider, task)
		if err != nil {
			return "", fmt.Errorf("mixa generation %d: %w", i+1, err)
		}
		responses = append(responses, resp)
	}

	for turn := 1; turn <= turns; turn++ {
		votes := make([]int, len(responses))
		for i := 0; i < voters; i++ {
			votes[rand.Intn(len(responses))]++
		}

		refined := make([]string, 0, len(responses))
		for i, resp := range responses {
			feedback := buildRefinementPrompt(responses, votes, i, resp)
			next, err := p.complete(ctx, g, model, provider, feedback)
			if err != nil {
				return "", fmt.Errorf("mixa refinement turn %d: %w", turn, err)
			}
			refined = append(refined, next)
		}
		responses = refined
	}

	synthesis := "Synthesize these responses into a coherent answer:\n" + strings.Join(responses, "\n")
	return p.complete(ctx, g, model, provider, synthesis)
}

func buildRefinementPrompt(responses []string, votes []int, index int, own string) string {
	var sb strings.Builder
	sb.WriteString("Current responses and their votes:\n")
	for j, r := range responses {
		preview := r
		if runes := []rune(preview); len(runes) > 100 {
			preview = string(runes[:100])
		}
		fmt.Fprintf(&sb, "Response %d: %s... - Votes: %d\n", j+1, preview, votes[j])
	}
	fmt.Fprintf(&sb, "\nRefine your response #%d: %s", index+1, own)
	return sb.String()
}

// replaceSource substitutes every source reference with data, without
// regexp replacement-string expansion mangling the payload.
func replaceSource(task, data string) string {
	return sourcePattern.ReplaceAllStringFunc(task, func(string) string { return data })
}

func marshalRow(row map[string]any) string {
	data, err := json.Marshal(row)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// executeDataSource expands the first source reference in the task. In
// batch mode the whole table is inlined and answered once; otherwise
// the task runs once per row and the outputs collect into a slice. A
// fetch failure degrades to an empty record set; it never aborts the
// run.
func (p *Pipeline) executeDataSource(ctx context.Context, step Step, execCtx render.Context, funcs template.FuncMap, g *guardian.Guardian, model, provider string) (any, error) {
	match := sourcePattern.FindStringSubmatch(step.Task)
	tableName := match[1]

	rows, err := p.deps.Store.FetchTable(tableName)
	if err != nil {
		p.deps.Logger.Warn("could not fetch source table", "table", tableName, "error", err)
		rows = nil
	}

	if step.BatchMode {
		data := "[]"
		if len(rows) > 0 {
			if b, err := json.Marshal(rows); err == nil {
				data = string(b)
			}
		}
		task := replaceSource(step.Task, data)
		task = render.RenderOrLiteral(task, execCtx, funcs, p.deps.Logger)
		return p.complete(ctx, g, model, provider, task)
	}

	results := make([]any, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowData := marshalRow(row)
		task := replaceSource(step.Task, rowData)
		task = render.RenderOrLiteral(task, execCtx, funcs, p.deps.Logger)

		resp, err := p.complete(ctx, g, model, provider, task)
		if err != nil {
			return nil, fmt.Errorf("row of %q: %w", tableName, err)
		}
		results = append(results, resp)
	}
	return results, nil
}
