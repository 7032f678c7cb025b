// Package pipeline runs declarative multi-step workflows over a team:
// plain LLM steps, mixture-of-agents steps, and data-source steps that
// fan out over rows of a stored table. Every run and step result is
// persisted.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/guardian/internal/guardian"
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/models"
	"github.com/mpataki/guardian/internal/render"
	"github.com/mpataki/guardian/internal/storage"
	"github.com/mpataki/guardian/internal/team"
)

var (
	ErrInvalidPipeline  = errors.New("invalid pipeline definition")
	ErrGuardianNotFound = errors.New("guardian not found for step")
	ErrNoTeam           = errors.New("no guardian team available")
)

// Step is one pipeline stage. NPC and Task are templates rendered
// against the accumulated context.
type Step struct {
	StepName   string   `yaml:"step_name"`
	NPC        string   `yaml:"npc"`
	Task       string   `yaml:"task"`
	Model      string   `yaml:"model"`
	Provider   string   `yaml:"provider"`
	Mixa       bool     `yaml:"mixa"`
	MixaAgents []string `yaml:"mixa_agents"`
	MixaVoters []string `yaml:"mixa_voters"`
	MixaTurns  int      `yaml:"mixa_turns"`
	BatchMode  bool     `yaml:"batch_mode"`
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	LLM    llm.Client
	Store  *storage.Storage
	Logger *slog.Logger
}

type Pipeline struct {
	Name  string
	Steps []Step

	team    *team.Team
	deps    Deps
	rawFile []byte
}

// New builds a pipeline from parsed data.
func New(name string, steps []Step, t *team.Team, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{Name: name, Steps: steps, team: t, deps: deps}
}

// Load reads a pipeline file. The pipeline name is the file's base
// name; the raw bytes feed the run's provenance hash.
func Load(path string, t *team.Team, deps Deps) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Steps []Step `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	p := New(name, raw.Steps, t, deps)
	p.rawFile = data
	return p, nil
}

// Hash is the provenance hash of the definition: file contents when
// loaded from disk, canonical JSON of the steps otherwise. Identical
// hashes never short-circuit re-execution.
func (p *Pipeline) Hash() string {
	content := p.rawFile
	if content == nil {
		content, _ = json.Marshal(p.Steps)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// RunResult is one completed pipeline execution.
type RunResult struct {
	RunID   int64
	Results map[string]any
}

var sourcePattern = regexp.MustCompile(`\{\{\s*source\s+"([^"]+)"\s*\}\}`)

// Execute runs every step in order. Each step's output lands in the
// context under the step name so later steps can reference it.
func (p *Pipeline) Execute(ctx context.Context, initial map[string]any) (*RunResult, error) {
	if p.team == nil {
		return nil, ErrNoTeam
	}
	if p.deps.Store == nil {
		return nil, errors.New("pipeline requires storage")
	}

	table, err := p.deps.Store.EnsureResultsTable(p.Name)
	if err != nil {
		return nil, fmt.Errorf("preparing results table: %w", err)
	}
	runID, err := p.deps.Store.CreatePipelineRun(p.Name, p.Hash())
	if err != nil {
		return nil, fmt.Errorf("recording pipeline run: %w", err)
	}

	execCtx := render.Context{}
	execCtx.Merge(initial)
	results := make(map[string]any)

	funcs := template.FuncMap{
		"ref": func(stepName string) any {
			return results[stepName]
		},
		"source": func(tableName string) string {
			return p.fetchSource(tableName)
		},
	}

	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step.StepName == "" {
			return nil, fmt.Errorf("%w: missing step_name", ErrInvalidPipeline)
		}

		npcRef := render.RenderOrLiteral(step.NPC, execCtx, funcs, p.deps.Logger)
		g := p.team.GetGuardian(npcRef)
		if g == nil {
			return nil, fmt.Errorf("%w: %q in step %q", ErrGuardianNotFound, npcRef, step.StepName)
		}

		model := step.Model
		if model == "" {
			model = g.Model
		}
		provider := step.Provider
		if provider == "" {
			provider = g.Provider
		}

		var response any
		var renderedTask string

		switch {
		case step.Mixa:
			renderedTask = render.RenderOrLiteral(step.Task, execCtx, funcs, p.deps.Logger)
			response, err = p.executeMixa(ctx, step, renderedTask, g, model, provider)
		case sourcePattern.MatchString(step.Task):
			renderedTask = step.Task
			response, err = p.executeDataSource(ctx, step, execCtx, funcs, g, model, provider)
		default:
			renderedTask = render.RenderOrLiteral(step.Task, execCtx, funcs, p.deps.Logger)
			response, err = p.complete(ctx, g, model, provider, renderedTask)
		}
		if err != nil {
			return nil, fmt.Errorf("step %q failed: %w", step.StepName, err)
		}

		results[step.StepName] = response
		execCtx[step.StepName] = response

		storeErr := p.deps.Store.StoreStepResult(table, &models.StepResult{
			RunID:        runID,
			StepName:     step.StepName,
			GuardianName: g.Name,
			Model:        model,
			Provider:     provider,
			Inputs:       map[string]any{"task": renderedTask},
			Outputs:      response,
		})
		if storeErr != nil {
			p.deps.Logger.Warn("could not persist step result", "pipeline", p.Name, "step", step.StepName, "error", storeErr)
		}
	}

	return &RunResult{RunID: runID, Results: results}, nil
}

// complete is one LLM round trip under the step's model binding and the
// guardian's directive.
func (p *Pipeline) complete(ctx context.Context, g *guardian.Guardian, model, provider, task string) (string, error) {
	resp, err := p.deps.LLM.Call(ctx, llm.Request{
		Prompt:   task,
		System:   g.Directive,
		Model:    model,
		Provider: provider,
		BaseURL:  g.APIURL,
		APIKey:   g.APIKey,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// fetchSource reads a table as JSON records. Failures degrade to an
// empty record set so a bad source never aborts rendering.
func (p *Pipeline) fetchSource(tableName string) string {
	rows, err := p.deps.Store.FetchTable(tableName)
	if err != nil {
		p.deps.Logger.Warn("could not fetch source table", "table", tableName, "error", err)
		return "[]"
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "[]"
	}
	return string(data)
}
