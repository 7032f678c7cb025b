// Package guardian implements personas: named agents with a primary
// directive, a jinx set, bounded conversation memory, and an LLM
// binding.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/guardian/internal/jinx"
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/models"
	"github.com/mpataki/guardian/internal/render"
	"github.com/mpataki/guardian/internal/storage"
)

var (
	ErrInvalidDescriptor = errors.New("invalid guardian descriptor")
)

// JinxsSpec selects which jinxs a guardian carries: the wildcard "*"
// loads everything in the jinxs directory, a list loads by name. List
// entries may also be full jinx descriptors defined inline.
type JinxsSpec struct {
	Wildcard bool
	Names    []string
	Inline   []*jinx.Jinx
}

func (s *JinxsSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "*" {
			return fmt.Errorf("%w: jinxs must be %q or a list", ErrInvalidDescriptor, "*")
		}
		s.Wildcard = true
		return nil
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				s.Names = append(s.Names, item.Value)
			case yaml.MappingNode:
				data, err := yaml.Marshal(item)
				if err != nil {
					return err
				}
				j, err := jinx.Parse(data)
				if err != nil {
					return fmt.Errorf("%w: inline jinx: %v", ErrInvalidDescriptor, err)
				}
				s.Inline = append(s.Inline, j)
			default:
				return fmt.Errorf("%w: jinxs entries must be names or inline definitions", ErrInvalidDescriptor)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: jinxs must be %q or a list", ErrInvalidDescriptor, "*")
	}
}

func (s JinxsSpec) MarshalYAML() (any, error) {
	if s.Wildcard {
		return "*", nil
	}
	return s.Names, nil
}

// Descriptor is the on-disk .guardian form.
type Descriptor struct {
	Name             string    `yaml:"name"`
	PrimaryDirective string    `yaml:"primary_directive"`
	Model            string    `yaml:"model,omitempty"`
	Provider         string    `yaml:"provider,omitempty"`
	APIURL           string    `yaml:"api_url,omitempty"`
	APIKey           string    `yaml:"api_key,omitempty"`
	Jinxs            JinxsSpec `yaml:"jinxs,omitempty"`
}

// Deps carries a guardian's collaborators.
type Deps struct {
	LLM     llm.Client
	Store   *storage.Storage
	Scripts jinx.ScriptEngine
	Logger  *slog.Logger
}

// Guardian is one persona. It is not safe for concurrent use; a team
// serializes access to its members.
type Guardian struct {
	Name      string
	Directive string
	Model     string
	Provider  string
	APIURL    string
	APIKey    string

	Jinxs  map[string]*jinx.Jinx
	Memory *Memory

	shared render.Context
	deps   Deps
}

var _ jinx.Agent = (*Guardian)(nil)

// New builds a guardian from a descriptor and loads its jinxs from
// jinxsDir according to the descriptor's jinxs spec.
func New(desc Descriptor, jinxsDir string, deps Deps) (*Guardian, error) {
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	g := &Guardian{
		Name:      desc.Name,
		Directive: desc.PrimaryDirective,
		Model:     desc.Model,
		Provider:  desc.Provider,
		APIURL:    desc.APIURL,
		APIKey:    desc.APIKey,
		Jinxs:     make(map[string]*jinx.Jinx),
		shared:    render.Context{},
		deps:      deps,
	}

	if err := g.loadJinxs(desc.Jinxs, jinxsDir); err != nil {
		return nil, err
	}

	g.Memory = NewMemory(defaultMemoryLength)
	if deps.Store != nil {
		if err := g.Memory.LoadFrom(deps.Store, g.Name); err != nil {
			deps.Logger.Warn("could not load guardian memory", "guardian", g.Name, "error", err)
		}
	}

	return g, nil
}

// Load reads a .guardian file. A missing name falls back to the file's
// base name; jinxs load from the sibling jinxs/ directory.
func Load(path string, deps Deps) (*Guardian, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if desc.Name == "" {
		base := filepath.Base(path)
		desc.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	jinxsDir := filepath.Join(filepath.Dir(path), "jinxs")
	return New(desc, jinxsDir, deps)
}

func (g *Guardian) loadJinxs(spec JinxsSpec, jinxsDir string) error {
	// Default is the wildcard: everything in the directory.
	if spec.Wildcard || (len(spec.Names) == 0 && len(spec.Inline) == 0) {
		loaded, errs := jinx.LoadDirectory(jinxsDir)
		for _, err := range errs {
			g.deps.Logger.Warn("skipping unloadable jinx", "guardian", g.Name, "error", err)
		}
		g.Jinxs = loaded
		return nil
	}

	for _, name := range spec.Names {
		fileName := name
		if !strings.HasSuffix(fileName, ".jinx") {
			fileName += ".jinx"
		}
		j, err := jinx.Load(filepath.Join(jinxsDir, fileName))
		if err != nil {
			g.deps.Logger.Warn("skipping unloadable jinx", "guardian", g.Name, "jinx", name, "error", err)
			continue
		}
		g.Jinxs[j.Name] = j
	}
	for _, j := range spec.Inline {
		g.Jinxs[j.Name] = j
	}
	return nil
}

// AgentName implements jinx.Agent.
func (g *Guardian) AgentName() string { return g.Name }

// SharedSnapshot implements jinx.Agent.
func (g *Guardian) SharedSnapshot() render.Context { return g.shared }

// SetShared replaces a binding in the guardian's shared context.
func (g *Guardian) SetShared(key string, value any) {
	g.shared[key] = value
}

// Complete implements jinx.Agent: one LLM round trip under this
// guardian's directive and model binding. A nil messages slice uses the
// guardian's memory as history; memory is not modified.
func (g *Guardian) Complete(ctx context.Context, prompt string, messages []llm.Message) (*llm.Response, error) {
	if g.deps.LLM == nil {
		return nil, errors.New("guardian has no llm client")
	}
	if messages == nil {
		messages = g.Memory.Snapshot()
	}
	return g.deps.LLM.Call(ctx, llm.Request{
		Prompt:   prompt,
		System:   g.Directive,
		Messages: messages,
		Model:    g.Model,
		Provider: g.Provider,
		BaseURL:  g.APIURL,
		APIKey:   g.APIKey,
	})
}

// CompleteJSON is Complete with a structured-output request.
func (g *Guardian) CompleteJSON(ctx context.Context, prompt string, messages []llm.Message) (*llm.Response, error) {
	if g.deps.LLM == nil {
		return nil, errors.New("guardian has no llm client")
	}
	if messages == nil {
		messages = g.Memory.Snapshot()
	}
	return g.deps.LLM.Call(ctx, llm.Request{
		Prompt:   prompt,
		System:   g.Directive,
		Messages: messages,
		Model:    g.Model,
		Provider: g.Provider,
		BaseURL:  g.APIURL,
		APIKey:   g.APIKey,
		Format:   llm.FormatJSON,
	})
}

// Invoke asks the guardian a question as a conversation turn: the
// prompt and reply are appended to memory and persisted.
func (g *Guardian) Invoke(ctx context.Context, prompt string) (*llm.Response, error) {
	resp, err := g.Complete(ctx, prompt, nil)
	if err != nil {
		return nil, err
	}
	g.remember(llm.Message{Role: llm.RoleUser, Content: prompt})
	g.remember(llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
	return resp, nil
}

func (g *Guardian) remember(msg llm.Message) {
	g.Memory.Append(msg)
	if g.deps.Store == nil {
		return
	}
	err := g.deps.Store.SaveMessage(&models.MessageRow{
		GuardianName: g.Name,
		Role:         string(msg.Role),
		Content:      msg.Content,
	})
	if err != nil {
		g.deps.Logger.Warn("could not persist message", "guardian", g.Name, "error", err)
	}
}

// CallMeta correlates a jinx call with the conversation that triggered
// it. Zero-value fields get fresh ids.
type CallMeta struct {
	ConversationID string
	MessageID      string
	TeamName       string
}

// RunJinx executes a named jinx. An unknown name yields an error map
// rather than a Go error, so orchestration can carry it as a result.
// The call is logged to storage either way; logging failures are not
// fatal.
func (g *Guardian) RunJinx(ctx context.Context, name string, inputs map[string]any, meta CallMeta) (render.Context, error) {
	j, ok := g.Jinxs[name]
	if !ok {
		return render.Context{"error": fmt.Sprintf("jinx '%s' not found", name)}, nil
	}

	if meta.ConversationID == "" {
		meta.ConversationID = uuid.NewString()
	}
	if meta.MessageID == "" {
		meta.MessageID = uuid.NewString()
	}

	start := time.Now()
	result, err := j.Execute(ctx, inputs, g.Jinxs, jinx.ExecOptions{
		Agent:   g,
		Scripts: g.deps.Scripts,
		Logger:  g.deps.Logger,
	})
	duration := time.Since(start).Milliseconds()

	status := models.CallStatusSuccess
	errMsg := ""
	if err != nil {
		status = models.CallStatusError
		errMsg = err.Error()
	}

	if g.deps.Store != nil {
		_, logErr := g.deps.Store.LogJinxCall(&models.JinxCall{
			ConversationID: meta.ConversationID,
			MessageID:      meta.MessageID,
			TeamName:       meta.TeamName,
			GuardianName:   g.Name,
			JinxName:       name,
			Inputs:         inputs,
			Output:         map[string]any(result),
			Status:         status,
			ErrorMessage:   errMsg,
			DurationMS:     duration,
		})
		if logErr != nil {
			g.deps.Logger.Warn("could not log jinx call", "guardian", g.Name, "jinx", name, "error", logErr)
		}
	}

	return result, err
}

// ToDescriptor round-trips the guardian back into its on-disk form.
func (g *Guardian) ToDescriptor() Descriptor {
	names := make([]string, 0, len(g.Jinxs))
	for name := range g.Jinxs {
		names = append(names, name)
	}
	return Descriptor{
		Name:             g.Name,
		PrimaryDirective: g.Directive,
		Model:            g.Model,
		Provider:         g.Provider,
		APIURL:           g.APIURL,
		APIKey:           g.APIKey,
		Jinxs:            JinxsSpec{Names: names},
	}
}

// Save writes the guardian descriptor as <name>.guardian under dir.
func (g *Guardian) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(g.ToDescriptor())
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, g.Name+".guardian"), data, 0o644)
}

func (g *Guardian) String() string {
	names := make([]string, 0, len(g.Jinxs))
	for name := range g.Jinxs {
		names = append(names, name)
	}
	return fmt.Sprintf("Guardian: %s\nDirective: %s\nModel: %s\nProvider: %s\nJinxs: %s",
		g.Name, g.Directive, g.Model, g.Provider, strings.Join(names, ", "))
}
