// Package team groups guardians under a coordinator and runs the
// orchestration loop that routes a request through them until the
// coordinator judges the result relevant.
package team

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/guardian/internal/guardian"
	"github.com/mpataki/guardian/internal/jinx"
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/render"
)

var ErrNoCoordinator = errors.New("no coordinator available for team")

// CtxFile is the team-level .ctx descriptor. Unrecognized keys are
// merged into the team's shared context.
type CtxFile struct {
	Name        string         `yaml:"name"`
	Coordinator string         `yaml:"forenpc"`
	Model       string         `yaml:"model"`
	Provider    string         `yaml:"provider"`
	APIURL      string         `yaml:"api_url"`
	APIKey      string         `yaml:"api_key"`
	Preferences []string       `yaml:"preferences"`
	Extra       map[string]any `yaml:",inline"`
}

// Team is a named set of guardians plus optional sub-teams. The shared
// context is guarded by a mutex; guardians themselves are only touched
// while it is held during orchestration.
type Team struct {
	Name      string
	Guardians map[string]*guardian.Guardian
	SubTeams  map[string]*Team
	Jinxs     map[string]*jinx.Jinx
	Ctx       CtxFile

	coordinatorName string
	deps            guardian.Deps
	logger          *slog.Logger

	mu     sync.Mutex
	shared render.Context
}

// New builds an empty team. Guardians and sub-teams are attached
// explicitly; there is no recursive directory discovery.
func New(name string, deps guardian.Deps) *Team {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Team{
		Name:      name,
		Guardians: make(map[string]*guardian.Guardian),
		SubTeams:  make(map[string]*Team),
		Jinxs:     make(map[string]*jinx.Jinx),
		deps:      deps,
		logger:    deps.Logger,
		shared: render.Context{
			"intermediate_results": map[string]any{},
			"execution_history":    []any{},
			"npc_messages":         map[string][]llm.Message{},
		},
	}
}

// Load reads a team from a single directory: every .guardian file, the
// jinxs/ directory, and the first .ctx file. Sub-directories are not
// walked; attach sub-teams with AddSubTeam.
func Load(dir string, deps guardian.Deps) (*Team, error) {
	t := New(filepath.Base(filepath.Clean(dir)), deps)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("team directory not found: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".guardian"):
			g, err := guardian.Load(filepath.Join(dir, name), deps)
			if err != nil {
				t.logger.Warn("skipping unloadable guardian", "team", t.Name, "file", name, "error", err)
				continue
			}
			t.Guardians[g.Name] = g
		case strings.HasSuffix(name, ".ctx"):
			if err := t.loadCtx(filepath.Join(dir, name)); err != nil {
				t.logger.Warn("skipping unloadable ctx file", "team", t.Name, "file", name, "error", err)
			}
		}
	}

	jinxs, errs := jinx.LoadDirectory(filepath.Join(dir, "jinxs"))
	for _, err := range errs {
		t.logger.Warn("skipping unloadable jinx", "team", t.Name, "error", err)
	}
	t.Jinxs = jinxs

	// Team jinxs are available to every member that does not carry its
	// own copy.
	for name, j := range t.Jinxs {
		for _, g := range t.Guardians {
			if _, ok := g.Jinxs[name]; !ok {
				g.Jinxs[name] = j
			}
		}
	}

	return t, nil
}

func (t *Team) loadCtx(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ctx CtxFile
	if err := yaml.Unmarshal(data, &ctx); err != nil {
		return err
	}
	t.Ctx = ctx
	if ctx.Name != "" {
		t.Name = ctx.Name
	}
	t.mu.Lock()
	for k, v := range ctx.Extra {
		t.shared[k] = v
	}
	t.mu.Unlock()
	return nil
}

// AddGuardian attaches a guardian to the team.
func (t *Team) AddGuardian(g *guardian.Guardian) {
	t.Guardians[g.Name] = g
}

// AddSubTeam attaches a nested team under its name.
func (t *Team) AddSubTeam(sub *Team) {
	t.SubTeams[sub.Name] = sub
}

// SetCoordinator pins the coordinator by name.
func (t *Team) SetCoordinator(name string) {
	t.coordinatorName = name
}

var ctxRefPattern = regexp.MustCompile(`\{\{\s*ref\s+"([^"]+)"\s*\}\}`)

// Coordinator resolves the team's coordinator: the pinned name, then
// the ctx file's forenpc reference, then a synthesized default that
// inherits the team's model binding.
func (t *Team) Coordinator() (*guardian.Guardian, error) {
	if t.coordinatorName != "" {
		if g, ok := t.Guardians[t.coordinatorName]; ok {
			return g, nil
		}
	}

	if ref := t.Ctx.Coordinator; ref != "" {
		name := ref
		if m := ctxRefPattern.FindStringSubmatch(ref); m != nil {
			name = m[1]
		}
		if g, ok := t.Guardians[name]; ok {
			return g, nil
		}
	}

	return t.defaultCoordinator()
}

func (t *Team) defaultCoordinator() (*guardian.Guardian, error) {
	desc := guardian.Descriptor{
		Name: "forenpc",
		PrimaryDirective: "You are the forenpc of the team, coordinating activities " +
			"between guardians on the team, verifying that results from " +
			"guardians are high quality and can help to adequately answer " +
			"user requests.",
		Model:    t.Ctx.Model,
		Provider: t.Ctx.Provider,
		APIURL:   t.Ctx.APIURL,
		APIKey:   t.Ctx.APIKey,
	}
	g, err := guardian.New(desc, "", t.deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCoordinator, err)
	}
	return g, nil
}

// GetGuardian resolves a guardian reference, descending into sub-teams
// on dots: "analysis.data_scientist" finds data_scientist inside the
// analysis sub-team.
func (t *Team) GetGuardian(ref string) *guardian.Guardian {
	if sub, rest, ok := strings.Cut(ref, "."); ok {
		if team, found := t.SubTeams[sub]; found {
			return team.GetGuardian(rest)
		}
		return nil
	}
	return t.Guardians[ref]
}

// Roster lists member names, coordinator included.
func (t *Team) Roster() []string {
	names := make([]string, 0, len(t.Guardians))
	for name := range t.Guardians {
		names = append(names, name)
	}
	return names
}

// Save writes the team back out: the ctx file, every guardian, and the
// team jinxs. Sub-teams save into subdirectories.
func (t *Team) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	ctx := t.Ctx
	if ctx.Name == "" {
		ctx.Name = t.Name
	}
	data, err := yaml.Marshal(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "team.ctx"), data, 0o644); err != nil {
		return err
	}

	for _, g := range t.Guardians {
		if err := g.Save(dir); err != nil {
			return err
		}
	}

	jinxsDir := filepath.Join(dir, "jinxs")
	for _, j := range t.Jinxs {
		if err := j.Save(jinxsDir); err != nil {
			return err
		}
	}

	for name, sub := range t.SubTeams {
		if err := sub.Save(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
