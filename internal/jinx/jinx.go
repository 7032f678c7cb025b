// Package jinx defines templated multi-step actions and the interpreter
// that executes them against a mutable context.
package jinx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition = errors.New("invalid jinx definition")
)

// Engine tags understood by the step interpreter. Anything else renders
// an unsupported-engine sentinel into the step slot.
const (
	EngineNatural = "natural"
	EngineLua     = "lua"
)

// InputSpec is one declared jinx input. The descriptor form is either a
// bare name (required, no default) or a single-key mapping from name to
// default value.
type InputSpec struct {
	Name       string
	Default    any
	HasDefault bool
}

func (in *InputSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		in.Name = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) < 2 {
			return fmt.Errorf("%w: empty input mapping", ErrInvalidDefinition)
		}
		in.Name = node.Content[0].Value
		in.HasDefault = true
		return node.Content[1].Decode(&in.Default)
	default:
		return fmt.Errorf("%w: input must be a name or a name/default mapping", ErrInvalidDefinition)
	}
}

func (in InputSpec) MarshalYAML() (any, error) {
	if in.HasDefault {
		return map[string]any{in.Name: in.Default}, nil
	}
	return in.Name, nil
}

// Step is one unit of work. Engine and Code are templates, expanded
// against the execution context before dispatch.
type Step struct {
	Name   string `yaml:"name"`
	Engine string `yaml:"engine"`
	Code   string `yaml:"code"`
}

// Jinx is a named, reusable sequence of steps.
type Jinx struct {
	Name        string      `yaml:"jinx_name"`
	Description string      `yaml:"description"`
	Inputs      []InputSpec `yaml:"inputs"`
	Steps       []Step      `yaml:"steps"`
}

// Parse decodes a jinx descriptor. A missing jinx_name is a hard error;
// missing step names and engines get positional and natural defaults.
func Parse(data []byte) (*Jinx, error) {
	var raw struct {
		Name        string      `yaml:"jinx_name"`
		Description string      `yaml:"description"`
		Inputs      []InputSpec `yaml:"inputs"`
		Steps       []Step      `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("%w: missing jinx_name", ErrInvalidDefinition)
	}

	j := &Jinx{
		Name:        raw.Name,
		Description: raw.Description,
		Inputs:      raw.Inputs,
		Steps:       raw.Steps,
	}
	for i := range j.Steps {
		if j.Steps[i].Name == "" {
			j.Steps[i].Name = fmt.Sprintf("step_%d", i)
		}
		if j.Steps[i].Engine == "" {
			j.Steps[i].Engine = EngineNatural
		}
	}
	return j, nil
}

// Load reads a jinx descriptor from a .jinx file.
func Load(path string) (*Jinx, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	j, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return j, nil
}

// LoadDirectory loads every .jinx file under dir. A missing directory
// yields an empty set; an unparseable file is skipped and reported.
func LoadDirectory(dir string) (map[string]*Jinx, []error) {
	jinxs := make(map[string]*Jinx)
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return jinxs, nil
		}
		return jinxs, []error{err}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jinx") {
			continue
		}
		j, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jinxs[j.Name] = j
	}
	return jinxs, errs
}

// Save writes the jinx back out as <name>.jinx under dir.
func (j *Jinx) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(j)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, j.Name+".jinx"), data, 0o644)
}
