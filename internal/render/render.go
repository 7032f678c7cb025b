// Package render holds the template context threaded through jinx,
// team, and pipeline execution, and the text/template interpolation
// used to expand step bodies against it.
package render

import (
	"log/slog"
	"strings"
	"text/template"
)

// Reserved context keys written by the step interpreter.
const (
	KeyOutput      = "output"
	KeyLLMResponse = "llm_response"
	KeyResults     = "results"
	KeyMessages    = "messages"
)

// Context is the mutable key/value mapping a single logical execution
// owns. It is never shared between two concurrent executions.
type Context map[string]any

// Clone returns a shallow copy; step outputs written to the copy do not
// leak back into the source context.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge copies every binding from other into c, overwriting collisions.
func (c Context) Merge(other map[string]any) {
	for k, v := range other {
		c[k] = v
	}
}

// Render expands text as a Go template against ctx. Context keys are
// addressed as {{.key}}; funcs may add helpers such as ref and source.
func Render(text string, ctx Context, funcs template.FuncMap) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl := template.New("step")
	if funcs != nil {
		tmpl = tmpl.Funcs(funcs)
	}
	tmpl, err := tmpl.Parse(text)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, map[string]any(ctx)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderOrLiteral renders text and, on any rendering failure, falls back
// to the unrendered literal. Rendering is never fatal for a step.
func RenderOrLiteral(text string, ctx Context, funcs template.FuncMap, logger *slog.Logger) string {
	rendered, err := Render(text, ctx, funcs)
	if err != nil {
		if logger != nil {
			logger.Warn("template render failed, using literal text", "error", err)
		}
		return text
	}
	return rendered
}
