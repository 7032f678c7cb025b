package jinx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJinx = `
jinx_name: summarize
description: Summarize a document
inputs:
  - document
  - style: terse
steps:
  - name: condense
    engine: natural
    code: "Summarize: {{.document}}"
  - code: "Refine the summary"
`

func TestParse(t *testing.T) {
	j, err := Parse([]byte(sampleJinx))
	require.NoError(t, err)

	assert.Equal(t, "summarize", j.Name)
	assert.Equal(t, "Summarize a document", j.Description)

	require.Len(t, j.Inputs, 2)
	assert.Equal(t, "document", j.Inputs[0].Name)
	assert.False(t, j.Inputs[0].HasDefault)
	assert.Equal(t, "style", j.Inputs[1].Name)
	assert.True(t, j.Inputs[1].HasDefault)
	assert.Equal(t, "terse", j.Inputs[1].Default)

	require.Len(t, j.Steps, 2)
	assert.Equal(t, "condense", j.Steps[0].Name)
	// Unnamed steps get positional names, engines default to natural.
	assert.Equal(t, "step_1", j.Steps[1].Name)
	assert.Equal(t, EngineNatural, j.Steps[1].Engine)
}

func TestParseMissingName(t *testing.T) {
	_, err := Parse([]byte("description: nameless\nsteps: []"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestParseNotYAML(t *testing.T) {
	_, err := Parse([]byte("{{{"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	j, err := Parse([]byte(sampleJinx))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, j.Save(dir))

	loaded, err := Load(filepath.Join(dir, "summarize.jinx"))
	require.NoError(t, err)
	assert.Equal(t, j.Name, loaded.Name)
	assert.Equal(t, j.Inputs, loaded.Inputs)
	assert.Equal(t, j.Steps, loaded.Steps)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()

	j, err := Parse([]byte(sampleJinx))
	require.NoError(t, err)
	require.NoError(t, j.Save(dir))

	// A broken descriptor is reported but does not abort loading.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jinx"), []byte("no_name: true"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a jinx"), 0o644))

	jinxs, errs := LoadDirectory(dir)
	assert.Len(t, errs, 1)
	require.Len(t, jinxs, 1)
	assert.Contains(t, jinxs, "summarize")
}

func TestLoadDirectoryMissing(t *testing.T) {
	jinxs, errs := LoadDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.Empty(t, errs)
	assert.Empty(t, jinxs)
}

func TestExtractInputsFlags(t *testing.T) {
	j := &Jinx{
		Name: "summarize",
		Inputs: []InputSpec{
			{Name: "document"},
			{Name: "style", Default: "terse", HasDefault: true},
		},
	}

	inputs, err := ExtractInputs([]string{"--document", "report.txt", "-s", "verbose"}, j)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"document": "report.txt", "style": "verbose"}, inputs)
}

func TestExtractInputsPositional(t *testing.T) {
	j := &Jinx{
		Name: "summarize",
		Inputs: []InputSpec{
			{Name: "document"},
			{Name: "style", Default: "terse", HasDefault: true},
		},
	}

	// Leftover args join into the first input; the second takes its default.
	inputs, err := ExtractInputs([]string{"the", "quarterly", "report"}, j)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"document": "the quarterly report", "style": "terse"}, inputs)
}

func TestExtractInputsMissingRequired(t *testing.T) {
	j := &Jinx{
		Name: "summarize",
		Inputs: []InputSpec{
			{Name: "document"},
			{Name: "style"},
		},
	}

	_, err := ExtractInputs([]string{"--style", "verbose"}, j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document")
}

func TestExtractInputsBareCall(t *testing.T) {
	j := &Jinx{
		Name:   "summarize",
		Inputs: []InputSpec{{Name: "document"}},
	}

	// A completely bare call leaves required inputs nil.
	inputs, err := ExtractInputs(nil, j)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"document": nil}, inputs)
}

func TestExtractInputsShortFlagCollision(t *testing.T) {
	j := &Jinx{
		Name: "fetch",
		Inputs: []InputSpec{
			{Name: "style", Default: "terse", HasDefault: true},
			{Name: "source"},
		},
	}

	// -s belongs to the first declared input; the collider keeps only
	// its long form.
	inputs, err := ExtractInputs([]string{"-s", "plain", "--source", "feed"}, j)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"style": "plain", "source": "feed"}, inputs)
}

func TestExtractInputsDanglingFlag(t *testing.T) {
	j := &Jinx{
		Name:   "summarize",
		Inputs: []InputSpec{{Name: "document"}},
	}

	_, err := ExtractInputs([]string{"--document"}, j)
	assert.Error(t, err)
}
