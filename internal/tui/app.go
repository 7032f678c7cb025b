// Package tui is the interactive pipeline-run browser: runs, their
// step results, and full step output.
package tui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/guardian/internal/models"
	"github.com/mpataki/guardian/internal/storage"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutput
)

type App struct {
	store *storage.Storage

	view            View
	runs            []*models.PipelineRun
	selectedIdx     int
	selectedRun     *models.PipelineRun
	results         []*models.StepResult
	selectedStepIdx int
	output          viewport.Model

	width  int
	height int
	err    error
}

func NewApp(store *storage.Storage) *App {
	return &App{
		store:  store,
		view:   ViewRunList,
		output: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return a.loadRuns
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = msg.Height - 4
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		return a, nil

	case runDetailMsg:
		a.selectedRun = msg.run
		a.results = msg.results
		a.err = msg.err
		if a.err == nil {
			a.view = ViewRunDetail
			a.selectedStepIdx = 0
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx])
		}

	case "r":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.results = nil
		a.selectedStepIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedStepIdx > 0 {
			a.selectedStepIdx--
		}

	case "down", "j":
		if a.selectedStepIdx < len(a.results)-1 {
			a.selectedStepIdx++
		}

	case "enter", "o":
		if len(a.results) > 0 && a.selectedStepIdx < len(a.results) {
			a.output.SetContent(formatOutput(a.results[a.selectedStepIdx].Outputs))
			a.output.GotoTop()
			a.view = ViewOutput
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Pipeline Runs") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No pipeline runs yet.\n"
	} else {
		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.PipelineRun) string {
	age := a.formatAge(run.CreatedAt)
	return fmt.Sprintf("#%-4d %-24s %-6s %s", run.RunID, run.Name, age, dimStyle.Render(shortHash(run.Hash)))
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun
	s := titleStyle.Render(fmt.Sprintf("Run #%d: %s", run.RunID, run.Name)) + "\n"
	s += labelStyle.Render("Definition: ") + dimStyle.Render(shortHash(run.Hash)) + "\n\n"

	s += "Steps\n"
	s += "─────\n"

	if len(a.results) == 0 {
		s += "(no step results)\n"
	} else {
		for i, res := range a.results {
			line := fmt.Sprintf("%-20s %-14s %s", res.StepName, res.GuardianName,
				dimStyle.Render(truncate(formatOutput(res.Outputs), 40)))
			if i == a.selectedStepIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [esc] back  [q] quit")

	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Step Output") + "\n\n"
	s += a.output.View()
	s += "\n" + helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.PipelineRun
	err  error
}

type runDetailMsg struct {
	run     *models.PipelineRun
	results []*models.StepResult
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.store.ListPipelineRuns(50)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(run *models.PipelineRun) tea.Cmd {
	return func() tea.Msg {
		table := storage.ResultsTableName(run.Name)
		results, err := a.store.GetStepResults(table, run.RunID)
		return runDetailMsg{run: run, results: results, err: err}
	}
}

func formatOutput(outputs any) string {
	switch v := outputs.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
