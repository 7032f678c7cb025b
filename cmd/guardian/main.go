package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/mpataki/guardian/internal/config"
	"github.com/mpataki/guardian/internal/guardian"
	"github.com/mpataki/guardian/internal/jinx"
	"github.com/mpataki/guardian/internal/llm"
	"github.com/mpataki/guardian/internal/pipeline"
	"github.com/mpataki/guardian/internal/project"
	"github.com/mpataki/guardian/internal/script"
	"github.com/mpataki/guardian/internal/storage"
	"github.com/mpataki/guardian/internal/team"
	"github.com/mpataki/guardian/internal/tui"
)

var (
	flagTeamDir   string
	flagVerbose   bool
	flagAllowExec bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "guardian",
		Short: "Guardian agent orchestration toolkit",
		Long:  "Guardian runs persona-driven agent teams: jinx actions, orchestrated requests, and persisted pipelines.",
		RunE:  runTUI,
	}

	rootCmd.PersistentFlags().StringVarP(&flagTeamDir, "team", "t", "guardian_team", "Team directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagAllowExec, "allow-exec", false, "Allow lua steps to run shell commands")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newAskCommand())
	rootCmd.AddCommand(newJinxCommand())
	rootCmd.AddCommand(newOrchestrateCommand())
	rootCmd.AddCommand(newPipelineCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newCallsCommand())
	rootCmd.AddCommand(newLogCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bundles the collaborators every command needs.
type env struct {
	cfg    *config.Config
	store  *storage.Storage
	logger *slog.Logger
	deps   guardian.Deps
}

func newEnv() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	e := &env{cfg: cfg, store: store, logger: logger}
	e.deps = guardian.Deps{
		LLM:     llm.NewHTTPClient(logger),
		Store:   store,
		Scripts: script.NewEngine(logger, script.WithExec(flagAllowExec)),
		Logger:  logger,
	}
	return e, nil
}

func (e *env) Close() {
	e.store.Close()
}

// newLogger fans out to stderr and a JSON log file in the data dir.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "guardian.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		handlers = append(handlers, slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// loadTeam reads the team directory and fills unset model bindings from
// the configured defaults.
func (e *env) loadTeam() (*team.Team, error) {
	t, err := team.Load(flagTeamDir, e.deps)
	if err != nil {
		return nil, err
	}

	if t.Ctx.Model == "" {
		t.Ctx.Model = e.cfg.Defaults.Model
	}
	if t.Ctx.Provider == "" {
		t.Ctx.Provider = e.cfg.Defaults.Provider
	}
	if t.Ctx.APIURL == "" {
		t.Ctx.APIURL = e.cfg.Defaults.APIURL
	}
	if t.Ctx.APIKey == "" {
		t.Ctx.APIKey = e.cfg.Defaults.APIKey
	}

	for _, g := range t.Guardians {
		if g.Model == "" {
			g.Model = t.Ctx.Model
		}
		if g.Provider == "" {
			g.Provider = t.Ctx.Provider
		}
		if g.APIURL == "" {
			g.APIURL = t.Ctx.APIURL
		}
		if g.APIKey == "" {
			g.APIKey = t.Ctx.APIKey
		}
	}
	return t, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(e.store)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [directory]",
		Short: "Initialize a guardian project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}

			cfg, err := config.New()
			if err != nil {
				return err
			}

			teamDir, err := project.Init(dir, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize project: %w", err)
			}

			fmt.Printf("Guardian project initialized in %s\n", teamDir)
			return nil
		},
	}
}

func newAskCommand() *cobra.Command {
	var guardianName string

	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask a guardian directly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")

			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.loadTeam()
			if err != nil {
				return err
			}

			var g *guardian.Guardian
			if guardianName != "" {
				if g = t.GetGuardian(guardianName); g == nil {
					return fmt.Errorf("guardian %q not found", guardianName)
				}
			} else {
				if g, err = t.Coordinator(); err != nil {
					return err
				}
			}

			result, err := g.HandleCommand(cmd.Context(), prompt, t.Roster(), t.GetGuardian,
				guardian.CallMeta{TeamName: t.Name})
			if err != nil {
				return err
			}

			fmt.Println(formatAny(result))
			return nil
		},
	}

	cmd.Flags().StringVarP(&guardianName, "guardian", "g", "", "Guardian to ask (default: the coordinator)")
	return cmd
}

func newJinxCommand() *cobra.Command {
	var guardianName string

	cmd := &cobra.Command{
		Use:   "jinx <name> [inputs...]",
		Short: "Run a jinx",
		Long:  "Run a jinx by name. Inputs map by flag (--input value, -i value) or positionally onto the jinx's declared inputs.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jinxName := args[0]
			jinxArgs := args[1:]

			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.loadTeam()
			if err != nil {
				return err
			}

			var g *guardian.Guardian
			if guardianName != "" {
				if g = t.GetGuardian(guardianName); g == nil {
					return fmt.Errorf("guardian %q not found", guardianName)
				}
			} else {
				if g, err = t.Coordinator(); err != nil {
					return err
				}
				// The synthesized coordinator has no jinxs of its own.
				for name, j := range t.Jinxs {
					if _, ok := g.Jinxs[name]; !ok {
						g.Jinxs[name] = j
					}
				}
			}

			j, ok := g.Jinxs[jinxName]
			if !ok {
				return fmt.Errorf("jinx %q not found", jinxName)
			}

			inputs, err := jinx.ExtractInputs(jinxArgs, j)
			if err != nil {
				return err
			}

			result, err := g.RunJinx(cmd.Context(), jinxName, inputs,
				guardian.CallMeta{TeamName: t.Name})
			if err != nil {
				return err
			}

			fmt.Println(formatAny(result["output"]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&guardianName, "guardian", "g", "", "Guardian to run the jinx as")
	return cmd
}

func newOrchestrateCommand() *cobra.Command {
	var maxIterations int

	cmd := &cobra.Command{
		Use:   "orchestrate <request>",
		Short: "Route a request through the team",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := strings.Join(args, " ")

			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.loadTeam()
			if err != nil {
				return err
			}

			result, err := t.Orchestrate(cmd.Context(), request,
				team.WithMaxIterations(maxIterations))
			if err != nil {
				return err
			}

			fmt.Println(formatAny(result.Output))
			if result.Debrief != nil {
				fmt.Println("\nDebrief:")
				fmt.Println(formatAny(result.Debrief))
			}
			if !result.Complete {
				fmt.Printf("\nStopped after %d iterations: %s\n", result.Iterations, result.Explanation)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", team.DefaultMaxIterations, "Iteration cap for the orchestration loop")
	return cmd
}

func newPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Work with pipelines",
	}

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a pipeline file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.loadTeam()
			if err != nil {
				return err
			}

			p, err := pipeline.Load(args[0], t, pipeline.Deps{
				LLM:    e.deps.LLM,
				Store:  e.store,
				Logger: e.logger,
			})
			if err != nil {
				return err
			}

			result, err := p.Execute(cmd.Context(), nil)
			if err != nil {
				return err
			}

			fmt.Printf("Run #%d complete\n", result.RunID)
			for name, output := range result.Results {
				fmt.Printf("\n%s:\n%s\n", name, formatAny(output))
			}
			return nil
		},
	}

	cmd.AddCommand(runCmd)
	return cmd
}

func newRunsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "Browse pipeline runs",
		RunE:  runTUI,
	}
}

func newCallsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List recent jinx calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			calls, err := e.store.ListJinxCalls(limit)
			if err != nil {
				return err
			}

			if len(calls) == 0 {
				fmt.Println("No jinx calls recorded.")
				return nil
			}

			for _, call := range calls {
				line := fmt.Sprintf("#%d %s/%s [%s] %dms %s",
					call.ID, call.GuardianName, call.JinxName, call.Status,
					call.DurationMS, storage.FormatTimeAgo(call.CreatedAt))
				if call.ErrorMessage != "" {
					line += " error: " + call.ErrorMessage
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum calls to list")
	return cmd
}

func newLogCommand() *cobra.Command {
	var entryType string
	var limit int

	cmd := &cobra.Command{
		Use:   "log <entity>",
		Short: "Show orchestration events for a guardian or team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := e.store.GetLogEntries(args[0], entryType, limit)
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No log entries found.")
				return nil
			}

			for _, entry := range entries {
				fmt.Printf("[%s] %s %s\n",
					entry.CreatedAt.Format("2006-01-02 15:04:05"),
					entry.EntryType, formatAny(entry.Content))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&entryType, "type", "", "Filter by entry type")
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "Maximum entries to show")
	return cmd
}

func formatAny(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
