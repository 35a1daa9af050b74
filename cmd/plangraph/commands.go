package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/plangraph/internal/agents"
	"github.com/rendis/plangraph/internal/diagram"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/scheduler"
	"github.com/rendis/plangraph/internal/service"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/pkg/mcp"
	"github.com/rendis/plangraph/pkg/schema"
)

// cli carries state from the root command to its subcommands.
type cli struct {
	flags  globalFlags
	getenv func(string) string
	cfg    Config
}

// newRootCommand builds the command tree. getenv is os.Getenv outside tests.
func newRootCommand(getenv func(string) string) *cobra.Command {
	c := &cli{getenv: getenv}

	root := &cobra.Command{
		Use:   "plangraph",
		Short: "Run plans of model and tool steps",
		Long: `plangraph executes plans: ordered steps that call agents and tools,
fan out in parallel, branch on conditions and map over lists.

Settings are read from ~/.plangraph/settings.json, then PLANGRAPH_* environment
variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.flags.settings, c.getenv)
			if err != nil {
				return err
			}
			if err := c.flags.apply(cmd.Flags(), &cfg); err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	c.flags.register(root.PersistentFlags())

	root.AddCommand(
		c.runCmd(),
		c.validateCmd(),
		c.diagramCmd(),
		c.historyCmd(),
		c.templatesCmd(),
		c.toolsCmd(),
		c.scheduleCmd(),
		c.mcpCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command) (*app, error) {
	return newApp(cmd.Context(), c.cfg, cmd.ErrOrStderr())
}

func (c *cli) runCmd() *cobra.Command {
	var (
		template string
		goal     string
		input    string
		taskID   string
		noCache  bool
		events   bool
	)
	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Run a plan file, a template or a goal",
		Long: `Run a plan and print the run result as JSON.

The plan comes from a YAML or JSON file, a registered template (--template)
or a free-form goal (--goal). --input takes JSON or YAML, or @path to read it
from a file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.RunRequest{Template: template, Goal: goal, TaskID: taskID, NoCache: noCache}
			if len(args) == 1 {
				plan, err := planner.ReadPlanFile(args[0])
				if err != nil {
					return err
				}
				req.Plan = plan
			}
			if input != "" {
				v, err := parseInput(input)
				if err != nil {
					return err
				}
				req.Input = v
			}
			if events {
				enc := json.NewEncoder(cmd.ErrOrStderr())
				req.OnEvent = func(ev schema.Event) { _ = enc.Encode(ev) }
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "", "Run a registered template")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "Plan and run a free-form goal")
	cmd.Flags().StringVarP(&input, "input", "i", "", "Base input as JSON/YAML, or @file")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id passed to agents")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the step cache")
	cmd.Flags().BoolVar(&events, "events", false, "Print run events to stderr as JSON lines")
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>...",
		Short: "Validate plan files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				doc, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				_, result, err := a.svc.Validate(doc)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				if result.Valid() {
					fmt.Fprintf(out, "%s: ok (%d warnings)\n", path, len(result.Warnings))
				} else {
					fmt.Fprintf(out, "%s: invalid\n", path)
					failed++
				}
				for _, e := range result.Errors {
					fmt.Fprintf(out, "  error    %s: %s [%s]\n", e.Path, e.Message, e.Code)
				}
				for _, w := range result.Warnings {
					fmt.Fprintf(out, "  warning  %s: %s\n", w.Path, w.Message)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans failed validation", failed, len(args))
			}
			return nil
		},
	}
}

func (c *cli) diagramCmd() *cobra.Command {
	var (
		template string
		runID    string
		format   string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "diagram [plan-file]",
		Short: "Draw a plan, a template or a recorded run",
		Long: fmt.Sprintf(`Draw a plan. Recorded runs (--run) are drawn with the status of each step.

Formats: %s. PNG output needs --output.`, formatNames()),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := diagram.ParseFormat(format)
			if err != nil {
				return err
			}
			if f.Binary() && output == "" {
				return fmt.Errorf("%s output needs --output", f)
			}
			req := service.DiagramRequest{Template: template, RunID: runID}
			if len(args) == 1 {
				if req.Plan, err = planner.ReadPlanFile(args[0]); err != nil {
					return err
				}
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			model, err := a.svc.Diagram(cmd.Context(), req)
			if err != nil {
				return err
			}
			data, err := diagram.Render(cmd.Context(), model, f)
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "", "Draw a registered template")
	cmd.Flags().StringVar(&runID, "run", "", "Draw a recorded run")
	cmd.Flags().StringVarP(&format, "format", "f", string(diagram.FormatASCII), "Output format")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		planID string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run with its steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				detail, err := a.svc.Inspect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), detail)
			}

			runs, err := a.svc.History(cmd.Context(), store.RunFilter{
				PlanID: planID,
				Status: store.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.PlanID, r.Status,
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration().Round(time.Millisecond), r.ErrorCode)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "Only runs of this plan")
	cmd.Flags().StringVar(&status, "status", "", "Only runs in this state: running, completed or failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	return cmd
}

func (c *cli) templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List plan templates from the templates directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTEPS\tOUTPUTS\tDESCRIPTION")
			for _, t := range a.svc.Templates().List() {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", t.Name, t.Steps, strings.Join(t.Outputs, ","), t.Description)
			}
			return w.Flush()
		},
	}
}

func (c *cli) toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools and agents plans can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAME\tDESCRIPTION")
			for _, t := range a.svc.Tools().List() {
				fmt.Fprintf(w, "tool\t%s\t%s\n", t.Name, t.Description)
			}
			fmt.Fprintf(w, "agent\t%s\t%s\n", agents.EchoName, "Return the input unchanged.")
			for _, name := range sortedKeys(c.cfg.Agents) {
				fmt.Fprintf(w, "agent\t%s\t%s\n", name, c.cfg.Agents[name].URL)
			}
			return w.Flush()
		},
	}
}

func (c *cli) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured schedules until interrupted",
		Long: `Run template plans on the cron schedules listed under "schedules" in the
settings file. Standard five-field expressions and descriptors such as
"@every 10m" or "@daily" are accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(c.cfg.Schedules) == 0 {
				return errors.New("no schedules configured")
			}
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.New(scheduler.RunnerFunc(a.svc.RunScheduled), a.logger)
			for _, job := range c.cfg.Schedules {
				if err := sched.Add(job); err != nil {
					return fmt.Errorf("schedule %q: %w", job.ID, err)
				}
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tCRON\tTEMPLATE\tNEXT RUN")
			for _, j := range sched.Jobs() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Cron, j.Template, j.NextRunAt.Local().Format(time.DateTime))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			<-cmd.Context().Done()
			return sched.Stop()
		},
	}
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve plangraph as an MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewPlanServer(mcp.PlanServerDeps{
				Service: a.svc,
				Hub:     a.hub,
				Version: version,
				Logger:  a.logger,
			})
			err = srv.Serve(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// parseInput decodes a run input given as JSON or YAML, or as @path.
func parseInput(s string) (any, error) {
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		data = b
	}

	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v, nil
	}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("input is neither JSON nor YAML: %w", err)
	}
	// Round-trip through JSON so numbers and maps have the JSON shapes.
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatNames() string {
	names := make([]string, len(diagram.Formats))
	for i, f := range diagram.Formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
