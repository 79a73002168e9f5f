package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/devmem/internal/aggregate"
	"github.com/hpungsan/devmem/internal/errors"
	"github.com/hpungsan/devmem/internal/ops"
	"github.com/hpungsan/devmem/internal/web"
)

// newCLIApp creates the CLI application with all commands. e is nil when
// only help or version output is needed.
func newCLIApp(e *env) *cli.App {
	app := &cli.App{
		Name:    "devmem",
		Usage:   "Classify, correlate and reconcile developer memories and commits",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Value: backendLive, EnvVars: []string{"DEVMEM_BACKEND"}, Usage: "Store backend: live|memory"},
			&cli.StringFlag{Name: "dataset", Aliases: []string{"d"}, Value: "default", Usage: "Dataset name"},
			&cli.StringFlag{Name: "seed-memories", Usage: "Memories file loaded into the memory backend before the command"},
			&cli.StringFlag{Name: "seed-commits", Usage: "Commits file loaded into the memory backend before the command"},
		},
		Commands: []*cli.Command{
			classifyCmd(e),
			importCmd(e),
			rebuildCmd(e),
			reindexCmd(e),
			reconcileCmd(e),
			aggregateCmd(e),
			similarCmd(e),
			runsCmd(e),
			serveCmd(e),
		},
		After: func(_ *cli.Context) error {
			if e != nil {
				e.close()
			}
			return nil
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// depsFor opens the backend selected by the global flags.
func depsFor(c *cli.Context, e *env) (*ops.Deps, error) {
	if e == nil {
		return nil, errors.NewInternal(fmt.Errorf("environment not initialized"))
	}
	return e.open(c.Context, backendOptions{
		Backend:      c.String("backend"),
		Dataset:      c.String("dataset"),
		SeedMemories: c.String("seed-memories"),
		SeedCommits:  c.String("seed-commits"),
	})
}

// classifyCmd creates the classify command.
func classifyCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Label text without storing it (reads stdin when no text is given)",
		ArgsUsage: "[text]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Usage: "Commit message; adds the commit type"},
		},
		Action: func(c *cli.Context) error {
			if e == nil {
				return outputError(errors.NewInternal(fmt.Errorf("environment not initialized")))
			}
			input := ops.ClassifyInput{
				Text:    strings.Join(c.Args().Slice(), " "),
				Message: c.String("message"),
			}
			if input.Text == "" && input.Message == "" && stdinHasData() {
				text, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				input.Text = text
			}

			output, err := ops.Classify(e.baseDeps(), input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// importCmd creates the import command.
func importCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import raw memories or commits (.json array or .jsonl; stdin when no path is given)",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Value: string(ops.ImportMemories), Usage: "Input kind: memories|commits"},
		},
		Action: func(c *cli.Context) error {
			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			kind := ops.ImportKind(c.String("kind"))

			var output *ops.ImportOutput
			switch {
			case c.NArg() > 0:
				output, err = ops.Import(c.Context, deps, ops.ImportInput{
					Path:    c.Args().First(),
					Kind:    kind,
					Dataset: c.String("dataset"),
				})
			case stdinHasData():
				if kind != ops.ImportMemories && kind != ops.ImportCommits {
					return outputError(errors.NewInvalidRequest("kind must be one of: memories, commits"))
				}
				output, err = ops.ImportReader(c.Context, deps, c.String("dataset"), kind, os.Stdin)
			default:
				return outputError(errors.NewInvalidRequest("a path argument or piped input is required"))
			}
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// rebuildCmd creates the rebuild command.
func rebuildCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "rebuild",
		Usage: "Replace the dataset's graph with one rebuilt from the relational store",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "provenance", Usage: "Add repository and author nodes for commits"},
		},
		Action: func(c *cli.Context) error {
			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Rebuild(c.Context, deps, ops.RebuildInput{
				Dataset:    c.String("dataset"),
				Provenance: c.Bool("provenance"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// reindexCmd creates the reindex command.
func reindexCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Replace the dataset's search documents with the relational store's records",
		Action: func(c *cli.Context) error {
			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Reindex(c.Context, deps, ops.ReindexInput{Dataset: c.String("dataset")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// reconcileCmd creates the reconcile command.
func reconcileCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Compare the dataset across the relational, graph and search stores",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: ops.FormatJSON, Usage: "Report format: json|markdown|html"},
			&cli.BoolFlag{Name: "audit", Usage: "List the IDs missing from each store"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write the report to this file"},
			&cli.BoolFlag{Name: "save", Usage: "Write the report to ~/.devmem/reports"},
			&cli.Float64Flag{Name: "threshold", Usage: "Duplicate cosine similarity threshold (0, 1]"},
			&cli.Float64Flag{Name: "window-hours", Usage: "Duplicate created_at window in hours"},
		},
		Action: func(c *cli.Context) error {
			input := ops.ReconcileInput{
				Dataset:    c.String("dataset"),
				Audit:      c.Bool("audit"),
				Format:     c.String("format"),
				OutputPath: c.String("output"),
			}
			if c.IsSet("threshold") {
				v := c.Float64("threshold")
				input.Threshold = &v
			}
			if c.IsSet("window-hours") {
				v := c.Float64("window-hours")
				input.WindowHours = &v
			}
			if c.Bool("save") {
				if input.OutputPath != "" {
					return outputError(errors.NewInvalidRequest("--save and --output are mutually exclusive"))
				}
				path, err := ops.DefaultReportPath(input.Dataset, input.Format, time.Now())
				if err != nil {
					return outputError(err)
				}
				input.OutputPath = path
			}

			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Reconcile(c.Context, deps, input)
			if err != nil {
				return outputError(err)
			}

			if output.Path != "" {
				return outputJSON(map[string]any{
					"run_id":   output.RunID,
					"path":     output.Path,
					"degraded": output.Report.Degraded,
				})
			}
			if output.Rendered != "" {
				_, err := fmt.Fprint(os.Stdout, output.Rendered)
				return err
			}
			return outputJSON(output)
		},
	}
}

// aggregateCmd creates the aggregate command.
func aggregateCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "aggregate",
		Usage: "Count records over one or more dimensions as a dense table",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "by", Aliases: []string{"b"}, Required: true,
				Usage: "Comma-separated dimensions: hour_of_day, day_of_week, phase, complexity, sentiment, domain, content_type, commit_type"},
			&cli.StringSliceFlag{Name: "filter", Usage: "Exact-match filter dimension=value (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			filters, err := parseFilters(c.StringSlice("filter"))
			if err != nil {
				return outputError(err)
			}
			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			table, err := ops.Aggregate(c.Context, deps, aggregate.Request{
				Dataset:    c.String("dataset"),
				Dimensions: parseList(c.String("by")),
				Filters:    filters,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(table)
		},
	}
}

// similarCmd creates the similar command.
func similarCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "similar",
		Usage:     "List records whose embeddings are nearest to a record's",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum results (max 100)"},
			&cli.Float64Flag{Name: "max-distance", Usage: "Cosine distance bound (0, 2]"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("record id is required"))
			}
			input := ops.SimilarInput{
				Dataset: c.String("dataset"),
				ID:      c.Args().First(),
				Limit:   c.Int("limit"),
			}
			if c.IsSet("max-distance") {
				v := c.Float64("max-distance")
				input.MaxDist = &v
			}
			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Similar(c.Context, deps, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// runsCmd creates the runs command.
func runsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List recorded runs (newest first)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Filter by kind: import|rebuild|reindex|reconcile"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum results (max 100)"},
		},
		Action: func(c *cli.Context) error {
			if e == nil {
				return outputError(errors.NewInternal(fmt.Errorf("environment not initialized")))
			}
			input := ops.RunsInput{
				Kind:  c.String("kind"),
				Limit: c.Int("limit"),
			}
			// Runs of every dataset are listed unless one is named.
			if c.IsSet("dataset") {
				input.Dataset = c.String("dataset")
			}
			output, err := ops.Runs(e.baseDeps(), input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve reports, aggregations and metrics over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8420, Usage: "Port"},
		},
		Action: func(c *cli.Context) error {
			deps, err := depsFor(c, e)
			if err != nil {
				return outputError(err)
			}
			srv := web.NewServer(deps, Version, c.String("bind"), c.Int("port"))
			if err := web.Run(srv, deps.Logger); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var de *errors.DevmemError
	if stderrors.As(err, &de) {
		return cli.Exit(fmt.Sprintf("[%s] %s", de.Code, de.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseList splits a comma-separated string, dropping empty entries.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseFilters turns dimension=value pairs into a filter map.
func parseFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("filter %q must be dimension=value", p))
		}
		filters[k] = v
	}
	return filters, nil
}
