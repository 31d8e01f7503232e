// Command taskctl submits and inspects tasks through the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/lcksfa/async-ai-task-runner/internal/cli"
)

const defaultServer = "http://localhost:8080"

type globals struct {
	server string
	output string
	out    io.Writer
}

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, c *cli.Client, g globals, fs *pflag.FlagSet, args []string) error
	flags   func(fs *pflag.FlagSet)
}

var (
	submitModel    string
	submitProvider string
	submitPriority int
	submitWait     bool

	listStatus string
	listLimit  int
	listOffset int

	watchInterval time.Duration
)

var commands = []command{
	{
		name: "submit", usage: "submit [flags] PROMPT", summary: "Submit a prompt for background processing",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVarP(&submitModel, "model", "m", "", "model name (provider default when empty)")
			fs.StringVarP(&submitProvider, "provider", "p", "", "provider name (server default when empty)")
			fs.IntVar(&submitPriority, "priority", 0, "priority 1-10 (server default when 0)")
			fs.BoolVarP(&submitWait, "wait", "w", false, "watch the task until it finishes")
		},
		run: runSubmit,
	},
	{name: "get", usage: "get ID", summary: "Show a task", run: runGet},
	{
		name: "list", usage: "list [flags]", summary: "List tasks, newest first",
		flags: func(fs *pflag.FlagSet) {
			fs.StringVarP(&listStatus, "status", "s", "", "filter by status")
			fs.IntVarP(&listLimit, "limit", "n", 0, "maximum tasks to show")
			fs.IntVar(&listOffset, "offset", 0, "tasks to skip")
		},
		run: runList,
	},
	{name: "result", usage: "result ID", summary: "Print the result of a completed task", run: runResult},
	{
		name: "watch", usage: "watch [flags] ID", summary: "Follow a task until it finishes",
		flags: func(fs *pflag.FlagSet) {
			fs.DurationVar(&watchInterval, "interval", time.Second, "poll interval")
		},
		run: runWatch,
	},
	{name: "events", usage: "events ID", summary: "Show the audit trail of a task", run: runEvents},
	{name: "providers", usage: "providers", summary: "List configured providers", run: runProviders},
	{name: "stats", usage: "stats", summary: "Show task counts by status", run: runStats},
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		return 2
	}
	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(stderr, "taskctl: unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	g := globals{out: stdout}
	fs := pflag.NewFlagSet("taskctl "+cmd.name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.server, "server", envOr("TASKCTL_SERVER", defaultServer), "API base URL")
	fs.StringVarP(&g.output, "output", "o", cli.FormatTable, "output format: table, json or yaml")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: taskctl %s\n\n%s\n\n", cmd.usage, cmd.summary)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if !cli.ValidFormat(g.output) {
		fmt.Fprintf(stderr, "taskctl: unknown output format %q\n", g.output)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := cli.NewClient(g.server)
	if err := cmd.run(ctx, client, g, fs, fs.Args()); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintln(stderr, "taskctl:", err)
		return 1
	}
	return 0
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: taskctl COMMAND [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "global flags: --server URL (env TASKCTL_SERVER), -o table|json|yaml")
}

func runSubmit(ctx context.Context, c *cli.Client, g globals, fs *pflag.FlagSet, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return errors.New("submit: a prompt is required")
	}
	in := cli.SubmitInput{Prompt: prompt}
	if submitModel != "" {
		in.Model = &submitModel
	}
	if submitProvider != "" {
		in.Provider = &submitProvider
	}
	if fs.Changed("priority") {
		in.Priority = &submitPriority
	}
	task, err := c.Submit(ctx, in)
	if err != nil {
		return err
	}
	if !submitWait {
		return cli.RenderTask(g.out, task, g.output)
	}
	final, err := cli.Watch(ctx, c, task.ID, time.Second)
	if err != nil {
		return err
	}
	return cli.RenderTask(g.out, final, g.output)
}

func runGet(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	task, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	return cli.RenderTask(g.out, task, g.output)
}

func runList(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, _ []string) error {
	tasks, err := c.List(ctx, listStatus, listLimit, listOffset)
	if err != nil {
		return err
	}
	return cli.RenderTasks(g.out, tasks, g.output)
}

func runResult(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	res, err := c.Result(ctx, id)
	if err != nil {
		return err
	}
	return cli.RenderResult(g.out, res, g.output)
}

func runWatch(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	task, err := cli.Watch(ctx, c, id, watchInterval)
	if err != nil {
		return err
	}
	return cli.RenderTask(g.out, task, g.output)
}

func runEvents(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}
	events, err := c.Events(ctx, id)
	if err != nil {
		return err
	}
	return cli.RenderEvents(g.out, events, g.output)
}

func runProviders(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, _ []string) error {
	providers, err := c.Providers(ctx)
	if err != nil {
		return err
	}
	return cli.RenderProviders(g.out, providers, g.output)
}

func runStats(ctx context.Context, c *cli.Client, g globals, _ *pflag.FlagSet, _ []string) error {
	counts, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	return cli.RenderStats(g.out, counts, g.output)
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one task ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task ID %q", args[0])
	}
	return id, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
