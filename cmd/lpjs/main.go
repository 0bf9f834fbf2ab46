// Command lpjs is the LPJS user command.
//
// Usage:
//
//	lpjs [-c config] nodes
//	lpjs [-c config] jobs
//	lpjs [-c config] submit [-n count] [-c cores] [-m MiB] [-p min] script
//	lpjs [-c config] cancel|pause|resume job_id [job_id...]
//	lpjs [-c config] trace [-n days] job_id
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xinlaoda/lpjs/internal/auth"
	"github.com/xinlaoda/lpjs/internal/client"
	"github.com/xinlaoda/lpjs/internal/config"
	"github.com/xinlaoda/lpjs/internal/job"
)

type command struct {
	usage string
	run   func(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error
	// local commands read files on this host and never contact the dispatcher.
	local func(cfg *config.Config, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"nodes":  {"nodes", func(ctx context.Context, c *client.Client, _ []string, w io.Writer) error { return show(w)(c.Nodes(ctx)) }, nil},
	"jobs":   {"jobs", func(ctx context.Context, c *client.Client, _ []string, w io.Writer) error { return show(w)(c.Jobs(ctx)) }, nil},
	"submit": {"submit [-n count] [-c cores] [-m MiB] [-p min] script", submit, nil},
	"cancel": {"cancel job_id [job_id...]", perJob((*client.Client).Cancel), nil},
	"pause":  {"pause job_id [job_id...]", perJob((*client.Client).Pause), nil},
	"resume": {"resume job_id [job_id...]", perJob((*client.Client).Resume), nil},
	"trace":  {"trace [-n days] job_id", nil, trace},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: lpjs [-c config] command [args]\n\nCommands:\n")
	for _, name := range []string{"nodes", "jobs", "submit", "cancel", "pause", "resume", "trace"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("c", config.DefaultPath, "path to configuration file")
	timeout := flag.Duration("t", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "lpjs: unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs: %v\n", err)
		os.Exit(1)
	}
	if cmd.local != nil {
		if err := cmd.local(cfg, flag.Args()[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "lpjs %s: %v\n", flag.Arg(0), err)
			os.Exit(1)
		}
		return
	}
	key, err := auth.LoadKey(cfg.AuthKeyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lpjs: %v\n", err)
		os.Exit(1)
	}

	c := client.New(cfg.Addr(), key, cfg.MaxClockSkew, client.WithTimeout(*timeout))
	if err := cmd.run(context.Background(), c, flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "lpjs %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

func show(w io.Writer) func(string, error) error {
	return func(text string, err error) error {
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, text)
		return err
	}
}

func perJob(op func(*client.Client, context.Context, uint64) (string, error)) func(context.Context, *client.Client, []string, io.Writer) error {
	return func(ctx context.Context, c *client.Client, args []string, w io.Writer) error {
		ids, err := parseJobIDs(args)
		if err != nil {
			return err
		}
		var errs []error
		for _, id := range ids {
			if err := show(w)(op(c, ctx, id)); err != nil {
				errs = append(errs, fmt.Errorf("job %d: %w", id, err))
			}
		}
		return errors.Join(errs...)
	}
}

func parseJobIDs(args []string) ([]uint64, error) {
	if len(args) == 0 {
		return nil, errors.New("no job id specified")
	}
	ids := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid job id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func submit(ctx context.Context, c *client.Client, args []string, w io.Writer) error {
	tmpl, path, err := parseSubmit(args)
	if err != nil {
		return err
	}
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := fillSubmitter(tmpl); err != nil {
		return err
	}
	return show(w)(c.Submit(ctx, tmpl, string(script)))
}

// parseSubmit reads the submit flags into a job template and returns the
// script path.
func parseSubmit(args []string) (*job.Job, string, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	count := fs.Uint("n", 1, "number of jobs in the array")
	cores := fs.Uint("c", 1, "cores per job")
	mem := fs.Uint64("m", 100, "memory per core in MiB")
	minCores := fs.Uint("p", 0, "minimum cores per node")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() != 1 {
		return nil, "", errors.New("exactly one script required")
	}
	path := fs.Arg(0)
	return &job.Job{
		JobCount:        *count,
		CoresPerJob:     *cores,
		MinCoresPerNode: *minCores,
		MemPerCoreMiB:   *mem,
		ScriptName:      filepath.Base(path),
	}, path, nil
}

func fillSubmitter(tmpl *job.Job) error {
	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("get current user: %w", err)
	}
	tmpl.User = u.Username
	tmpl.Group = u.Gid
	if g, err := user.LookupGroupId(u.Gid); err == nil {
		tmpl.Group = g.Name
	}
	if tmpl.SubmitHost, err = os.Hostname(); err != nil {
		return err
	}
	if tmpl.SubmitDir, err = os.Getwd(); err != nil {
		return err
	}
	return nil
}
