package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/mfridman/xflag"
	"github.com/pressly/teststack/internal/cfg"
	"github.com/pressly/teststack/pkg/dockermanage"
)

var (
	flags   = flag.NewFlagSet("teststack", flag.ExitOnError)
	verbose = flags.Bool("v", false, "enable verbose logging")
	kind    = flags.String("kind", "", "only act on containers of this kind (e.g., postgres, custom:redis:7)")
)

func main() {
	log.SetFlags(0)
	flags.Usage = usage
	if err := xflag.ParseToEnd(flags, os.Args[1:]); err != nil {
		log.Fatalf("teststack: failed to parse flags: %v", err)
	}
	args := flags.Args()
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		flags.Usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args[0], os.Stdout); err != nil {
		log.Fatalf("teststack %s: %v", args[0], err)
	}
}

func run(ctx context.Context, command string, w io.Writer) error {
	switch command {
	case "env":
		return printEnv(w)
	case "list", "prune":
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	manager, err := dockermanage.NewManager(logger)
	if err != nil {
		return err
	}
	defer manager.Close()
	if err := manager.Ping(ctx); err != nil {
		return err
	}

	if command == "prune" && *kind == "" {
		removed, err := manager.RemoveManaged(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %d containers\n", removed)
		return nil
	}

	summaries, err := manager.ListManaged(ctx)
	if err != nil {
		return err
	}
	summaries = filterKind(summaries, *kind)
	if command == "list" {
		return printSummaries(w, summaries)
	}

	var removed int
	for _, s := range summaries {
		if err := manager.Remove(ctx, s.ID); err != nil {
			return fmt.Errorf("removed %d of %d containers: %w", removed, len(summaries), err)
		}
		removed++
	}
	fmt.Fprintf(w, "removed %d containers\n", removed)
	return nil
}

func filterKind(summaries []dockermanage.Summary, kind string) []dockermanage.Summary {
	if kind == "" {
		return summaries
	}
	var filtered []dockermanage.Summary
	for _, s := range summaries {
		if s.Kind == kind {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func printSummaries(w io.Writer, summaries []dockermanage.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tIMAGE\tSTATE")
	for _, s := range summaries {
		id := s.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, s.Kind, s.Image, s.State)
	}
	return tw.Flush()
}

func printEnv(w io.Writer) error {
	values, err := cfg.Load()
	if err != nil {
		return err
	}
	for _, env := range values.List() {
		fmt.Fprintf(w, "%s=%q\n", env.Name, env.Value)
	}
	return nil
}

func usage() {
	fmt.Print(usagePrefix)
	flags.PrintDefaults()
	fmt.Print(usageCommands)
}

var (
	usagePrefix = `Usage: teststack [OPTIONS] COMMAND

Inspect and clean up containers started by teststack. Containers are normally removed when the
test binary exits; they are left behind when TESTSTACK_NOCLEANUP is set or the process is killed.

Examples:
    teststack list
    teststack -kind postgres prune
    TESTSTACK_ENV_FILE=.teststack.env teststack env

Options:
`

	usageCommands = `
Commands:
    list     List containers carrying the teststack label
    prune    Force-remove containers carrying the teststack label
    env      Print the TESTSTACK_* settings in effect
`
)
