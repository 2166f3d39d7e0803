// Package pipelinectl implements the operator command line for the demand
// series pipeline: store setup, ingestion, runs, queries and synthetic data.
package pipelinectl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	service "github.com/okian/demandseries/internal/app"
	"github.com/okian/demandseries/internal/config"
	"github.com/okian/demandseries/pkg/logger"
)

const stopTimeout = 10 * time.Second

// env is what a command runs against.
type env struct {
	svc    *service.Service // nil for commands that do not touch the store
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	summary string
	offline bool // runs without opening the store
	run     func(ctx context.Context, e *env, args []string) error
}

// Main runs one pipelinectl command. args excludes the program name.
func Main(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("pipelinectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		dbPath    = fs.String("db", "", "SQLite database path (overrides config)")
		cfgPath   = fs.String("config", "", "YAML config file")
		logLevel  = fs.String("log-level", "warn", "Log level: debug, info, warn, error")
		logFormat = fs.String("log-format", "text", "Log format: text or json")
	)
	fs.Usage = func() { ShowHelp(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if err := logger.Init(logger.WithFormat(*logFormat), logger.WithOutput(stderr)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := logger.SetLevelString(*logLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if fs.NArg() == 0 || fs.Arg(0) == "help" {
		ShowHelp(stdout)
		return nil
	}
	name := fs.Arg(0)
	cmd, ok := commands()[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}
	if !cmd.offline {
		cfg, err := config.LoadFrom(ctx, *cfgPath)
		if err != nil {
			return err
		}
		if *dbPath != "" {
			cfg.DatabasePath = *dbPath
		}
		svc := service.New(service.WithConfig(cfg), service.WithLogger(logger.Get().Named("pipelinectl")))
		if err := svc.Open(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			defer cancel()
			if err := svc.Stop(stopCtx); err != nil {
				logger.Get().Warn(stopCtx, "stop service", logger.Error(err))
			}
		}()
		e.svc = svc
	}
	if err := cmd.run(ctx, e, fs.Args()[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ShowHelp prints usage information for pipelinectl.
func ShowHelp(w io.Writer) {
	fmt.Fprint(w, `pipelinectl - demand series pipeline operations

Usage:
  pipelinectl [global options] <command> [options]

Global options:
  -db string          SQLite database path (overrides config)
  -config string      YAML config file (default: $DEMAND_CONFIG)
  -log-level string   debug, info, warn, error (default "warn")
  -log-format string  text or json (default "text")

Commands:
`)
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-12s %s\n", name, cmds[name].summary)
	}
	fmt.Fprint(w, `
Run "pipelinectl <command> -h" for command options.

Examples:
  pipelinectl set-config -store shop-1 -tz America/New_York -currency USD
  pipelinectl generate -store shop-1 -from 2026-01-01 -days 90 > data.json
  pipelinectl ingest -file data.json
  pipelinectl run -store shop-1 -from 2026-01-01 -to 2026-03-31
  pipelinectl query -store shop-1 -from 2026-03-01 -to 2026-03-31 -sku SKU-1
`)
}

func newFlags(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", ErrUsage, fs.Arg(0))
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
