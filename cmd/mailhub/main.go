// Command mailhub polls, triages and answers mail across Gmail, Microsoft
// Graph and IMAP accounts. Every subcommand prints JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nhle/mailhub/internal/app"
	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

// env is the state shared by subcommands. The application is opened on
// first use so usage errors never touch the database or keyring.
type env struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer

	cfg    *model.AppConfig
	logger *zap.Logger
	app    *app.App
}

func (e *env) open(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := model.LoadConfig(e.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.cfg, e.logger, e.app = cfg, logger, a
	return a, nil
}

func (e *env) close() {
	if e.app != nil {
		e.app.Close()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

type command struct {
	usage string
	run   func(ctx context.Context, e *env, args []string) (any, error)
}

var commands = map[string]command{
	"poll":      {"poll [--mode ingest|alerts] [--account ID]", runPoll},
	"bootstrap": {"bootstrap --account ID [--cold-start-days N]", runBootstrap},
	"triage":    {"triage [--day today|YYYY-MM-DD] [--suggest]", runTriage},
	"summary":   {"summary [--day today|YYYY-MM-DD]", runSummary},
	"reply":     {"reply list|enqueue|draft|prepare|compose|revise|send|skip|send-all|auto", runReply},
	"jobs":      {"jobs run|loop [--metrics-addr ADDR]", runJobs},
	"slots":     {"slots due --kind KIND [--at RFC3339] | slots mark --key KEY", runSlots},
	"doctor":    {"doctor", runDoctor},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("mailhub", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	configPath := fs.StringP("config", "c", model.DefaultConfigPath(), "path to config.yaml")
	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		printUsage(stderr)
		return exitUsage
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		printUsage(stderr)
		return exitUsage
	}

	e := &env{configPath: *configPath, stdout: stdout, stderr: stderr}
	defer e.close()

	out, err := cmd.run(ctx, e, fs.Args()[1:])
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "usage: mailhub %s\n", cmd.usage)
		return exitUsage
	case errors.Is(err, pflag.ErrHelp):
		return exitOK
	case err != nil:
		writeJSON(stdout, map[string]any{"ok": false, "error": model.FailureOf(err)})
		return exitFailure
	}

	if err := writeJSON(stdout, out); err != nil {
		fmt.Fprintf(stderr, "writing output: %v\n", err)
		return exitFailure
	}
	if r, ok := out.(*app.DoctorReport); ok && !r.OK() {
		return exitFailure
	}
	return exitOK
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("usage: mailhub [--config PATH] <command> [flags]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].usage)
	}
	fmt.Fprint(w, b.String())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newFlagSet returns a subcommand flag set that reports errors instead of
// exiting.
func newFlagSet(e *env, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// parse parses args and rejects stray positional arguments.
func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		return errUsage
	}
	return nil
}
