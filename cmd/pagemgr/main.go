package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wudi/pagekit/commit"
	"github.com/wudi/pagekit/engine"
	"github.com/wudi/pagekit/engine/pdfcpu"
	"github.com/wudi/pagekit/observability"
	"github.com/wudi/pagekit/scripting"
	"github.com/wudi/pagekit/session"
)

type options struct {
	pdfPath        string
	scriptPath     string
	recoverTarget  string
	recoverApply   bool
	recoverDiscard bool
	password       string
	strict         bool
	noOptimize     bool
	metricsFile    string
	logLevel       string
	logFormat      string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagemgr: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pagemgr: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("pagemgr", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: pagemgr [flags] [pdf]\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.scriptPath, "script", "", "Run a JavaScript edit script instead of the interactive shell")
	fs.StringVar(&opts.recoverTarget, "recover", "", "List staged commit files left behind for this target")
	fs.BoolVar(&opts.recoverApply, "recover-apply", false, "With -recover: move the newest staged file onto the target")
	fs.BoolVar(&opts.recoverDiscard, "recover-discard", false, "With -recover: delete every staged file")
	fs.StringVar(&opts.password, "password", "", "Password to open encrypted PDFs")
	fs.BoolVar(&opts.strict, "strict", false, "Reject PDFs that only pass relaxed validation")
	fs.BoolVar(&opts.noOptimize, "no-optimize", false, "Write committed PDFs without optimization")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "Write commit metrics in Prometheus text format on exit")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		opts.pdfPath = fs.Arg(0)
	default:
		fs.Usage()
		return options{}, fmt.Errorf("expected at most one pdf path, got %d", fs.NArg())
	}
	if (opts.recoverApply || opts.recoverDiscard) && opts.recoverTarget == "" {
		return options{}, errors.New("-recover-apply and -recover-discard require -recover")
	}
	if opts.recoverApply && opts.recoverDiscard {
		return options{}, errors.New("-recover-apply and -recover-discard are exclusive")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	log := observability.NewTextLogger(os.Stderr, opts.logLevel, opts.logFormat)

	if opts.recoverTarget != "" {
		return runRecover(opts, out)
	}

	eng := pdfcpu.New(pdfcpu.Config{
		UserPassword:  opts.password,
		OwnerPassword: opts.password,
		Strict:        opts.strict,
	}, log)
	return runWith(ctx, opts, eng, log, in, out)
}

// runWith wires a session and committer around eng and runs the selected
// front end.
func runWith(ctx context.Context, opts options, eng engine.Engine, log observability.Logger, in io.Reader, out io.Writer) (err error) {
	reg := prometheus.NewRegistry()
	cfg := commit.DefaultConfig()
	cfg.Save.Optimize = !opts.noOptimize
	committer := commit.New(eng, cfg,
		commit.WithLogger(log),
		commit.WithMetrics(observability.NewMetrics(reg)))

	s := session.New(eng, session.WithLogger(log))
	defer s.Close()

	if opts.metricsFile != "" {
		defer func() {
			if werr := prometheus.WriteToTextfile(opts.metricsFile, reg); werr != nil && err == nil {
				err = fmt.Errorf("write metrics: %w", werr)
			}
		}()
	}

	if opts.pdfPath != "" {
		st, err := s.Open(ctx, opts.pdfPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Loaded PDF with %d pages\n", st.TotalPages)
	}

	if opts.scriptPath != "" {
		src, err := os.ReadFile(opts.scriptPath)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		js := scripting.NewEngine()
		if err := js.Bind(s, committer, log); err != nil {
			return err
		}
		v, err := js.Execute(ctx, string(src))
		if err != nil {
			return fmt.Errorf("script: %w", err)
		}
		if v != nil {
			fmt.Fprintln(out, v)
		}
		return nil
	}

	sh := newShell(s, committer, out)
	return sh.run(ctx, in)
}
