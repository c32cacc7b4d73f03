package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/backups/internal/backend"
	"github.com/Chapsvision-dev/backups/internal/config"
	"github.com/Chapsvision-dev/backups/internal/identity"
	"github.com/Chapsvision-dev/backups/internal/metrics"
	"github.com/Chapsvision-dev/backups/internal/naming"
	"github.com/Chapsvision-dev/backups/internal/orchestrator"
	"github.com/Chapsvision-dev/backups/internal/registry"

	_ "github.com/Chapsvision-dev/backups/internal/destination/azure"
	_ "github.com/Chapsvision-dev/backups/internal/destination/directory"
	_ "github.com/Chapsvision-dev/backups/internal/destination/s3"
	_ "github.com/Chapsvision-dev/backups/internal/destination/samba"
	_ "github.com/Chapsvision-dev/backups/internal/destination/sftp"
	_ "github.com/Chapsvision-dev/backups/internal/notifier/hipchat"
	_ "github.com/Chapsvision-dev/backups/internal/notifier/nats"
	_ "github.com/Chapsvision-dev/backups/internal/notifier/slack"
	_ "github.com/Chapsvision-dev/backups/internal/notifier/smtp"
	_ "github.com/Chapsvision-dev/backups/internal/source/folder"
	_ "github.com/Chapsvision-dev/backups/internal/source/mysql"
	_ "github.com/Chapsvision-dev/backups/internal/source/sqlite"
	_ "github.com/Chapsvision-dev/backups/internal/source/vault"
)

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig    func(path string) (*config.Config, error)                = config.Load
	checkUser     func(want string) error                                  = identity.Check
	restrictUmask func() int                                               = identity.RestrictUmask
	buildSet      func(*config.Config, backend.Env) (*registry.Set, error) = registry.Build
	newRunID      func() string                                            = uuid.NewString
	notifySignals func(chan<- os.Signal, ...os.Signal)                     = signal.Notify
	stopSignals   func(chan<- os.Signal)                                   = signal.Stop
	exit          func(int)                                                = os.Exit
)

// Exit codes.
const (
	exitOK           = 0
	exitPrecondition = 1
	exitUsage        = 2
	exitInterrupted  = 130
)

// main wires CLI -> config -> identity -> backends -> orchestrator.
// Per-source failures are reported through notifiers and do not change the exit code.
func main() {
	_ = godotenv.Load() // best-effort
	exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// preconditionError aborts the run before any source is processed.
type preconditionError struct{ err error }

func (e *preconditionError) Error() string { return e.err.Error() }
func (e *preconditionError) Unwrap() error { return e.err }

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	var pe *preconditionError
	if errors.As(err, &pe) {
		log.Error().Err(pe.err).Str("action", "startup").Msg("backup run aborted")
		fmt.Fprintln(stderr, "backups:", pe.err)
		return exitPrecondition
	}
	fmt.Fprintln(stderr, "backups:", err)
	fmt.Fprint(stderr, root.UsageString())
	return exitUsage
}

// runBackups is the whole run. It returns a *preconditionError when the run
// cannot start; once sources are being processed it always returns nil.
func runBackups(ctx context.Context, configFile string) error {
	restrictUmask()

	cfg, err := loadConfig(configFile)
	if err != nil {
		return &preconditionError{err}
	}
	if err := checkUser(cfg.Defaults.User); err != nil {
		return &preconditionError{err}
	}
	if err := os.MkdirAll(cfg.TempDir(), 0o700); err != nil {
		return &preconditionError{fmt.Errorf("temp dir: %w", err)}
	}

	env := backend.Env{
		Host:    cfg.Defaults.Hostname,
		TempDir: cfg.TempDir(),
		Run:     naming.Run{ID: newRunID(), Started: time.Now().UTC()},
		Retry:   cfg.RetryOptions(),
	}
	set, err := buildSet(cfg, env)
	if err != nil {
		return &preconditionError{err}
	}
	defer closeNotifiers(set)

	var collector *metrics.Collector
	opts := orchestrator.Options{Host: env.Host, Run: env.Run}
	if cfg.Defaults.MetricsFile != "" {
		collector = metrics.New()
		opts.Recorder = collector
	}
	orch, err := orchestrator.New(set.Sources, set.Destinations, set.Notifiers, opts)
	if err != nil {
		return &preconditionError{err}
	}

	log.Info().
		Str("action", "run").
		Str("config", cfg.Path).
		Str("host", env.Host).
		Str("run_id", env.Run.ID).
		Int("sources", len(set.Sources)).
		Int("destinations", len(set.Destinations)).
		Int("notifiers", len(set.Notifiers)).
		Msg("backup run started")

	runCtx, stop := withSignals(ctx)
	orch.Run(runCtx)
	stop()

	if collector != nil {
		if err := collector.WriteTextfile(cfg.Defaults.MetricsFile); err != nil {
			log.Warn().Err(err).Str("action", "metrics").Str("file", cfg.Defaults.MetricsFile).Msg("cannot write metrics")
		}
	}
	return nil
}

func closeNotifiers(set *registry.Set) {
	for _, n := range set.Notifiers {
		c, ok := n.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("action", "notify").Str("notifier", n.Name()).Msg("close failed")
		}
	}
}

// withSignals ends the process on SIGINT/SIGTERM without waiting for the
// in-flight step: no further notification or cleanup runs. stop releases the
// handler once the run is over.
func withSignals(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	notifySignals(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			log.Warn().Str("action", "run").Str("signal", sig.String()).Msg("interrupted")
			exit(exitInterrupted)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		stopSignals(ch)
		cancel()
	}
}
