package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"chronicle.dev/chronicle/observer"
	"chronicle.dev/chronicle/observer/noop"
	"chronicle.dev/chronicle/telemetry"
	"chronicle.dev/chronicle/trial"
)

// DefaultHeartbeatRate is how often the running heartbeat records a
// heartbeat event and checks for a remote suspend request, matching
// spec.md §4.5's 10-second default.
const DefaultHeartbeatRate = 10 * time.Second

// Consumer runs a single reserved trial's process to completion, supervising
// it with three cooperating goroutines (stdout reader, stderr reader,
// heartbeat) under a structured-cancellation scope, exactly spec.md §4.5's
// consume/launch split.
type Consumer struct {
	RootDir       string
	DBName        string
	DBType        string
	DBAddress     string
	Verbosity     string
	HeartbeatRate time.Duration

	Observer observer.Observer
	Logger   telemetry.Logger
}

// NewConsumer constructs a Consumer rooted at rootDir, with
// DefaultHeartbeatRate and a no-op observer/logger.
func NewConsumer(rootDir string) *Consumer {
	return &Consumer{
		RootDir:       rootDir,
		HeartbeatRate: DefaultHeartbeatRate,
		Observer:      noop.New(),
		Logger:        telemetry.NewNoopLogger(),
	}
}

// errSuspendRequested is the sentinel the heartbeat goroutine raises (via
// cancelCause) when it discovers the trial was remotely marked suspended
// while running — spec.md §4.5's KeyboardInterrupt-equivalent signal.
var errSuspendRequested = errors.New("worker: suspend requested")

// Consume runs t from reservation through to a terminal status: it creates
// the trial's working directory, transitions to running, launches the
// process, and records completed or broken depending on the outcome.
func (c *Consumer) Consume(ctx context.Context, t *trial.Trial) error {
	workdir := filepath.Join(c.RootDir, "kleio", t.ShortID())
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("worker: consume %s: mkdir %s: %w", t.ShortID(), workdir, err)
	}

	if err := t.Run(ctx); err != nil {
		return fmt.Errorf("worker: consume %s: run: %w", t.ShortID(), err)
	}
	now := time.Now().UTC()
	if err := c.Observer.Started(ctx, t.ID, now); err != nil {
		c.Logger.Warn(ctx, "observer started hook failed", "trial", t.ShortID(), "error", err.Error())
	}

	rc, launchErr := c.Launch(ctx, t, workdir)

	switch {
	case errors.Is(launchErr, errSuspendRequested), errors.Is(launchErr, errSigint):
		// A remote suspend request and a local SIGINT both map to
		// suspended; if the trial is already suspended (e.g. the remote
		// request won the race against this signal), swallow it.
		if err := t.Suspend(ctx); err != nil && !errors.Is(err, trial.ErrInvalidState) {
			return fmt.Errorf("worker: consume %s: suspend: %w", t.ShortID(), err)
		}
		return c.notify(ctx, t, c.Observer.Interrupted)
	case errors.Is(launchErr, errSigterm):
		if err := t.Interrupt(ctx); err != nil {
			return fmt.Errorf("worker: consume %s: interrupt: %w", t.ShortID(), err)
		}
		if notifyErr := c.notify(ctx, t, c.Observer.Interrupted); notifyErr != nil {
			return notifyErr
		}
		return launchErr
	case launchErr != nil || rc != 0:
		if err := t.Broken(ctx); err != nil {
			return fmt.Errorf("worker: consume %s: broken: %w", t.ShortID(), err)
		}
		if notifyErr := c.notifyFailed(ctx, t, launchErr); notifyErr != nil {
			c.Logger.Warn(ctx, "observer failed hook failed", "trial", t.ShortID(), "error", notifyErr.Error())
		}
		if launchErr != nil {
			return fmt.Errorf("worker: consume %s: %w", t.ShortID(), launchErr)
		}
		return nil
	default:
		if err := t.Complete(ctx); err != nil {
			return fmt.Errorf("worker: consume %s: complete: %w", t.ShortID(), err)
		}
		return c.notify(ctx, t, c.Observer.Completed)
	}
}

func (c *Consumer) notify(ctx context.Context, t *trial.Trial, hook func(context.Context, trial.ID, time.Time) error) error {
	if err := hook(ctx, t.ID, time.Now().UTC()); err != nil {
		c.Logger.Warn(ctx, "observer hook failed", "trial", t.ShortID(), "error", err.Error())
	}
	return nil
}

func (c *Consumer) notifyFailed(ctx context.Context, t *trial.Trial, cause error) error {
	return c.Observer.Failed(ctx, t.ID, time.Now().UTC(), cause)
}

var (
	errSigterm = errors.New("worker: terminated")
	errSigint  = errors.New("worker: interrupted")
)

// Launch runs t's process to completion inside workdir, returning its exit
// code. Three goroutines cooperate under a cancellable scope: one drains
// stdout into t.Stdout, one drains stderr into t.Stderr, and one records a
// heartbeat event every c.HeartbeatRate and reloads the trial's status,
// raising errSuspendRequested if another process marked it suspended out
// from under this worker (a remote suspend request). SIGINT maps to a
// suspend, SIGTERM maps to an interrupt. On the way out the readers first
// drain both pipes to EOF, then the process is waited on, and only then is
// the heartbeat canceled.
func (c *Consumer) Launch(ctx context.Context, t *trial.Trial, workdir string) (int, error) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				cancel(errSigterm)
			} else {
				cancel(errSigint)
			}
		case <-runCtx.Done():
		}
	}()

	cmd := exec.CommandContext(runCtx, t.Commandline[0], t.Commandline[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"TRIAL_ID="+t.ID,
		"DB_NAME="+c.DBName,
		"DB_TYPE="+c.DBType,
		"DB_ADDRESS="+c.DBAddress,
		"VERBOSITY="+c.Verbosity,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("worker: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("worker: start process: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.drain(runCtx, stdout, func(ctx context.Context, line string) error {
			_, err := t.Stdout.Append(ctx, line, time.Time{}, "")
			return err
		})
	}()
	go func() {
		defer wg.Done()
		c.drain(runCtx, stderr, func(ctx context.Context, line string) error {
			_, err := t.Stderr.Append(ctx, line, time.Time{}, "")
			return err
		})
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeat(runCtx, t, cancel)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	cancel(nil)
	<-heartbeatDone
	<-sigDone

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return -1, cause
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("worker: wait: %w", waitErr)
	}
	return 0, nil
}

func (c *Consumer) drain(ctx context.Context, r io.Reader, record func(context.Context, string) error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := record(ctx, scanner.Text()); err != nil {
			c.Logger.Warn(ctx, "worker: record output line failed", "error", err.Error())
		}
	}
}

func (c *Consumer) heartbeat(ctx context.Context, t *trial.Trial, cancel context.CancelCauseFunc) {
	rate := c.HeartbeatRate
	if rate <= 0 {
		rate = DefaultHeartbeatRate
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Check the stored status before attempting the heartbeat
			// transition: once another process has marked the trial
			// suspended, the running->running transition below would fail
			// every tick and never reach this check again.
			if err := t.Status.Load(ctx); err != nil {
				continue
			}
			status, err := t.CurrentStatus(ctx)
			if err != nil {
				continue
			}
			if status == trial.StatusSuspended {
				cancel(errSuspendRequested)
				return
			}
			if err := t.Heartbeat(ctx); err != nil {
				c.Logger.Warn(ctx, "worker: heartbeat failed", "trial", t.ShortID(), "error", err.Error())
				continue
			}
			if err := c.Observer.Heartbeat(ctx, t.ID, time.Now().UTC()); err != nil {
				c.Logger.Warn(ctx, "observer heartbeat hook failed", "trial", t.ShortID(), "error", err.Error())
			}
		}
	}
}
