package prover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vampire-server/internal/proof"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultWaitDelay = 2 * time.Second
)

// DefaultInteractiveArgs switch the prover into manual clause selection.
var DefaultInteractiveArgs = []string{"--manual_cs", "on"}

// DefaultFailureMarkers are error-stream texts that mark rejected input
// even when the prover exits with status 0.
var DefaultFailureMarkers = []string{"User error", "Parsing Error"}

// Output is what one invocation or resumption produced.
type Output struct {
	Raw      string
	Stderr   string
	ExitCode int
	// Waiting is true when the process stopped at a decision point and is
	// still alive.
	Waiting  bool
	Duration time.Duration
}

// Adapter launches the prover. Implementations must be safe for concurrent
// use; each call owns its own child process.
type Adapter interface {
	// Invoke runs the prover to completion.
	Invoke(ctx context.Context, input string, opts []string) (Output, error)

	// InvokeInteractive launches the prover in manual selection mode and
	// returns at the first decision point or when the process ends. When
	// the returned Handle is non-nil the caller owns it and must Close it.
	InvokeInteractive(ctx context.Context, input string, opts []string) (Handle, Output, error)
}

// Handle controls an interactive prover process.
type Handle interface {
	// Feed delivers a clause selection and returns at the next decision
	// point or when the process ends.
	Feed(ctx context.Context, id int) (Output, error)

	// Close terminates the process if it is still alive and releases the
	// staged input. It is idempotent.
	Close() error
}

// Config configures an ExecAdapter.
type Config struct {
	Executable      string
	StagingDir      string
	Timeout         time.Duration
	InteractiveArgs []string
	PromptMarkers   []string
	FailureMarkers  []string
	// LaunchRate limits process launches per second. Zero disables the limit.
	LaunchRate  float64
	LaunchBurst int
	Logger      *slog.Logger
}

// ExecAdapter runs the prover executable with os/exec.
type ExecAdapter struct {
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewExecAdapter creates an adapter for the executable in cfg.
func NewExecAdapter(cfg Config) *ExecAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InteractiveArgs == nil {
		cfg.InteractiveArgs = DefaultInteractiveArgs
	}
	if len(cfg.PromptMarkers) == 0 {
		cfg.PromptMarkers = proof.DefaultPromptMarkers
	}
	if cfg.FailureMarkers == nil {
		cfg.FailureMarkers = DefaultFailureMarkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.LaunchRate > 0 {
		burst := cfg.LaunchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), burst)
	}

	return &ExecAdapter{
		cfg:     cfg,
		limiter: limiter,
		log:     cfg.Logger.With("component", "prover"),
	}
}

// Executable returns the configured prover path.
func (a *ExecAdapter) Executable() string {
	return a.cfg.Executable
}

// Check verifies that the prover executable exists and can be run.
func (a *ExecAdapter) Check() error {
	_, err := a.resolve()
	return err
}

func (a *ExecAdapter) resolve() (string, error) {
	if a.cfg.Executable == "" {
		return "", launchError(errors.New("no prover executable configured"))
	}
	path, err := exec.LookPath(a.cfg.Executable)
	if err != nil {
		return "", launchError(err)
	}
	return path, nil
}

// prepare resolves the executable, waits for a launch slot and stages the
// input. On success the caller must run cleanup.
func (a *ExecAdapter) prepare(ctx context.Context, input string) (path, staged string, cleanup func(), err error) {
	path, err = a.resolve()
	if err != nil {
		return "", "", nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return "", "", nil, &Error{Kind: ErrTimeout, Err: fmt.Errorf("waiting for launch slot: %w", err)}
	}
	staged, cleanup, err = stageInput(a.cfg.StagingDir, input)
	if err != nil {
		return "", "", nil, launchError(err)
	}
	return path, staged, cleanup, nil
}

func (a *ExecAdapter) args(opts []string, interactive bool, staged string) []string {
	args := make([]string, 0, len(opts)+len(a.cfg.InteractiveArgs)+1)
	args = append(args, opts...)
	if interactive {
		args = append(args, a.cfg.InteractiveArgs...)
	}
	return append(args, staged)
}

// Invoke runs the prover on input and waits for it to exit.
func (a *ExecAdapter) Invoke(ctx context.Context, input string, opts []string) (Output, error) {
	path, staged, cleanup, err := a.prepare(ctx, input)
	if err != nil {
		return Output{}, err
	}
	defer cleanup()

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	args := a.args(opts, false, staged)
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.WaitDelay = defaultWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.Debug("launching prover", "path", path, "args", args)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Output{}, launchError(err)
	}
	waitErr := cmd.Wait()

	out := Output{
		Raw:      stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() != nil {
		return out, &Error{Kind: ErrTimeout, Stderr: out.Stderr, Err: runCtx.Err()}
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return out, launchError(waitErr)
		}
	}
	if err := a.rejection(out); err != nil {
		return out, err
	}

	a.log.Debug("prover finished", "exit_code", out.ExitCode, "duration", out.Duration)
	return out, nil
}

// rejection reports ErrRejectedInput for a non-zero exit status or a
// failure marker on the error stream.
func (a *ExecAdapter) rejection(out Output) error {
	if out.ExitCode != 0 {
		return &Error{Kind: ErrRejectedInput, Stderr: out.Stderr, Err: fmt.Errorf("exit status %d", out.ExitCode)}
	}
	return a.failureMarker(out.Stderr)
}

func (a *ExecAdapter) failureMarker(stderr string) error {
	for _, marker := range a.cfg.FailureMarkers {
		if strings.Contains(stderr, marker) {
			return &Error{Kind: ErrRejectedInput, Stderr: stderr, Err: fmt.Errorf("error stream reported %q", marker)}
		}
	}
	return nil
}

// InvokeInteractive launches the prover in manual selection mode.
func (a *ExecAdapter) InvokeInteractive(ctx context.Context, input string, opts []string) (Handle, Output, error) {
	path, staged, cleanup, err := a.prepare(ctx, input)
	if err != nil {
		return nil, Output{}, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	args := a.args(opts, true, staged)
	cmd := exec.CommandContext(procCtx, path, args...)

	p, err := openPipes()
	if err != nil {
		cancel()
		cleanup()
		return nil, Output{}, launchError(err)
	}
	cmd.Stdin = p.stdinR
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW

	a.log.Debug("launching interactive prover", "path", path, "args", args)
	if err := cmd.Start(); err != nil {
		p.closeAll()
		cancel()
		cleanup()
		return nil, Output{}, launchError(err)
	}
	// The child holds its own copies now.
	p.closeChildEnds()

	h := newExecHandle(a, cmd, p, cancel, cleanup)
	h.pump()

	out, err := h.await(ctx)
	return h, out, err
}
