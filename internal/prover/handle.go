package prover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	readChunkSize   = 4096
	chunkBufferSize = 16
	closeGrace      = 2 * time.Second
	drainDelay      = 500 * time.Millisecond
)

// pipes are the three standard streams of an interactive child. The parent
// keeps the stdin write end and the output read ends.
type pipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func openPipes() (*pipes, error) {
	p := &pipes{}
	var err error
	if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	return p, nil
}

func (p *pipes) closeChildEnds() {
	for _, f := range []*os.File{p.stdinR, p.stdoutW, p.stderrW} {
		if f != nil {
			f.Close()
		}
	}
}

func (p *pipes) closeReadEnds() {
	p.stdoutR.Close()
	p.stderrR.Close()
}

func (p *pipes) closeAll() {
	for _, f := range []*os.File{p.stdinR, p.stdinW, p.stdoutR, p.stdoutW, p.stderrR, p.stderrW} {
		if f != nil {
			f.Close()
		}
	}
}

// execHandle owns one interactive prover process. Stdout is pumped into
// chunks so await can watch for decision points without blocking on a
// prompt that has no trailing newline.
type execHandle struct {
	adapter *ExecAdapter
	cmd     *exec.Cmd
	pipes   *pipes
	cancel  context.CancelFunc
	cleanup func()

	chunks chan string
	stop   chan struct{}
	done   chan struct{}
	pumps  errgroup.Group

	stderrMu   sync.Mutex
	stderr     strings.Builder
	stderrRead int

	mu      sync.Mutex // serialises Feed
	pending string

	closed    atomic.Bool
	closeOnce sync.Once
}

func newExecHandle(a *ExecAdapter, cmd *exec.Cmd, p *pipes, cancel context.CancelFunc, cleanup func()) *execHandle {
	return &execHandle{
		adapter: a,
		cmd:     cmd,
		pipes:   p,
		cancel:  cancel,
		cleanup: cleanup,
		chunks:  make(chan string, chunkBufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// pump starts the stdout and stderr readers and the reaper. Once the
// process has exited the readers get drainDelay to reach EOF; after that the
// read ends are closed so a grandchild holding the pipes cannot stall us.
func (h *execHandle) pump() {
	stdout, stderr := h.pipes.stdoutR, h.pipes.stderrR

	h.pumps.Go(func() error {
		defer close(h.chunks)
		buf := make([]byte, readChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				select {
				case h.chunks <- string(buf[:n]):
				case <-h.stop:
					return nil
				}
			}
			if err != nil {
				return streamErr("stdout", err)
			}
		}
	})

	h.pumps.Go(func() error {
		buf := make([]byte, readChunkSize)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				h.stderrMu.Lock()
				h.stderr.Write(buf[:n])
				h.stderrMu.Unlock()
			}
			if err != nil {
				return streamErr("stderr", err)
			}
		}
	})

	go func() {
		drained := make(chan struct{})
		go func() {
			if err := h.pumps.Wait(); err != nil {
				h.adapter.log.Warn("prover stream error", "error", err)
			}
			close(drained)
		}()

		if err := h.cmd.Wait(); err != nil {
			h.adapter.log.Debug("prover exited", "error", err)
		}
		select {
		case <-drained:
		case <-time.After(drainDelay):
			h.pipes.closeReadEnds()
			<-drained
		}
		h.pipes.closeReadEnds()
		close(h.done)
	}()
}

func streamErr(stream string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return fmt.Errorf("read %s: %w", stream, err)
}

// takeStderr returns the error-stream text written since the last call.
func (h *execHandle) takeStderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	s := h.stderr.String()[h.stderrRead:]
	h.stderrRead = h.stderr.Len()
	return s
}

// cutAtMarker splits s after the earliest decision-point marker.
func (h *execHandle) cutAtMarker(s string) (head, rest string, ok bool) {
	end := -1
	for _, marker := range h.adapter.cfg.PromptMarkers {
		if i := strings.Index(s, marker); i >= 0 && (end < 0 || i+len(marker) < end) {
			end = i + len(marker)
		}
	}
	if end < 0 {
		return "", "", false
	}
	return s[:end], strings.TrimLeft(s[end:], " \t"), true
}

// await collects stdout until the next decision point or process exit.
func (h *execHandle) await(ctx context.Context) (Output, error) {
	start := time.Now()
	timeout := h.adapter.cfg.Timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var buf strings.Builder
	buf.WriteString(h.pending)
	h.pending = ""

	for {
		if head, rest, ok := h.cutAtMarker(buf.String()); ok {
			h.pending = rest
			out := Output{Raw: head, Stderr: h.takeStderr(), Waiting: true, Duration: time.Since(start)}
			if err := h.adapter.failureMarker(out.Stderr); err != nil {
				h.kill()
				out.Waiting = false
				return out, err
			}
			return out, nil
		}

		select {
		case chunk, ok := <-h.chunks:
			if !ok {
				return h.finish(ctx, buf.String(), start, timer)
			}
			buf.WriteString(chunk)
		case <-timer.C:
			h.kill()
			return h.partial(buf.String(), start), &Error{
				Kind:   ErrTimeout,
				Stderr: h.snapshotStderr(),
				Err:    fmt.Errorf("no decision point within %s", timeout),
			}
		case <-ctx.Done():
			h.kill()
			return h.partial(buf.String(), start), &Error{Kind: ErrTimeout, Stderr: h.snapshotStderr(), Err: ctx.Err()}
		}
	}
}

// finish waits for the process after stdout closed and classifies the exit.
func (h *execHandle) finish(ctx context.Context, raw string, start time.Time, timer *time.Timer) (Output, error) {
	select {
	case <-h.done:
	case <-timer.C:
		h.kill()
		<-h.done
		return h.partial(raw, start), &Error{Kind: ErrTimeout, Stderr: h.snapshotStderr(), Err: errors.New("process did not exit after closing its output")}
	case <-ctx.Done():
		h.kill()
		<-h.done
		return h.partial(raw, start), &Error{Kind: ErrTimeout, Stderr: h.snapshotStderr(), Err: ctx.Err()}
	}

	out := Output{Raw: raw, Stderr: h.takeStderr(), Duration: time.Since(start)}
	if h.cmd.ProcessState != nil {
		out.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	if err := h.adapter.rejection(out); err != nil {
		return out, err
	}
	h.adapter.log.Debug("interactive prover finished", "exit_code", out.ExitCode)
	return out, nil
}

func (h *execHandle) partial(raw string, start time.Time) Output {
	return Output{Raw: raw, Stderr: h.takeStderr(), ExitCode: -1, Duration: time.Since(start)}
}

func (h *execHandle) snapshotStderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return h.stderr.String()
}

func (h *execHandle) kill() {
	h.cancel()
}

// Feed writes the selected clause number to the prover's stdin.
func (h *execHandle) Feed(ctx context.Context, id int) (Output, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return Output{}, ErrHandleClosed
	}
	if _, err := fmt.Fprintf(h.pipes.stdinW, "%d\n", id); err != nil {
		// The process is gone; await reports how it exited.
		h.adapter.log.Debug("selection write failed", "id", id, "error", err)
	}
	return h.await(ctx)
}

// Close interrupts a live process, kills it after a grace period, and
// removes the staged input.
func (h *execHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stop)
		h.pipes.stdinW.Close()

		select {
		case <-h.done:
		default:
			if h.cmd.Process != nil {
				h.cmd.Process.Signal(os.Interrupt)
			}
			select {
			case <-h.done:
			case <-time.After(closeGrace):
				h.kill()
				<-h.done
			}
		}

		h.cancel()
		h.cleanup()
	})
	return nil
}
