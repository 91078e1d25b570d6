package prover

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const successScript = `#!/bin/sh
echo "% success"
echo "clause(1): p(a)."
`

const argsScript = `#!/bin/sh
echo "% args: $*"
last=""
for a in "$@"; do last="$a"; done
echo "% input: $(cat "$last")"
`

const rejectScript = `#!/bin/sh
echo "User error: unknown option" >&2
exit 1
`

const markerScript = `#!/bin/sh
echo "% partial"
echo "Parsing Error on line 1" >&2
exit 0
`

const slowScript = `#!/bin/sh
sleep 5
`

const interactiveScript = `#!/bin/sh
echo "[SA] new: 1. p(a) [input]"
echo "[SA] new: 2. ~p(a) [input]"
printf "Pick a clause:"
read id
echo "[SA] active: $id. picked [input]"
printf "Pick a clause:"
read id
echo "% Refutation found. Thanks to Tanya!"
`

const rejectAtStartScript = `#!/bin/sh
echo "User error: bad encoding" >&2
exit 3
`

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub provers are shell scripts")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// writeStub writes an executable stub prover and returns its path.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "prover")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestAdapter(t *testing.T, script string, timeout time.Duration) (*ExecAdapter, string) {
	t.Helper()
	staging := t.TempDir()
	a := NewExecAdapter(Config{
		Executable: writeStub(t, script),
		StagingDir: staging,
		Timeout:    timeout,
	})
	return a, staging
}

func assertStagingEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected staging dir to be empty, found %d entries", len(entries))
	}
}

func TestInvoke_Success(t *testing.T) {
	a, staging := newTestAdapter(t, successScript, 5*time.Second)

	out, err := a.Invoke(context.Background(), "p(X).", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if out.Raw != "% success\nclause(1): p(a).\n" {
		t.Errorf("unexpected output %q", out.Raw)
	}
	if out.ExitCode != 0 || out.Waiting {
		t.Errorf("unexpected exit=%d waiting=%v", out.ExitCode, out.Waiting)
	}
	assertStagingEmpty(t, staging)
}

func TestInvoke_PassesOptionsAndInput(t *testing.T) {
	a, _ := newTestAdapter(t, argsScript, 5*time.Second)

	out, err := a.Invoke(context.Background(), "fof(a, axiom, p).", []string{"--mode", "casc", "-t", "10"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(out.Raw, "% args: --mode casc -t 10 ") {
		t.Errorf("options not passed in order: %q", out.Raw)
	}
	if !strings.Contains(out.Raw, "% input: fof(a, axiom, p).") {
		t.Errorf("input not staged: %q", out.Raw)
	}
}

func TestInvoke_Rejected(t *testing.T) {
	a, staging := newTestAdapter(t, rejectScript, 5*time.Second)

	out, err := a.Invoke(context.Background(), "p.", nil)
	if !errors.Is(err, ErrRejectedInput) {
		t.Fatalf("expected ErrRejectedInput, got %v", err)
	}
	if out.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", out.ExitCode)
	}
	if !strings.Contains(StderrOf(err), "unknown option") {
		t.Errorf("expected stderr to be captured, got %q", StderrOf(err))
	}
	assertStagingEmpty(t, staging)
}

func TestInvoke_FailureMarkerWithZeroExit(t *testing.T) {
	a, _ := newTestAdapter(t, markerScript, 5*time.Second)

	out, err := a.Invoke(context.Background(), "p.", nil)
	if !errors.Is(err, ErrRejectedInput) {
		t.Fatalf("expected ErrRejectedInput, got %v", err)
	}
	if out.Raw != "% partial\n" {
		t.Errorf("expected stdout to be kept, got %q", out.Raw)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	a, staging := newTestAdapter(t, slowScript, 200*time.Millisecond)

	start := time.Now()
	_, err := a.Invoke(context.Background(), "p.", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("child was not terminated on timeout")
	}
	assertStagingEmpty(t, staging)
}

func TestInvoke_LaunchErrorMissingExecutable(t *testing.T) {
	staging := t.TempDir()
	a := NewExecAdapter(Config{Executable: filepath.Join(t.TempDir(), "missing"), StagingDir: staging})

	_, err := a.Invoke(context.Background(), "p.", nil)
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	if !strings.Contains(err.Error(), "no such file") {
		t.Errorf("expected OS reason in message, got %q", err.Error())
	}
	assertStagingEmpty(t, staging)
}

func TestInvoke_LaunchErrorNotExecutable(t *testing.T) {
	requireShell(t)
	path := filepath.Join(t.TempDir(), "prover")
	if err := os.WriteFile(path, []byte(successScript), 0o644); err != nil {
		t.Fatal(err)
	}
	a := NewExecAdapter(Config{Executable: path, StagingDir: t.TempDir()})

	_, err := a.Invoke(context.Background(), "p.", nil)
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	if a.Check() == nil {
		t.Error("expected Check to fail for a non-executable file")
	}
}

func TestInvokeInteractive_SelectUntilDone(t *testing.T) {
	a, staging := newTestAdapter(t, interactiveScript, 5*time.Second)
	ctx := context.Background()

	h, out, err := a.InvokeInteractive(ctx, "p.", nil)
	if err != nil {
		t.Fatalf("InvokeInteractive failed: %v", err)
	}
	if h == nil {
		t.Fatal("expected a handle")
	}
	defer h.Close()

	if !out.Waiting {
		t.Fatal("expected the process to wait for a selection")
	}
	if !strings.Contains(out.Raw, "[SA] new: 2. ~p(a) [input]") || !strings.HasSuffix(out.Raw, "Pick a clause:") {
		t.Errorf("unexpected first batch %q", out.Raw)
	}

	out, err = h.Feed(ctx, 2)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if !out.Waiting || !strings.Contains(out.Raw, "[SA] active: 2. picked [input]") {
		t.Errorf("unexpected second batch %+v", out)
	}

	out, err = h.Feed(ctx, 1)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if out.Waiting {
		t.Error("expected the process to have finished")
	}
	if !strings.Contains(out.Raw, "Refutation found") {
		t.Errorf("unexpected final batch %q", out.Raw)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	assertStagingEmpty(t, staging)

	if _, err := h.Feed(ctx, 1); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("expected ErrHandleClosed after Close, got %v", err)
	}
}

func TestInvokeInteractive_FinishesWithoutDecisionPoint(t *testing.T) {
	a, staging := newTestAdapter(t, successScript, 5*time.Second)

	h, out, err := a.InvokeInteractive(context.Background(), "p.", nil)
	if err != nil {
		t.Fatalf("InvokeInteractive failed: %v", err)
	}
	if out.Waiting {
		t.Error("expected no decision point")
	}
	if out.Raw != "% success\nclause(1): p(a).\n" {
		t.Errorf("unexpected output %q", out.Raw)
	}
	h.Close()
	assertStagingEmpty(t, staging)
}

func TestInvokeInteractive_Rejected(t *testing.T) {
	a, _ := newTestAdapter(t, rejectAtStartScript, 5*time.Second)

	h, out, err := a.InvokeInteractive(context.Background(), "p.", nil)
	if !errors.Is(err, ErrRejectedInput) {
		t.Fatalf("expected ErrRejectedInput, got %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", out.ExitCode)
	}
	if h != nil {
		h.Close()
	}
}

func TestInvokeInteractive_CloseKillsWaitingProcess(t *testing.T) {
	a, staging := newTestAdapter(t, interactiveScript, 5*time.Second)

	h, out, err := a.InvokeInteractive(context.Background(), "p.", nil)
	if err != nil || !out.Waiting {
		t.Fatalf("expected a waiting process, got out=%+v err=%v", out, err)
	}

	done := make(chan struct{})
	go func() {
		h.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assertStagingEmpty(t, staging)
}

func TestInvokeInteractive_Timeout(t *testing.T) {
	a, _ := newTestAdapter(t, slowScript, 200*time.Millisecond)

	h, _, err := a.InvokeInteractive(context.Background(), "p.", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if h != nil {
		h.Close()
	}
}

func TestInvoke_LaunchRateHonoursContext(t *testing.T) {
	a := NewExecAdapter(Config{
		Executable:  writeStub(t, successScript),
		StagingDir:  t.TempDir(),
		LaunchRate:  0.001,
		LaunchBurst: 1,
	})

	if _, err := a.Invoke(context.Background(), "p.", nil); err != nil {
		t.Fatalf("first Invoke failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Invoke(ctx, "p.", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected throttled launch to time out, got %v", err)
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrRejectedInput, Stderr: "  bad input\n", Err: errors.New("exit status 1")}
	want := "prover rejected input: exit status 1 (stderr: bad input)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, ErrRejectedInput) {
		t.Error("expected errors.Is to match the kind")
	}
}
