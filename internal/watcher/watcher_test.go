package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

type status struct {
	available bool
	err       error
}

type recorder struct {
	mu      sync.Mutex
	updates []status
	ch      chan status
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan status, 16)}
}

func (r *recorder) callback(available bool, err error) {
	r.mu.Lock()
	r.updates = append(r.updates, status{available, err})
	r.mu.Unlock()
	r.ch <- status{available, err}
}

func (r *recorder) next(t *testing.T) status {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("expected a status update")
		return status{}
	}
}

// existsCheck reports whether path exists and is executable.
func existsCheck(path string) Checker {
	return func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Mode()&0o111 == 0 {
			return errors.New("not executable")
		}
		return nil
	}
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("execute bits are not meaningful on windows")
	}
}

func TestResolve(t *testing.T) {
	if _, err := Resolve(""); err == nil {
		t.Error("expected error for an empty path")
	}
	if _, err := Resolve("definitely-not-a-real-prover-binary"); err == nil {
		t.Error("expected error for an unknown bare name")
	}

	got, err := Resolve(filepath.Join("some", "dir", "vampire"))
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected an absolute path, got %s", got)
	}
}

func TestWatcher_InitialStatus(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "vampire")
	writeExecutable(t, path)

	rec := newRecorder()
	w := New(path, existsCheck(path), rec.callback, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Shutdown()

	if s := rec.next(t); !s.available {
		t.Errorf("expected the prover to be available, got %v", s.err)
	}
}

func TestWatcher_DetectsRemovalAndRestore(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "vampire")
	writeExecutable(t, path)

	rec := newRecorder()
	w := New(path, existsCheck(path), rec.callback, nil)
	w.debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Shutdown()
	rec.next(t)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if s := rec.next(t); s.available {
		t.Error("expected the prover to be unavailable after removal")
	}

	writeExecutable(t, path)
	if s := rec.next(t); !s.available {
		t.Errorf("expected the prover to be available again, got %v", s.err)
	}
}

func TestWatcher_DetectsLateInstall(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "vampire")

	rec := newRecorder()
	w := New(path, existsCheck(path), rec.callback, nil)
	w.debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed for a missing executable in an existing directory: %v", err)
	}
	defer w.Shutdown()

	if s := rec.next(t); s.available {
		t.Fatal("expected the prover to be unavailable before it is installed")
	}

	writeExecutable(t, path)
	if s := rec.next(t); !s.available {
		t.Errorf("expected the prover to become available, got %v", s.err)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "vampire")
	writeExecutable(t, path)

	rec := newRecorder()
	w := New(path, existsCheck(path), rec.callback, nil)
	w.debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Shutdown()
	rec.next(t)

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	// Rewriting the executable keeps it available, so no update either.
	writeExecutable(t, path)

	select {
	case s := <-rec.ch:
		t.Errorf("unexpected update %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StartFailsForUnknownExecutable(t *testing.T) {
	rec := newRecorder()
	w := New("definitely-not-a-real-prover-binary", func() error { return nil }, rec.callback, nil)

	if err := w.Start(); err == nil {
		t.Fatal("expected Start to fail")
	}
	if s := rec.next(t); s.available || s.err == nil {
		t.Errorf("expected an unavailable status, got %+v", s)
	}
	w.Shutdown()
}

func TestWatcher_ShutdownIsIdempotent(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "vampire")
	writeExecutable(t, path)

	w := New(path, existsCheck(path), nil, nil)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.Shutdown()
	w.Shutdown()
}
