package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"vampire-server/internal/config"
)

func TestRootCmd_RequiresVampire(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "vampire is required") {
		t.Fatalf("expected missing vampire error, got %v", err)
	}
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-p", "vampire", "extra"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for positional arguments")
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the prover")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "vampire")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\necho '% Refutation found.'\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Vampire = exe
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.History = filepath.Join(dir, "runs.db")

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, log) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if !strings.Contains(logs.String(), "run history enabled") {
		t.Errorf("expected history to be enabled, logs: %s", logs.String())
	}
	if _, err := os.Stat(cfg.History); err != nil {
		t.Errorf("expected history database to exist: %v", err)
	}
}
