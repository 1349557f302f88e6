package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("process %d did not exit", h.PID())
	}
}

func TestLaunch_OutputAndExit(t *testing.T) {
	requireTool(t, "sh")
	logPath := filepath.Join(t.TempDir(), "logs", "server.log")

	h, err := Exec{}.Launch(context.Background(), Spec{
		Binary:  "sh",
		Args:    []string{"-c", "echo ready; exit 3"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitDone(t, h)

	var exitErr *exec.ExitError
	if !errors.As(h.Err(), &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("Err = %v, want exit status 3", h.Err())
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "ready") {
		t.Errorf("log = %q, want ready", data)
	}
}

func TestLaunch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Exec{}).Launch(ctx, Spec{Binary: "sh"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLaunch_OutlivesContext(t *testing.T) {
	requireTool(t, "sleep")
	ctx, cancel := context.WithCancel(context.Background())
	h, err := Exec{}.Launch(ctx, Spec{Binary: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { h.Kill() })
	cancel()

	time.Sleep(100 * time.Millisecond)
	if !Alive(h.PID()) {
		t.Fatal("process died with its launch context")
	}
	if err := h.Terminate(2 * time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	waitDone(t, h)
}

func TestAdopt(t *testing.T) {
	requireTool(t, "sleep")
	launched, err := Exec{}.Launch(context.Background(), Spec{Binary: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { launched.Kill() })

	adopted, err := Exec{PollInterval: 20 * time.Millisecond}.Adopt(launched.PID())
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	select {
	case <-adopted.Done():
		t.Fatal("adopted handle reported exit of a live process")
	case <-time.After(100 * time.Millisecond):
	}

	if err := adopted.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, launched)
	waitDone(t, adopted)
}

func TestAdopt_Release(t *testing.T) {
	requireTool(t, "sleep")
	launched, err := Exec{}.Launch(context.Background(), Spec{Binary: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { launched.Kill() })

	adopted, err := Exec{PollInterval: 10 * time.Millisecond}.Adopt(launched.PID())
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	adopted.Release()
	time.Sleep(50 * time.Millisecond)
	if !Alive(launched.PID()) {
		t.Error("Release signalled the process")
	}
}

func TestAdopt_Dead(t *testing.T) {
	requireTool(t, "sh")
	h, err := Exec{}.Launch(context.Background(), Spec{Binary: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitDone(t, h)

	if _, err := (Exec{}).Adopt(h.PID()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Adopt(dead) = %v, want ErrNotRunning", err)
	}
	if _, err := (Exec{}).Adopt(0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Adopt(0) = %v, want ErrNotRunning", err)
	}
}

func TestCommandDumper(t *testing.T) {
	requireTool(t, "sh")
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-gcore")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$2\" > \"$1\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "Diagnostics", "dump.core")
	if err := (CommandDumper{Command: []string{script}}).Dump(context.Background(), 4242, out); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(4242) {
		t.Errorf("dump = %q, want pid", data)
	}
}

func TestCommandDumper_Errors(t *testing.T) {
	if err := (CommandDumper{}).Dump(context.Background(), 1, filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("expected error with no command")
	}
	requireTool(t, "false")
	err := (CommandDumper{Command: []string{"false"}}).Dump(context.Background(), 1, filepath.Join(t.TempDir(), "x"))
	if err == nil || !strings.Contains(err.Error(), "process: dump 1") {
		t.Errorf("err = %v", err)
	}
}
