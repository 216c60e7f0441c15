package process

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStartLogsOutputLines(t *testing.T) {
	var out syncBuffer
	mgr, err := Start(Config{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo oops >&2; printf tail"},
		Logger:  zerolog.New(&out),
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	select {
	case <-mgr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	if err := mgr.ExitErr(); err != nil {
		t.Errorf("expected clean exit, got %v", err)
	}

	logged := out.String()
	for _, want := range []string{`"message":"hello"`, `"stream":"stderr"`, `"message":"oops"`, `"message":"tail"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("expected log to contain %s, got %s", want, logged)
		}
	}
	if mgr.Pid() <= 0 {
		t.Errorf("expected pid, got %d", mgr.Pid())
	}
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	if _, err := Start(Config{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestStartMissingBinary(t *testing.T) {
	if _, err := Start(Config{Command: "/nonexistent/definitely-not-here"}); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestEnvironmentAndWorkingDir(t *testing.T) {
	var out syncBuffer
	dir := t.TempDir()
	mgr, err := Start(Config{
		Command:     "sh",
		Args:        []string{"-c", `echo "$WASESSION_TEST_VAR $(pwd)"`},
		WorkingDir:  dir,
		Environment: map[string]string{"WASESSION_TEST_VAR": "from-config"},
		Logger:      zerolog.New(&out),
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	<-mgr.Done()

	if !strings.Contains(out.String(), "from-config "+dir) {
		t.Errorf("expected env and dir in output, got %s", out.String())
	}
}

func TestStopProcess(t *testing.T) {
	mgr, err := Start(Config{Command: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	start := time.Now()
	if err := mgr.Stop(2 * time.Second); err != nil {
		t.Fatalf("failed to stop process: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stop took too long: %v", elapsed)
	}
	if !mgr.Exited() {
		t.Error("expected process to have exited")
	}

	// Stopping again is a no-op.
	if err := mgr.Stop(time.Second); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	mgr, err := Start(Config{
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; while :; do sleep 0.05; done"},
	})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := mgr.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("failed to stop process: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 200*time.Millisecond {
		t.Errorf("expected stop to wait for the timeout, took %v", elapsed)
	}
	if !mgr.Exited() {
		t.Error("expected process to be killed")
	}
}

func TestKillProcess(t *testing.T) {
	mgr, err := Start(Config{Command: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	start := time.Now()
	if err := mgr.Kill(); err != nil {
		t.Fatalf("failed to kill process: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("kill took too long: %v", elapsed)
	}
	if mgr.ExitErr() == nil {
		t.Error("expected non-nil exit error after kill")
	}
}
