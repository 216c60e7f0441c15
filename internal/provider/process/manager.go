package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for starting a process.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string
	Logger      zerolog.Logger
}

// Manager owns one child process: its output is logged line by line and a
// single goroutine reaps it.
type Manager struct {
	cmd    *exec.Cmd
	pid    int
	done   chan struct{}
	err    error
	stdout *lineWriter
	stderr *lineWriter
}

// Start launches the process in its own process group so signals reach
// anything it spawns.
func Start(config Config) (*Manager, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	cmd := exec.Command(config.Command, config.Args...)
	if config.WorkingDir != "" {
		cmd.Dir = config.WorkingDir
	}

	cmd.Env = os.Environ()
	keys := make([]string, 0, len(config.Environment))
	for k := range config.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+config.Environment[k])
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	stdout := &lineWriter{logger: config.Logger, stream: "stdout"}
	stderr := &lineWriter{logger: config.Logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	pid := cmd.Process.Pid
	stdout.setPid(pid)
	stderr.setPid(pid)

	m := &Manager{
		cmd:    cmd,
		pid:    pid,
		done:   make(chan struct{}),
		stdout: stdout,
		stderr: stderr,
	}
	go m.wait()
	return m, nil
}

func (m *Manager) wait() {
	m.err = m.cmd.Wait()
	m.stdout.flush()
	m.stderr.flush()
	close(m.done)
}

func (m *Manager) Pid() int {
	return m.pid
}

// Done is closed once the process has exited and been reaped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// ExitErr returns the result of Wait. It is only meaningful after Done.
func (m *Manager) ExitErr() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Manager) Exited() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM to the process group and escalates to SIGKILL if the
// process has not exited within timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.Exited() {
		return nil
	}

	if err := m.signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			<-m.done
			return nil
		}
		return fmt.Errorf("failed to signal process: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.done:
		return nil
	case <-timer.C:
	}

	_ = m.signal(syscall.SIGKILL)
	<-m.done
	return nil
}

// Kill immediately terminates the process group with SIGKILL.
func (m *Manager) Kill() error {
	if m.Exited() {
		return nil
	}
	err := m.signal(syscall.SIGKILL)
	<-m.done
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (m *Manager) signal(sig syscall.Signal) error {
	if err := syscall.Kill(-m.pid, sig); err == nil {
		return nil
	}
	return m.cmd.Process.Signal(sig)
}

type lineWriter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	stream string
	pid    int
	buf    bytes.Buffer
}

func (w *lineWriter) setPid(pid int) {
	w.mu.Lock()
	w.pid = pid
	w.mu.Unlock()
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			break
		}
		w.emit(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	evt := w.logger.Info()
	if w.stream == "stderr" {
		evt = w.logger.Warn()
	}
	evt.Str("stream", w.stream).Int("pid", w.pid).Msg(string(line))
}
