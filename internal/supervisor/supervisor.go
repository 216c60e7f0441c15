package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/metrics"
)

type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateRestarting
	StateStopped
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type Config struct {
	StartupTimeout      time.Duration
	StartupPollInterval time.Duration
	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	MaxRestarts         int
	RestartCooldown     time.Duration
	StopTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartupTimeout:      30 * time.Second,
		StartupPollInterval: time.Second,
		HealthInterval:      30 * time.Second,
		HealthTimeout:       5 * time.Second,
		MaxRestarts:         3,
		RestartCooldown:     5 * time.Second,
		StopTimeout:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.StartupPollInterval <= 0 {
		c.StartupPollInterval = def.StartupPollInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = def.HealthTimeout
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RestartCooldown < 0 {
		c.RestartCooldown = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	return c
}

// Process is a running child the supervisor can observe and terminate.
type Process interface {
	Done() <-chan struct{}
	Stop(timeout time.Duration) error
	Kill() error
	Pid() int
}

type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// HealthChecker probes the runtime. A nil error means healthy.
type HealthChecker interface {
	Check(ctx context.Context) error
}

type Status struct {
	State         State
	Restarts      int
	LastHealthyAt time.Time
	StartedAt     time.Time
	PID           int
	LastError     string
}

// Supervisor keeps one runtime process alive: launch, wait for health, watch
// it, and restart it within a bounded budget.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	checker  HealthChecker
	logger   zerolog.Logger

	mu     sync.RWMutex
	status Status
	proc   Process

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

func New(cfg Config, launcher Launcher, checker HealthChecker, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		checker:  checker,
		logger:   logger,
		status:   Status{State: StateNotStarted},
	}
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Available reports whether the runtime can take new sessions right now.
func (s *Supervisor) Available() error {
	st := s.Status()
	switch st.State {
	case StateRunning:
		return nil
	case StateExhausted:
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, domain.ErrSupervisorExhausted)
	default:
		return fmt.Errorf("%w: embedded runtime is %s", domain.ErrProviderUnavailable, st.State)
	}
}

// Start runs the supervision loop in the background until Stop is called or
// the restart budget is spent.
func (s *Supervisor) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		err := s.Run(ctx)
		s.runMu.Lock()
		s.runErr = err
		s.runMu.Unlock()
		close(s.done)
	}()
}

// Stop ends the loop and terminates the child: SIGTERM, then SIGKILL after
// StopTimeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if errors.Is(s.runErr, domain.ErrSupervisorExhausted) {
		return nil
	}
	return s.runErr
}

// Done is closed when a loop started with Start returns.
func (s *Supervisor) Done() <-chan struct{} {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.done
}

// Run is the supervision loop. It returns nil when ctx is cancelled and
// ErrSupervisorExhausted once restarts exceed MaxRestarts.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setState(StateStarting, nil)
		err := s.startOnce(ctx)
		if ctx.Err() != nil {
			return s.shutdown()
		}

		if err == nil {
			s.markRunning()
			err = s.monitor(ctx)
			if ctx.Err() != nil {
				return s.shutdown()
			}
		}

		s.setState(StateDegraded, err)
		s.logger.Warn().Err(err).Msg("runtime unhealthy")

		restarts := s.beginRestart()
		if restarts > s.cfg.MaxRestarts {
			s.killChild()
			s.setState(StateExhausted, err)
			s.logger.WithLevel(zerolog.FatalLevel).
				Int("restarts", restarts-1).
				Int("max_restarts", s.cfg.MaxRestarts).
				Msg("runtime restart budget exhausted; embedded provider disabled until the host is restarted")
			return domain.ErrSupervisorExhausted
		}

		s.killChild()
		s.logger.Info().Int("restart", restarts).Dur("cooldown", s.cfg.RestartCooldown).Msg("restarting runtime")

		if s.cfg.RestartCooldown > 0 {
			timer := time.NewTimer(s.cfg.RestartCooldown)
			select {
			case <-ctx.Done():
				timer.Stop()
				return s.shutdown()
			case <-timer.C:
			}
		}
	}
}

func (s *Supervisor) startOnce(ctx context.Context) error {
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch runtime: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.status.PID = proc.Pid()
	s.status.StartedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info().Int("pid", proc.Pid()).Msg("runtime launched")

	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.StartupPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return errors.New("runtime exited during startup")
		case <-deadline.C:
			return fmt.Errorf("runtime not healthy after %s", s.cfg.StartupTimeout)
		case <-poll.C:
			if err := s.check(ctx); err == nil {
				return nil
			}
		}
	}
}

func (s *Supervisor) monitor(ctx context.Context) error {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.Done():
			return errors.New("runtime process exited")
		case <-ticker.C:
			if err := s.check(ctx); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			s.mu.Lock()
			s.status.LastHealthyAt = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) check(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	return s.checker.Check(hctx)
}

func (s *Supervisor) markRunning() {
	s.mu.Lock()
	s.status.Restarts = 0
	s.status.LastHealthyAt = time.Now()
	pid := s.status.PID
	s.mu.Unlock()

	s.setState(StateRunning, nil)
	s.logger.Info().Int("pid", pid).Msg("runtime healthy")
}

func (s *Supervisor) beginRestart() int {
	s.mu.Lock()
	s.status.Restarts++
	restarts := s.status.Restarts
	s.mu.Unlock()

	s.setState(StateRestarting, nil)
	metrics.RecordSupervisorRestart()
	return restarts
}

func (s *Supervisor) killChild() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.status.PID = 0
	s.mu.Unlock()

	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		s.logger.Debug().Err(err).Msg("kill runtime")
	}
}

func (s *Supervisor) shutdown() error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.status.PID = 0
	s.mu.Unlock()

	var err error
	if proc != nil {
		s.logger.Info().Int("pid", proc.Pid()).Dur("timeout", s.cfg.StopTimeout).Msg("stopping runtime")
		err = proc.Stop(s.cfg.StopTimeout)
	}
	s.setState(StateStopped, nil)
	return err
}

func (s *Supervisor) setState(state State, cause error) {
	s.mu.Lock()
	prev := s.status.State
	s.status.State = state
	if cause != nil {
		s.status.LastError = cause.Error()
	}
	s.mu.Unlock()

	metrics.RecordSupervisorState(int(state))
	if prev != state {
		s.logger.Debug().Str("from", prev.String()).Str("to", state.String()).Msg("supervisor state changed")
	}
}
