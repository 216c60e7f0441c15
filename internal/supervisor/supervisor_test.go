package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/testutil/testlog"
)

type fakeProcess struct {
	pid   int
	done  chan struct{}
	once  sync.Once
	stops atomic.Int32
	kills atomic.Int32
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Pid() int              { return p.pid }

func (p *fakeProcess) Stop(time.Duration) error {
	p.stops.Add(1)
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(ctx context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		l.procs = append(l.procs, nil)
		return nil, l.err
	}
	p := &fakeProcess{pid: 1000 + len(l.procs), done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(n int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[n-1]
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Check(ctx context.Context) error { return f(ctx) }

func fastConfig() Config {
	return Config{
		StartupTimeout:      60 * time.Millisecond,
		StartupPollInterval: 5 * time.Millisecond,
		HealthInterval:      10 * time.Millisecond,
		HealthTimeout:       10 * time.Millisecond,
		MaxRestarts:         3,
		RestartCooldown:     5 * time.Millisecond,
		StopTimeout:         50 * time.Millisecond,
	}
}

func TestExhaustsAfterMaxRestartsPlusOneFailures(t *testing.T) {
	launcher := &fakeLauncher{}
	unhealthy := checkerFunc(func(context.Context) error { return errors.New("connection refused") })
	s := New(fastConfig(), launcher, unhealthy, testlog.New(t))

	err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrSupervisorExhausted)

	assert.Equal(t, 4, launcher.launches())
	st := s.Status()
	assert.Equal(t, StateExhausted, st.State)
	assert.Equal(t, 4, st.Restarts)
	assert.Contains(t, st.LastError, "not healthy")
	for i := 1; i <= 4; i++ {
		assert.Equal(t, int32(1), launcher.proc(i).kills.Load(), "process %d", i)
	}

	avail := s.Available()
	assert.ErrorIs(t, avail, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, avail, domain.ErrSupervisorExhausted)
}

func TestLaunchFailuresCountAgainstBudget(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no such file or directory")}
	cfg := fastConfig()
	cfg.MaxRestarts = 1
	s := New(cfg, launcher, checkerFunc(func(context.Context) error { return nil }), testlog.New(t))

	err := s.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrSupervisorExhausted)
	assert.Equal(t, 2, launcher.launches())
}

func TestRunningResetsRestartCounter(t *testing.T) {
	launcher := &fakeLauncher{}
	checker := checkerFunc(func(context.Context) error {
		if launcher.launches() == 3 {
			return nil
		}
		return errors.New("unhealthy")
	})
	s := New(fastConfig(), launcher, checker, testlog.New(t))

	result := make(chan error, 1)
	go func() { result <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateRunning && launcher.launches() == 3
	}, 3*time.Second, time.Millisecond)
	assert.Equal(t, 0, s.Status().Restarts)
	assert.NoError(t, s.Available())

	launcher.proc(3).exit()

	select {
	case err := <-result:
		require.ErrorIs(t, err, domain.ErrSupervisorExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exhaust")
	}
	assert.Equal(t, 6, launcher.launches())
}

func TestHealthFailureWhileRunningRestarts(t *testing.T) {
	launcher := &fakeLauncher{}
	var healthy atomic.Bool
	healthy.Store(true)
	checker := checkerFunc(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("503")
	})
	s := New(fastConfig(), launcher, checker, testlog.New(t))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.Status().State == StateRunning }, 3*time.Second, time.Millisecond)

	healthy.Store(false)
	require.Eventually(t, func() bool { return launcher.launches() >= 2 }, 3*time.Second, time.Millisecond)
	healthy.Store(true)

	require.Eventually(t, func() bool { return s.Status().State == StateRunning }, 3*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), launcher.proc(1).kills.Load())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStopTerminatesGracefully(t *testing.T) {
	launcher := &fakeLauncher{}
	s := New(fastConfig(), launcher, checkerFunc(func(context.Context) error { return nil }), testlog.New(t))

	assert.ErrorIs(t, s.Available(), domain.ErrProviderUnavailable)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Status().State == StateRunning }, 3*time.Second, time.Millisecond)
	assert.Equal(t, 1000, s.Status().PID)

	require.NoError(t, s.Stop(context.Background()))
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, st.PID)
	assert.Equal(t, int32(1), launcher.proc(1).stops.Load())
	assert.Equal(t, int32(0), launcher.proc(1).kills.Load())

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	require.NoError(t, s.Stop(context.Background()))
}

func TestHTTPHealthChecker(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status.Load() == http.StatusFound {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("not json, still fine"))
	}))
	defer srv.Close()

	checker := NewHTTPHealthChecker(srv.URL + "/health")
	ctx := context.Background()

	for code, healthy := range map[int32]bool{
		http.StatusOK:                  true,
		http.StatusNoContent:           true,
		http.StatusFound:               true,
		http.StatusNotFound:            false,
		http.StatusInternalServerError: false,
	} {
		status.Store(code)
		err := checker.Check(ctx)
		if healthy {
			assert.NoError(t, err, "status %d", code)
		} else {
			assert.Error(t, err, "status %d", code)
		}
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, NewHTTPHealthChecker(slow.URL).Check(tctx))

	srv.Close()
	assert.Error(t, checker.Check(ctx))
}
