package embedded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/session"
	"github.com/reaje/whatsapp-microservice/internal/storage"
	"github.com/reaje/whatsapp-microservice/internal/testutil/testlog"
	"github.com/reaje/whatsapp-microservice/internal/transport"
	"github.com/reaje/whatsapp-microservice/internal/transport/transporttest"
)

var key = domain.SessionKey{TenantID: "acme", PhoneNumber: "5511999990000"}

func newProvider(t *testing.T, opts Options) (*Provider, *transporttest.Dialer) {
	t.Helper()
	store, err := storage.NewFileCredentialStore(t.TempDir())
	require.NoError(t, err)

	dialer := transporttest.NewDialer()
	dialer.OnDial = func(n int, c *transporttest.Conn) {
		c.Emit(transport.Opened{PhoneNumber: key.PhoneNumber})
	}
	mgr := session.NewManager(session.Config{
		Provider:    domain.ProviderEmbedded,
		Dialer:      dialer,
		Credentials: store,
		Logger:      testlog.New(t),
		PairingWait: time.Second,
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return New(mgr, opts), dialer
}

func TestUnavailableRuntimeBlocksNewSessions(t *testing.T) {
	var down error = errors.New("runtime is restarting")
	p, dialer := newProvider(t, Options{Availability: func() error {
		if down != nil {
			return errors.Join(domain.ErrProviderUnavailable, down)
		}
		return nil
	}})
	ctx := context.Background()

	_, err := p.InitializeSession(ctx, key, domain.ProviderRecord{})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, 0, dialer.Dials())
	assert.False(t, p.HasSession(key))

	down = nil
	snap, err := p.InitializeSession(ctx, key, domain.ProviderRecord{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateConnected, snap.State)
	assert.Equal(t, domain.ProviderEmbedded, p.Kind())
}

func TestSendsAreRateLimitedPerSession(t *testing.T) {
	p, dialer := newProvider(t, Options{SendRate: rate.Every(time.Hour), SendBurst: 2})
	ctx := context.Background()

	_, err := p.InitializeSession(ctx, key, domain.ProviderRecord{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := p.SendText(ctx, key, "5511888880000", "hi")
		require.NoError(t, err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.SendText(short, key, "5511888880000", "one too many")
	require.Error(t, err)
	assert.Len(t, dialer.Last().Sends(), 2)

	found, err := p.DisconnectSession(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)

	p.mu.Lock()
	assert.Empty(t, p.limiters)
	p.mu.Unlock()
}

func TestDisconnectedSessionDoesNotSpendBudget(t *testing.T) {
	p, _ := newProvider(t, Options{SendRate: rate.Every(time.Hour), SendBurst: 1})
	ctx := context.Background()

	_, err := p.SendText(ctx, key, "5511888880000", "hi")
	assert.ErrorIs(t, err, domain.ErrSessionNotConnected)

	p.mu.Lock()
	assert.Empty(t, p.limiters)
	p.mu.Unlock()
}
