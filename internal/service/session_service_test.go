package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/provider"
	"github.com/reaje/whatsapp-microservice/internal/session"
	"github.com/reaje/whatsapp-microservice/internal/storage"
	"github.com/reaje/whatsapp-microservice/internal/testutil/testlog"
	"github.com/reaje/whatsapp-microservice/internal/transport"
	"github.com/reaje/whatsapp-microservice/internal/transport/transporttest"
)

type directory map[string]domain.ProviderKind

func (d directory) Lookup(tenantID string) (domain.ProviderRecord, error) {
	kind, ok := d[tenantID]
	if !ok {
		return domain.ProviderRecord{}, fmt.Errorf("%w: tenant %s", domain.ErrUnknownProvider, tenantID)
	}
	return domain.ProviderRecord{TenantID: tenantID, Kind: kind}, nil
}

type serviceFixture struct {
	svc     *SessionService
	store   *storage.FileCredentialStore
	dialers map[domain.ProviderKind]*transporttest.Dialer
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store, err := storage.NewFileCredentialStore(t.TempDir())
	require.NoError(t, err)

	f := &serviceFixture{store: store, dialers: map[domain.ProviderKind]*transporttest.Dialer{}}
	registry := provider.NewRegistry()
	for _, kind := range []domain.ProviderKind{domain.ProviderEmbedded, domain.ProviderBusinessAPI} {
		dialer := transporttest.NewDialer()
		dialer.OnDial = func(n int, c *transporttest.Conn) {
			c.Emit(transport.Opened{PhoneNumber: c.Key.PhoneNumber})
		}
		f.dialers[kind] = dialer
		registry.Register(&provider.Base{Sessions: session.NewManager(session.Config{
			Provider:    kind,
			Dialer:      dialer,
			Credentials: store,
			Logger:      testlog.New(t),
			PairingWait: time.Second,
		})})
	}

	dir := directory{"acme": domain.ProviderEmbedded, "globex": domain.ProviderBusinessAPI}
	f.svc = NewSessionService(registry, dir, testlog.New(t))
	t.Cleanup(func() { assert.NoError(t, f.svc.Shutdown(context.Background())) })
	return f
}

func TestInitializeRoutesByTenantRecord(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	snap, err := f.svc.InitializeSession(ctx, "acme", "+55 11 99999-0000", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEmbedded, snap.ProviderKind)
	assert.Equal(t, domain.SessionStateConnected, snap.State)

	snap, err = f.svc.InitializeSession(ctx, "globex", "5511999990000", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderBusinessAPI, snap.ProviderKind)

	_, err = f.svc.InitializeSession(ctx, "initech", "5511999990000", "")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = f.svc.InitializeSession(ctx, "", "5511999990000", "")
	assert.ErrorIs(t, err, domain.ErrInvalidSessionKey)
}

func TestHintOverridesRecordButNotLiveSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	snap, err := f.svc.InitializeSession(ctx, "initech", "5511999990000", domain.ProviderBusinessAPI)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderBusinessAPI, snap.ProviderKind)

	snap, err = f.svc.InitializeSession(ctx, "initech", "5511999990000", domain.ProviderEmbedded)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderBusinessAPI, snap.ProviderKind)
	assert.Equal(t, 0, f.dialers[domain.ProviderEmbedded].Dials())
	assert.Equal(t, 1, f.dialers[domain.ProviderBusinessAPI].Dials())

	_, err = f.svc.InitializeSession(ctx, "initech", "5511000000000", "carrier_pigeon")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestConcurrentInitializeWithDifferentHintsSharesOneProvider(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	const rounds = 200

	for i := 0; i < rounds; i++ {
		phone := fmt.Sprintf("55119%08d", i)
		hints := []domain.ProviderKind{domain.ProviderEmbedded, domain.ProviderBusinessAPI}
		kinds := make([]domain.ProviderKind, len(hints))
		var wg sync.WaitGroup
		for j, hint := range hints {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snap, err := f.svc.InitializeSession(ctx, "acme", phone, hint)
				assert.NoError(t, err)
				kinds[j] = snap.ProviderKind
			}()
		}
		wg.Wait()
		require.Equal(t, kinds[0], kinds[1], "phone %s served by two providers", phone)
	}

	dials := f.dialers[domain.ProviderEmbedded].Dials() + f.dialers[domain.ProviderBusinessAPI].Dials()
	assert.Equal(t, rounds, dials)
	assert.Len(t, f.svc.ListSessions("acme"), rounds)
}

func TestSendMessageRequiresLiveSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	msg := domain.OutboundMessage{Kind: domain.MessageKindText, To: "5511888880000", Text: "oi"}

	_, err := f.svc.SendMessage(ctx, "acme", "5511999990000", msg)
	assert.ErrorIs(t, err, domain.ErrSessionNotConnected)

	_, err = f.svc.InitializeSession(ctx, "acme", "5511999990000", "")
	require.NoError(t, err)

	res, err := f.svc.SendMessage(ctx, "acme", "5511999990000", msg)
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)

	_, err = f.svc.SendMessage(ctx, "acme", "5511999990000", domain.OutboundMessage{
		Kind:     domain.MessageKindLocation,
		To:       "5511888880000",
		Location: &domain.LocationPayload{Latitude: 1, Longitude: 2},
	})
	require.NoError(t, err)

	sends := f.dialers[domain.ProviderEmbedded].Last().Sends()
	require.Len(t, sends, 2)
	assert.Equal(t, domain.MessageKindLocation, sends[1].Kind)

	_, err = f.svc.SendMessage(ctx, "acme", "5511999990000", domain.OutboundMessage{Kind: domain.MessageKindMedia, To: "1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestStatusDisconnectAndList(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, ok := f.svc.GetStatus("acme", "5511999990000")
	assert.False(t, ok)
	found, err := f.svc.DisconnectSession(ctx, "acme", "5511999990000")
	require.NoError(t, err)
	assert.False(t, found)

	for _, phone := range []string{"5511999990002", "5511999990001"} {
		_, err := f.svc.InitializeSession(ctx, "acme", phone, "")
		require.NoError(t, err)
	}
	_, err = f.svc.InitializeSession(ctx, "acme", "5511999990003", domain.ProviderBusinessAPI)
	require.NoError(t, err)

	list := f.svc.ListSessions("acme")
	require.Len(t, list, 3)
	assert.Equal(t, "5511999990001", list[0].Key.PhoneNumber)
	assert.Equal(t, domain.ProviderBusinessAPI, list[2].ProviderKind)
	assert.Empty(t, f.svc.ListSessions("globex"))

	snap, ok := f.svc.GetStatus("acme", "5511999990001")
	require.True(t, ok)
	assert.Equal(t, domain.SessionStateConnected, snap.State)

	found, err = f.svc.DisconnectSession(ctx, "acme", "5511999990001")
	require.NoError(t, err)
	assert.True(t, found)
	_, ok = f.svc.GetStatus("acme", "5511999990001")
	assert.False(t, ok)
}

func TestRestoreSessionsFromStoredCredentials(t *testing.T) {
	f := newServiceFixture(t)

	stored := []domain.SessionKey{
		{TenantID: "acme", PhoneNumber: "5511999990001"},
		{TenantID: "globex", PhoneNumber: "5511999990002"},
		{TenantID: "initech", PhoneNumber: "5511999990003"},
	}
	for _, key := range stored {
		require.NoError(t, f.store.Save(key, domain.Credentials{"creds": []byte(key.ID())}))
	}

	n, err := f.svc.RestoreSessions(context.Background(), f.store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []byte("acme:5511999990001"), f.dialers[domain.ProviderEmbedded].DialCredentials(1)["creds"])
	_, ok := f.svc.GetStatus("globex", "5511999990002")
	assert.True(t, ok)
	_, ok = f.svc.GetStatus("initech", "5511999990003")
	assert.False(t, ok)
}
