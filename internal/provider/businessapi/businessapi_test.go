package businessapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/storage"
	"github.com/reaje/whatsapp-microservice/internal/testutil/testlog"
)

type graphServer struct {
	srv    *httptest.Server
	status atomic.Int32
	probes atomic.Int32

	mu     sync.Mutex
	bodies []map[string]any
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	g := &graphServer{}
	g.status.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v21.0/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.probes.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "display_phone_number": "+55 11 99999-0000"})
	})
	mux.HandleFunc("POST /v21.0/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.bodies = append(g.bodies, body)
		n := len(g.bodies)
		g.mu.Unlock()

		switch status := int(g.status.Load()); status {
		case http.StatusOK:
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{{"id": "wamid." + string(rune('0'+n))}}})
		case http.StatusBadRequest:
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"Recipient phone number not in allowed list","code":131030}}`))
		default:
			w.WriteHeader(status)
		}
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *graphServer) last() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bodies[len(g.bodies)-1]
}

func newProvider(t *testing.T, g *graphServer) *Provider {
	t.Helper()
	store, err := storage.NewFileCredentialStore(t.TempDir())
	require.NoError(t, err)

	p := New(Config{
		BaseURL:          g.srv.URL,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
		Credentials:      store,
		Logger:           testlog.New(t),
		PairingWait:      time.Second,
	})
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

var (
	key    = domain.SessionKey{TenantID: "acme", PhoneNumber: "5511999990000"}
	record = domain.ProviderRecord{
		TenantID: "acme",
		Kind:     domain.ProviderBusinessAPI,
		Settings: map[string]string{SettingPhoneNumberID: "1234567890", SettingAccessToken: "tok"},
	}
)

func TestInitializeRequiresAccountSettings(t *testing.T) {
	g := newGraphServer(t)
	p := newProvider(t, g)

	_, err := p.InitializeSession(context.Background(), key, domain.ProviderRecord{TenantID: "acme"})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, int32(0), g.probes.Load())
	assert.False(t, p.HasSession(key))
}

func TestInitializeConnectsWithoutPairing(t *testing.T) {
	g := newGraphServer(t)
	p := newProvider(t, g)

	snap, err := p.InitializeSession(context.Background(), key, record)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateConnected, snap.State)
	assert.Equal(t, "1234567890", snap.DeviceID)
	assert.Empty(t, snap.PairingChallenge)
	assert.Equal(t, domain.ProviderBusinessAPI, p.Kind())
}

func TestRejectedTokenFailsInitialize(t *testing.T) {
	g := newGraphServer(t)
	p := newProvider(t, g)

	bad := record
	bad.Settings = map[string]string{SettingPhoneNumberID: "1", SettingAccessToken: "revoked"}
	_, err := p.InitializeSession(context.Background(), key, bad)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.False(t, p.HasSession(key))
}

func TestSendBuildsGraphPayloads(t *testing.T) {
	g := newGraphServer(t)
	p := newProvider(t, g)
	ctx := context.Background()

	_, err := p.InitializeSession(ctx, key, record)
	require.NoError(t, err)

	res, err := p.SendText(ctx, key, "+55 11 88888-0000", "olá")
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", res.MessageID)
	body := g.last()
	assert.Equal(t, "whatsapp", body["messaging_product"])
	assert.Equal(t, "5511888880000", body["to"])
	assert.Equal(t, "text", body["type"])
	assert.Equal(t, map[string]any{"body": "olá"}, body["text"])

	_, err = p.SendLocation(ctx, key, "5511888880000", domain.LocationPayload{Latitude: -23.5, Longitude: -46.6, Name: "office"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"latitude": -23.5, "longitude": -46.6, "name": "office"}, g.last()["location"])

	_, err = p.SendMedia(ctx, key, "5511888880000", domain.MediaPayload{URL: "https://cdn/x.pdf", MimeType: "application/pdf", FileName: "x.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "document", g.last()["type"])
	assert.Equal(t, map[string]any{"link": "https://cdn/x.pdf", "filename": "x.pdf"}, g.last()["document"])

	_, err = p.SendMedia(ctx, key, "5511888880000", domain.MediaPayload{Data: []byte{1}, MimeType: "image/png"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	g.status.Store(http.StatusBadRequest)
	_, err = p.SendText(ctx, key, "5511888880000", "hi")
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "not in allowed list")
	assert.False(t, p.BreakerOpen())
}

func TestUpstreamFailuresOpenBreaker(t *testing.T) {
	g := newGraphServer(t)
	p := newProvider(t, g)
	ctx := context.Background()

	_, err := p.InitializeSession(ctx, key, record)
	require.NoError(t, err)

	g.status.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		_, err := p.SendText(ctx, key, "5511888880000", "hi")
		assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	}
	assert.True(t, p.BreakerOpen())

	probes := g.probes.Load()
	other := domain.SessionKey{TenantID: "acme", PhoneNumber: "5511777770000"}
	_, err = p.InitializeSession(ctx, other, record)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, probes, g.probes.Load())
}

func TestRevokedTokenTerminatesSession(t *testing.T) {
	g := newGraphServer(t)
	p := newProvider(t, g)
	ctx := context.Background()

	_, err := p.InitializeSession(ctx, key, record)
	require.NoError(t, err)

	g.status.Store(http.StatusUnauthorized)
	_, err = p.SendText(ctx, key, "5511888880000", "hi")
	assert.ErrorIs(t, err, domain.ErrSessionNotConnected)

	require.Eventually(t, func() bool { return !p.HasSession(key) }, 3*time.Second, 5*time.Millisecond)

	found, err := p.DisconnectSession(ctx, key)
	assert.NoError(t, err)
	assert.False(t, found)
}
