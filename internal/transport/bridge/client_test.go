package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/testutil/testlog"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

type fakeRuntime struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	hellos   chan HelloFrame
	sockets  chan *websocket.Conn
	sends    chan sendRequest
	logouts  atomic.Int32
	reject   atomic.Value // string
	down     atomic.Bool
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	rt := &fakeRuntime{
		hellos:  make(chan HelloFrame, 4),
		sockets: make(chan *websocket.Conn, 4),
		sends:   make(chan sendRequest, 4),
	}
	rt.reject.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		if rt.down.Load() {
			http.Error(w, "runtime starting", http.StatusServiceUnavailable)
			return
		}
		ws, err := rt.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var hello HelloFrame
		if err := ws.ReadJSON(&hello); err != nil {
			_ = ws.Close()
			return
		}
		rt.hellos <- hello
		rt.sockets <- ws
	})
	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if reason := rt.reject.Load().(string); reason != "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(errorResponse{Error: reason})
			return
		}
		rt.sends <- req
		_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "3EB0" + r.PathValue("id")})
	})
	mux.HandleFunc("POST /sessions/{id}/logout", func(w http.ResponseWriter, r *http.Request) {
		rt.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	rt.srv = httptest.NewServer(mux)
	t.Cleanup(rt.srv.Close)
	return rt
}

func (rt *fakeRuntime) accept(t *testing.T) (HelloFrame, *websocket.Conn) {
	t.Helper()
	select {
	case hello := <-rt.hellos:
		ws := <-rt.sockets
		t.Cleanup(func() { _ = ws.Close() })
		return hello, ws
	case <-time.After(2 * time.Second):
		t.Fatal("runtime never received hello")
		return HelloFrame{}, nil
	}
}

func nextEvent(t *testing.T, conn transport.Conn) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireStreamClosed(t *testing.T, conn transport.Conn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream was not closed")
		}
	}
}

func dial(t *testing.T, rt *fakeRuntime, creds domain.Credentials) transport.Conn {
	t.Helper()
	d, err := New(Config{BaseURL: rt.srv.URL, Logger: testlog.New(t)})
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), testKey, creds)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		requireStreamClosed(t, conn)
	})
	return conn
}

var testKey = domain.SessionKey{TenantID: "acme", PhoneNumber: "5511999990000"}

func TestDialSendsHelloAndRelaysEvents(t *testing.T) {
	rt := newFakeRuntime(t)
	conn := dial(t, rt, domain.Credentials{"noise-key": {1, 2, 3}})

	hello, ws := rt.accept(t)
	assert.Equal(t, FrameHello, hello.Type)
	assert.Equal(t, "acme", hello.TenantID)
	assert.Equal(t, "5511999990000", hello.PhoneNumber)
	assert.Equal(t, []byte{1, 2, 3}, hello.Credentials["noise-key"])

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameQR, Code: "2@abc"}))
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameCreds, Credentials: map[string][]byte{"creds": []byte("x")}}))
	require.NoError(t, ws.WriteJSON(Frame{Type: "presence"}))
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameOpen, PhoneNumber: "5511999990000", DeviceID: "5511999990000:7@s.whatsapp.net"}))
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameMessage, ID: "m1", From: "5511888880000", Text: "oi", Timestamp: 1700000000}))
	require.NoError(t, ws.WriteJSON(Frame{Type: FrameClose, CloseCode: 401, Message: "logged out"}))

	assert.Equal(t, transport.PairingChallenge{Code: "2@abc"}, nextEvent(t, conn))
	assert.Equal(t, transport.CredentialsUpdated{Credentials: domain.Credentials{"creds": []byte("x")}}, nextEvent(t, conn))
	assert.Equal(t, transport.Opened{PhoneNumber: "5511999990000", DeviceID: "5511999990000:7@s.whatsapp.net"}, nextEvent(t, conn))

	msg, ok := nextEvent(t, conn).(transport.MessageReceived)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, domain.MessageKindText, msg.Kind)
	assert.Equal(t, time.Unix(1700000000, 0), msg.At)

	closed, ok := nextEvent(t, conn).(transport.Closed)
	require.True(t, ok)
	assert.Equal(t, transport.CloseCodeLoggedOut, closed.Reason.Code)
	requireStreamClosed(t, conn)
}

func TestSocketDropIsTransient(t *testing.T) {
	rt := newFakeRuntime(t)
	conn := dial(t, rt, nil)
	_, ws := rt.accept(t)

	require.NoError(t, ws.Close())

	closed, ok := nextEvent(t, conn).(transport.Closed)
	require.True(t, ok)
	assert.Equal(t, transport.CloseCodeConnectionLost, closed.Reason.Code)
	assert.False(t, transport.NewClassifier(nil).IsTerminal(closed.Reason))
	requireStreamClosed(t, conn)
}

func TestCloseFrameCarriesReasonCode(t *testing.T) {
	rt := newFakeRuntime(t)
	conn := dial(t, rt, nil)
	_, ws := rt.accept(t)

	msg := websocket.FormatCloseMessage(4000+transport.CloseCodeLoggedOut, "device removed")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	closed, ok := nextEvent(t, conn).(transport.Closed)
	require.True(t, ok)
	assert.Equal(t, transport.CloseReason{Code: transport.CloseCodeLoggedOut, Message: "device removed"}, closed.Reason)
}

func TestDialFailsWhenRuntimeUnavailable(t *testing.T) {
	rt := newFakeRuntime(t)
	rt.down.Store(true)

	d, err := New(Config{BaseURL: rt.srv.URL})
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), testKey, nil)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "503")

	rt.srv.Close()
	_, err = d.Dial(context.Background(), testKey, nil)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestSendAndLogout(t *testing.T) {
	rt := newFakeRuntime(t)
	conn := dial(t, rt, nil)
	rt.accept(t)
	ctx := context.Background()

	id, err := conn.Send(ctx, domain.OutboundMessage{
		Kind:     domain.MessageKindLocation,
		To:       "5511888880000",
		Location: &domain.LocationPayload{Latitude: -23.5, Longitude: -46.6, Name: "office"},
	})
	require.NoError(t, err)
	assert.Equal(t, "3EB0acme:5511999990000", id)

	req := <-rt.sends
	assert.Equal(t, "location", req.Kind)
	require.NotNil(t, req.Location)
	assert.Equal(t, -23.5, req.Location.Latitude)
	assert.Nil(t, req.Media)

	rt.reject.Store("recipient not on network")
	_, err = conn.Send(ctx, domain.OutboundMessage{Kind: domain.MessageKindText, To: "1", Text: "hi"})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "recipient not on network")

	require.NoError(t, conn.Logout(ctx))
	assert.Equal(t, int32(1), rt.logouts.Load())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_, err = conn.Send(ctx, domain.OutboundMessage{Kind: domain.MessageKindText, To: "1", Text: "hi"})
	assert.ErrorIs(t, err, transport.ErrConnClosed)
	requireStreamClosed(t, conn)
}

func TestNewRejectsUnsupportedScheme(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://127.0.0.1:3001"})
	assert.Error(t, err)

	d, err := New(Config{BaseURL: "https://bridge.internal/"})
	require.NoError(t, err)
	assert.Equal(t, "wss://bridge.internal", d.wsBase)
}
