package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaje/whatsapp-microservice/internal/realtime"
	apiTypes "github.com/reaje/whatsapp-microservice/pkg/api"
	realtimeTypes "github.com/reaje/whatsapp-microservice/pkg/realtime"
)

func dialRealtime(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/realtime" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) realtimeTypes.ServerEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtimeTypes.ServerEnvelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func payloadAs[T any](t *testing.T, msg realtimeTypes.ServerEnvelope) T {
	t.Helper()
	raw, err := json.Marshal(msg.Payload)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRealtimeTenantStreamGetsSnapshotThenEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/v1/tenants/acme/sessions", apiTypes.SessionRequest{PhoneNumber: "5511999990001"})

	conn := dialRealtime(t, env, "?tenant=acme")

	snapMsg := readEnvelope(t, conn)
	require.Equal(t, realtimeTypes.ServerMessageTypeSnapshot, snapMsg.Type)
	assert.Equal(t, realtime.TenantTopic("acme"), snapMsg.Topic)
	snap := payloadAs[realtimeTypes.SessionsSnapshot](t, snapMsg)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "connected", snap.Sessions[0].State)

	env.do(t, http.MethodPost, "/api/v1/tenants/acme/sessions", apiTypes.SessionRequest{PhoneNumber: "5511999990002"})

	for {
		msg := readEnvelope(t, conn)
		require.Equal(t, realtimeTypes.ServerMessageTypeEvent, msg.Type)
		n := payloadAs[realtimeTypes.Notification](t, msg)
		assert.Equal(t, "acme", n.TenantID)
		assert.Equal(t, "5511999990002", n.PhoneNumber)
		if n.Type == "status_change" {
			assert.Equal(t, "connecting", n.OldState)
			assert.Equal(t, "connected", n.NewState)
			break
		}
	}
}

func TestRealtimeTenantClientCannotSubscribeElsewhere(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialRealtime(t, env, "?tenant=acme")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type:   realtimeTypes.ClientMessageTypeSubscribe,
		Topics: []string{realtime.TenantTopic("globex")},
	}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, realtimeTypes.ServerMessageTypeError, msg.Type)
	assert.Contains(t, msg.Message, "globex")

	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{Type: realtimeTypes.ClientMessageTypePing}))
	assert.Equal(t, realtimeTypes.ServerMessageTypePong, readEnvelope(t, conn).Type)
}

func TestRealtimeExplicitSubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialRealtime(t, env, "")

	require.NoError(t, conn.WriteJSON(realtimeTypes.ClientEnvelope{
		Type:   realtimeTypes.ClientMessageTypeSubscribe,
		Topics: []string{realtime.TenantTopic("globex")},
	}))
	msg := readEnvelope(t, conn)
	require.Equal(t, realtimeTypes.ServerMessageTypeSnapshot, msg.Type)
	assert.Empty(t, payloadAs[realtimeTypes.SessionsSnapshot](t, msg).Sessions)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, realtimeTypes.ServerMessageTypeError, readEnvelope(t, conn).Type)
}
