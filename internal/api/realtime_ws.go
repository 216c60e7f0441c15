package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/reaje/whatsapp-microservice/internal/realtime"
	realtimeTypes "github.com/reaje/whatsapp-microservice/pkg/realtime"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// realtimeWebSocket streams session notifications. With ?tenant= the client
// is subscribed to that tenant immediately and may not subscribe elsewhere.
func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")

	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := realtime.NewClient(generateID(), tenant, conn)
	h.realtimeHub.Register(client)
	defer h.realtimeHub.Unregister(client.ID())

	go client.WriteLoop()

	if tenant != "" {
		h.handleRealtimeSubscribe(client, []string{realtime.TenantTopic(tenant)})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendRealtimeError(client, "invalid message")
			continue
		}

		switch msg.Type {
		case realtimeTypes.ClientMessageTypeSubscribe:
			h.handleRealtimeSubscribe(client, msg.Topics)
		case realtimeTypes.ClientMessageTypeUnsubscribe:
			client.Unsubscribe(msg.Topics)
		case realtimeTypes.ClientMessageTypePing:
			if !client.Queue(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong}) {
				return
			}
		default:
			h.sendRealtimeError(client, "unsupported message type")
		}
	}
}

// handleRealtimeSubscribe sends one snapshot per accepted topic. Events
// published after the subscription follow the snapshot.
func (h *Handler) handleRealtimeSubscribe(client *realtime.Client, topics []string) {
	accepted, rejected := client.Subscribe(topics)
	for _, topic := range rejected {
		h.sendRealtimeError(client, "unsupported topic: "+topic)
	}

	for _, topic := range accepted {
		snapshot, err := h.snapshotter.Snapshot(topic)
		if err != nil {
			h.sendRealtimeError(client, "failed to build snapshot")
			continue
		}
		if !client.Queue(realtimeTypes.ServerEnvelope{
			Type:    realtimeTypes.ServerMessageTypeSnapshot,
			Topic:   topic,
			Payload: snapshot,
		}) {
			h.realtimeHub.Unregister(client.ID())
			return
		}
	}
}

func (h *Handler) sendRealtimeError(client *realtime.Client, message string) {
	if !client.Queue(realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeError,
		Message: message,
	}) {
		h.realtimeHub.Unregister(client.ID())
	}
}
