package realtime

import "time"

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypePing        ClientMessageType = "ping"
)

type ServerMessageType string

const (
	ServerMessageTypeSnapshot ServerMessageType = "snapshot"
	ServerMessageTypeEvent    ServerMessageType = "event"
	ServerMessageTypeError    ServerMessageType = "error"
	ServerMessageTypePong     ServerMessageType = "pong"
)

type ClientEnvelope struct {
	Type   ClientMessageType `json:"type"`
	Topics []string          `json:"topics,omitempty"`
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Payload any               `json:"payload,omitempty"`
	Message string            `json:"message,omitempty"`
}

// SessionsSnapshot is sent once per subscribed tenant topic.
type SessionsSnapshot struct {
	TenantID string         `json:"tenant_id"`
	Sessions []SessionState `json:"sessions"`
}

type SessionState struct {
	PhoneNumber      string    `json:"phone_number"`
	Provider         string    `json:"provider"`
	State            string    `json:"state"`
	PairingChallenge string    `json:"pairing_challenge,omitempty"`
	DeviceID         string    `json:"device_id,omitempty"`
	ConnectedAt      time.Time `json:"connected_at,omitzero"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastError        string    `json:"last_error,omitempty"`
}

// Notification is one session event pushed after the snapshot.
type Notification struct {
	Type        string    `json:"type"`
	TenantID    string    `json:"tenant_id"`
	PhoneNumber string    `json:"phone_number"`
	Timestamp   time.Time `json:"timestamp"`

	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
	Reason   string `json:"reason,omitempty"`

	PairingChallenge string `json:"pairing_challenge,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Text      string `json:"text,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}
