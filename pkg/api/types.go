package api

import "time"

type SessionState string

const (
	SessionStateConnecting      SessionState = "connecting"
	SessionStatePairingRequired SessionState = "pairing_required"
	SessionStateConnected       SessionState = "connected"
	SessionStateDisconnected    SessionState = "disconnected"
	SessionStateTerminated      SessionState = "terminated"
)

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindMedia    MessageKind = "media"
	MessageKindLocation MessageKind = "location"
)

type SessionRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	Provider    string `json:"provider,omitempty" validate:"omitempty,oneof=embedded business_api"`
}

type StateTransition struct {
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type SessionResponse struct {
	TenantID         string            `json:"tenant_id"`
	PhoneNumber      string            `json:"phone_number"`
	Provider         string            `json:"provider"`
	State            SessionState      `json:"state"`
	PairingChallenge string            `json:"pairing_challenge,omitempty"`
	DeviceID         string            `json:"device_id,omitempty"`
	ResolvedPhone    string            `json:"resolved_phone,omitempty"`
	ConnectedAt      *time.Time        `json:"connected_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastError        string            `json:"last_error,omitempty"`
	ReconnectCount   int               `json:"reconnect_count"`
	Transitions      []StateTransition `json:"transitions,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type MediaBody struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

type LocationBody struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type SendMessageRequest struct {
	Kind     MessageKind   `json:"kind" validate:"required,oneof=text media location"`
	To       string        `json:"to" validate:"required"`
	Text     string        `json:"text,omitempty"`
	Media    *MediaBody    `json:"media,omitempty"`
	Location *LocationBody `json:"location,omitempty"`
}

type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type SupervisorResponse struct {
	Enabled       bool       `json:"enabled"`
	State         string     `json:"state"`
	Restarts      int        `json:"restarts"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastHealthyAt *time.Time `json:"last_healthy_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type HealthResponse struct {
	Status    string   `json:"status"`
	Providers []string `json:"providers"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
