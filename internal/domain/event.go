package domain

import "time"

type EventType int

const (
	EventTypeStatusChange EventType = iota
	EventTypePairingChallenge
	EventTypeMessageIn
	EventTypeMessageOut
	EventTypeError
)

func (t EventType) String() string {
	switch t {
	case EventTypeStatusChange:
		return "status_change"
	case EventTypePairingChallenge:
		return "pairing_challenge"
	case EventTypeMessageIn:
		return "message_in"
	case EventTypeMessageOut:
		return "message_out"
	case EventTypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the notification handed to the fan-out collaborator.
type Event struct {
	TenantID    string
	PhoneNumber string
	Type        EventType
	Payload     any
	Timestamp   time.Time
}

type StatusChangeData struct {
	OldState string
	NewState string
	Reason   string
}

type PairingChallengeData struct {
	Code string
}

type MessageData struct {
	MessageID string
	Peer      string
	Kind      MessageKind
	Text      string
}

type ErrorData struct {
	Message string
	Code    string
}

func NewStatusChangeEvent(key SessionKey, oldState, newState SessionState, reason string) Event {
	return Event{
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Type:        EventTypeStatusChange,
		Timestamp:   time.Now(),
		Payload: StatusChangeData{
			OldState: oldState.String(),
			NewState: newState.String(),
			Reason:   reason,
		},
	}
}

func NewPairingChallengeEvent(key SessionKey, code string) Event {
	return Event{
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Type:        EventTypePairingChallenge,
		Timestamp:   time.Now(),
		Payload:     PairingChallengeData{Code: code},
	}
}

func NewMessageInEvent(key SessionKey, msg InboundMessage) Event {
	return Event{
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Type:        EventTypeMessageIn,
		Timestamp:   time.Now(),
		Payload: MessageData{
			MessageID: msg.ID,
			Peer:      msg.From,
			Kind:      msg.Kind,
			Text:      msg.Text,
		},
	}
}

func NewMessageOutEvent(key SessionKey, messageID string, msg OutboundMessage) Event {
	return Event{
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Type:        EventTypeMessageOut,
		Timestamp:   time.Now(),
		Payload: MessageData{
			MessageID: messageID,
			Peer:      msg.To,
			Kind:      msg.Kind,
			Text:      msg.Text,
		},
	}
}

func NewErrorEvent(key SessionKey, message, code string) Event {
	return Event{
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Type:        EventTypeError,
		Timestamp:   time.Now(),
		Payload: ErrorData{
			Message: message,
			Code:    code,
		},
	}
}
