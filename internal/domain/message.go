package domain

import (
	"fmt"
	"strings"
)

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindMedia    MessageKind = "media"
	MessageKindLocation MessageKind = "location"
)

type MediaPayload struct {
	URL      string
	Data     []byte
	MimeType string
	Caption  string
	FileName string
}

type LocationPayload struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

// OutboundMessage is what a provider hands to its transport. Exactly one of
// Text, Media or Location is meaningful, selected by Kind.
type OutboundMessage struct {
	Kind     MessageKind
	To       string
	Text     string
	Media    *MediaPayload
	Location *LocationPayload
}

func (m OutboundMessage) Validate() error {
	if NormalizePhoneNumber(m.To) == "" && !strings.Contains(m.To, "@") {
		return fmt.Errorf("%w: recipient is required", ErrInvalidPayload)
	}
	switch m.Kind {
	case MessageKindText:
		if strings.TrimSpace(m.Text) == "" {
			return fmt.Errorf("%w: text is empty", ErrInvalidPayload)
		}
	case MessageKindMedia:
		if m.Media == nil || (m.Media.URL == "" && len(m.Media.Data) == 0) {
			return fmt.Errorf("%w: media requires url or data", ErrInvalidPayload)
		}
	case MessageKindLocation:
		if m.Location == nil {
			return fmt.Errorf("%w: location is missing", ErrInvalidPayload)
		}
		if m.Location.Latitude < -90 || m.Location.Latitude > 90 || m.Location.Longitude < -180 || m.Location.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, m.Kind)
	}
	return nil
}

type SendResult struct {
	MessageID string
	Status    string
}

// InboundMessage is a message the transport delivered for a session.
type InboundMessage struct {
	ID   string
	From string
	Kind MessageKind
	Text string
}
