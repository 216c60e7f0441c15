package bridge

import (
	"time"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

// Frame types exchanged on the events socket.
const (
	FrameHello    = "hello"
	FrameQR       = "qr"
	FrameOpen     = "open"
	FrameClose    = "close"
	FrameCreds    = "creds"
	FrameMessage  = "message"
	FrameLoggedIn = "logged_in"
)

// HelloFrame is the first frame the client writes. Credentials travel as
// base64 through encoding/json's []byte handling.
type HelloFrame struct {
	Type        string            `json:"type"`
	TenantID    string            `json:"tenant_id"`
	PhoneNumber string            `json:"phone_number"`
	Credentials map[string][]byte `json:"credentials,omitempty"`
}

// Frame is any frame the runtime sends.
type Frame struct {
	Type        string            `json:"type"`
	Code        string            `json:"code,omitempty"`
	CloseCode   int               `json:"close_code,omitempty"`
	Message     string            `json:"message,omitempty"`
	PhoneNumber string            `json:"phone_number,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	Credentials map[string][]byte `json:"credentials,omitempty"`
	ID          string            `json:"id,omitempty"`
	From        string            `json:"from,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Text        string            `json:"text,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

func (f Frame) event() (transport.Event, bool) {
	switch f.Type {
	case FrameQR:
		return transport.PairingChallenge{Code: f.Code}, true
	case FrameOpen, FrameLoggedIn:
		return transport.Opened{PhoneNumber: f.PhoneNumber, DeviceID: f.DeviceID}, true
	case FrameClose:
		return transport.Closed{Reason: transport.CloseReason{Code: f.CloseCode, Message: f.Message}}, true
	case FrameCreds:
		return transport.CredentialsUpdated{Credentials: domain.Credentials(f.Credentials)}, true
	case FrameMessage:
		at := time.Now()
		if f.Timestamp > 0 {
			at = time.Unix(f.Timestamp, 0)
		}
		kind := domain.MessageKind(f.Kind)
		if kind == "" {
			kind = domain.MessageKindText
		}
		return transport.MessageReceived{ID: f.ID, From: f.From, Kind: kind, Text: f.Text, At: at}, true
	default:
		return nil, false
	}
}

type sendRequest struct {
	Kind     string        `json:"kind"`
	To       string        `json:"to"`
	Text     string        `json:"text,omitempty"`
	Media    *mediaBody    `json:"media,omitempty"`
	Location *locationBody `json:"location,omitempty"`
}

type mediaBody struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

type locationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toSendRequest(msg domain.OutboundMessage) sendRequest {
	req := sendRequest{Kind: string(msg.Kind), To: msg.To, Text: msg.Text}
	if msg.Media != nil {
		req.Media = &mediaBody{
			URL:      msg.Media.URL,
			Data:     msg.Media.Data,
			MimeType: msg.Media.MimeType,
			Caption:  msg.Media.Caption,
			FileName: msg.Media.FileName,
		}
	}
	if msg.Location != nil {
		req.Location = &locationBody{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
			Name:      msg.Location.Name,
			Address:   msg.Location.Address,
		}
	}
	return req
}
