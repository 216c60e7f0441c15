package whatsmeow

import (
	"fmt"

	wm "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

// keepAliveLimit is how many consecutive keepalive failures end the
// connection.
const keepAliveLimit = 3

// translate maps a whatsmeow event to the transport vocabulary. self is the
// device JID once paired.
func translate(raw any, self *types.JID) (transport.Event, bool) {
	switch evt := raw.(type) {
	case *events.Connected:
		if self == nil {
			return transport.Opened{}, true
		}
		return transport.Opened{PhoneNumber: self.User, DeviceID: self.String()}, true

	case *events.PairSuccess:
		return transport.CredentialsUpdated{Credentials: domain.Credentials{
			CredentialDeviceJID: []byte(evt.ID.String()),
		}}, true

	case *events.LoggedOut:
		return closed(transport.CloseCodeLoggedOut, fmt.Sprintf("logged out: %v", evt.Reason)), true

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return closed(transport.CloseCodeLoggedOut, evt.Message), true
		}
		return closed(int(evt.Reason), evt.Message), true

	case *events.StreamReplaced:
		return closed(transport.CloseCodeReplaced, "stream replaced by another client"), true

	case *events.StreamError:
		return closed(transport.CloseCodeRestartNeeded, "stream error "+evt.Code), true

	case *events.Disconnected:
		return closed(transport.CloseCodeConnectionLost, "disconnected"), true

	case *events.KeepAliveTimeout:
		if evt.ErrorCount < keepAliveLimit {
			return nil, false
		}
		return closed(transport.CloseCodeConnectionLost, fmt.Sprintf("%d keepalive timeouts", evt.ErrorCount)), true

	case *events.Message:
		if evt.Info.IsFromMe {
			return nil, false
		}
		return inbound(evt), true
	}
	return nil, false
}

func closed(code int, message string) transport.Closed {
	return transport.Closed{Reason: transport.CloseReason{Code: code, Message: message}}
}

func inbound(evt *events.Message) transport.MessageReceived {
	msg := transport.MessageReceived{
		ID:   string(evt.Info.ID),
		From: evt.Info.Sender.ToNonAD().User,
		Kind: domain.MessageKindText,
		At:   evt.Info.Timestamp,
	}

	m := evt.Message
	switch {
	case m.GetConversation() != "":
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		msg.Kind = domain.MessageKindMedia
		msg.Text = m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		msg.Kind = domain.MessageKindMedia
		msg.Text = m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		msg.Kind = domain.MessageKindMedia
		msg.Text = m.GetDocumentMessage().GetCaption()
	case m.GetAudioMessage() != nil:
		msg.Kind = domain.MessageKindMedia
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		msg.Kind = domain.MessageKindLocation
		msg.Text = fmt.Sprintf("%f,%f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	}
	return msg
}

// translateQR maps pairing channel items. A timed out or failed pairing ends
// the connection with a transient close so the session retries.
func translateQR(item wm.QRChannelItem) (transport.Event, bool) {
	switch item.Event {
	case wm.QRChannelEventCode:
		return transport.PairingChallenge{Code: item.Code}, true
	case "success":
		return nil, false
	case "timeout":
		return closed(transport.CloseCodeConnectionLost, "pairing timed out"), true
	default:
		reason := item.Event
		if item.Error != nil {
			reason = item.Error.Error()
		}
		return closed(transport.CloseCodeUnknown, "pairing failed: "+reason), true
	}
}
