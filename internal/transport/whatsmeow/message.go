package whatsmeow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	wm "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

const maxMediaBytes = 64 << 20

// MediaFetcher downloads media referenced by URL.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type httpFetcher struct{}

func (httpFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media larger than %d bytes", maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// recipientJID accepts a full JID or a bare phone number.
func recipientJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return jid, nil
	}
	phone := domain.NormalizePhoneNumber(to)
	if phone == "" {
		return types.JID{}, fmt.Errorf("%w: recipient is required", domain.ErrInvalidPayload)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func (c *conn) buildMessage(ctx context.Context, msg domain.OutboundMessage) (*waE2E.Message, error) {
	switch msg.Kind {
	case domain.MessageKindText:
		return &waE2E.Message{Conversation: proto.String(msg.Text)}, nil
	case domain.MessageKindLocation:
		return locationMessage(msg.Location), nil
	case domain.MessageKindMedia:
		return c.mediaMessage(ctx, msg.Media)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidPayload, msg.Kind)
	}
}

func locationMessage(loc *domain.LocationPayload) *waE2E.Message {
	m := &waE2E.LocationMessage{
		DegreesLatitude:  proto.Float64(loc.Latitude),
		DegreesLongitude: proto.Float64(loc.Longitude),
	}
	if loc.Name != "" {
		m.Name = proto.String(loc.Name)
	}
	if loc.Address != "" {
		m.Address = proto.String(loc.Address)
	}
	return &waE2E.Message{LocationMessage: m}
}

func mediaType(mime string) wm.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return wm.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return wm.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return wm.MediaAudio
	default:
		return wm.MediaDocument
	}
}

func (c *conn) mediaMessage(ctx context.Context, media *domain.MediaPayload) (*waE2E.Message, error) {
	data, mime := media.Data, media.MimeType
	if len(data) == 0 {
		fetched, contentType, err := c.media.Fetch(ctx, media.URL)
		if err != nil {
			return nil, domain.NewDeliveryError("media download failed", err)
		}
		data = fetched
		if mime == "" {
			mime = contentType
		}
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	kind := mediaType(mime)
	up, err := c.client.Upload(ctx, data, kind)
	if err != nil {
		return nil, domain.NewDeliveryError("media upload failed", err)
	}
	return uploadedMessage(kind, up, mime, media), nil
}

func uploadedMessage(kind wm.MediaType, up wm.UploadResponse, mime string, media *domain.MediaPayload) *waE2E.Message {
	switch kind {
	case wm.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case wm.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case wm.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	default:
		name := media.FileName
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(name),
			FileName:      proto.String(name),
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
}
