package provider

import (
	"context"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/session"
)

// Provider is the uniform contract both chat-network backends implement.
// Status and listing never fail; a missing session is reported as false.
type Provider interface {
	Kind() domain.ProviderKind
	InitializeSession(ctx context.Context, key domain.SessionKey, record domain.ProviderRecord) (domain.SessionSnapshot, error)
	SendText(ctx context.Context, key domain.SessionKey, to, text string) (domain.SendResult, error)
	SendMedia(ctx context.Context, key domain.SessionKey, to string, media domain.MediaPayload) (domain.SendResult, error)
	SendLocation(ctx context.Context, key domain.SessionKey, to string, loc domain.LocationPayload) (domain.SendResult, error)
	GetStatus(key domain.SessionKey) (domain.SessionSnapshot, bool)
	DisconnectSession(ctx context.Context, key domain.SessionKey) (bool, error)
	ListSessions(tenantID string) []domain.SessionSnapshot
	HasSession(key domain.SessionKey) bool
	Shutdown(ctx context.Context) error
}

// Gate runs before a session call reaches the manager. A non-nil error
// aborts the call.
type Gate func(ctx context.Context, key domain.SessionKey) error

// Base implements Provider on top of a session.Manager. Concrete providers
// embed it and add their gates.
type Base struct {
	Sessions *session.Manager

	InitGate Gate
	SendGate Gate
}

func (b *Base) Kind() domain.ProviderKind {
	return b.Sessions.Provider()
}

func (b *Base) InitializeSession(ctx context.Context, key domain.SessionKey, _ domain.ProviderRecord) (domain.SessionSnapshot, error) {
	if b.InitGate != nil {
		if err := b.InitGate(ctx, key); err != nil {
			return domain.SessionSnapshot{}, err
		}
	}
	return b.Sessions.Initialize(ctx, key)
}

func (b *Base) SendText(ctx context.Context, key domain.SessionKey, to, text string) (domain.SendResult, error) {
	return b.Send(ctx, key, domain.OutboundMessage{Kind: domain.MessageKindText, To: to, Text: text})
}

func (b *Base) SendMedia(ctx context.Context, key domain.SessionKey, to string, media domain.MediaPayload) (domain.SendResult, error) {
	return b.Send(ctx, key, domain.OutboundMessage{Kind: domain.MessageKindMedia, To: to, Media: &media})
}

func (b *Base) SendLocation(ctx context.Context, key domain.SessionKey, to string, loc domain.LocationPayload) (domain.SendResult, error) {
	return b.Send(ctx, key, domain.OutboundMessage{Kind: domain.MessageKindLocation, To: to, Location: &loc})
}

// Send validates msg and checks the session state before the gate, so a
// disconnected session never consumes rate budget.
func (b *Base) Send(ctx context.Context, key domain.SessionKey, msg domain.OutboundMessage) (domain.SendResult, error) {
	if err := msg.Validate(); err != nil {
		return domain.SendResult{}, err
	}
	if snap, ok := b.Sessions.GetStatus(key); !ok || snap.State != domain.SessionStateConnected {
		return b.Sessions.Send(ctx, key, msg)
	}
	if b.SendGate != nil {
		if err := b.SendGate(ctx, key); err != nil {
			return domain.SendResult{}, err
		}
	}
	return b.Sessions.Send(ctx, key, msg)
}

func (b *Base) GetStatus(key domain.SessionKey) (domain.SessionSnapshot, bool) {
	return b.Sessions.GetStatus(key)
}

func (b *Base) DisconnectSession(ctx context.Context, key domain.SessionKey) (bool, error) {
	return b.Sessions.Disconnect(ctx, key)
}

func (b *Base) ListSessions(tenantID string) []domain.SessionSnapshot {
	return b.Sessions.List(tenantID)
}

func (b *Base) HasSession(key domain.SessionKey) bool {
	return b.Sessions.Has(key)
}

func (b *Base) Shutdown(ctx context.Context) error {
	return b.Sessions.Shutdown(ctx)
}
