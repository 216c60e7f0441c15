package realtime

import (
	"fmt"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	realtimeTypes "github.com/reaje/whatsapp-microservice/pkg/realtime"
)

// SessionSource lists a tenant's sessions.
type SessionSource interface {
	ListSessions(tenantID string) []domain.SessionSnapshot
}

type SnapshotProvider struct {
	sessions SessionSource
}

func NewSnapshotProvider(sessions SessionSource) *SnapshotProvider {
	return &SnapshotProvider{sessions: sessions}
}

func (p *SnapshotProvider) Snapshot(topic string) (any, error) {
	tenant, ok := ParseTenantTopic(topic)
	if !ok {
		return nil, fmt.Errorf("unsupported topic: %s", topic)
	}

	sessions := p.sessions.ListSessions(tenant)
	out := make([]realtimeTypes.SessionState, len(sessions))
	for i, snap := range sessions {
		out[i] = SessionStateFromSnapshot(snap)
	}
	return realtimeTypes.SessionsSnapshot{TenantID: tenant, Sessions: out}, nil
}

func SessionStateFromSnapshot(snap domain.SessionSnapshot) realtimeTypes.SessionState {
	return realtimeTypes.SessionState{
		PhoneNumber:      snap.Key.PhoneNumber,
		Provider:         string(snap.ProviderKind),
		State:            snap.State.String(),
		PairingChallenge: snap.PairingChallenge,
		DeviceID:         snap.DeviceID,
		ConnectedAt:      snap.ConnectedAt,
		UpdatedAt:        snap.UpdatedAt,
		LastError:        snap.LastError,
	}
}

func NotificationFromEvent(ev domain.Event) realtimeTypes.Notification {
	n := realtimeTypes.Notification{
		Type:        ev.Type.String(),
		TenantID:    ev.TenantID,
		PhoneNumber: ev.PhoneNumber,
		Timestamp:   ev.Timestamp,
	}
	switch data := ev.Payload.(type) {
	case domain.StatusChangeData:
		n.OldState, n.NewState, n.Reason = data.OldState, data.NewState, data.Reason
	case domain.PairingChallengeData:
		n.PairingChallenge = data.Code
	case domain.MessageData:
		n.MessageID, n.Peer, n.Kind, n.Text = data.MessageID, data.Peer, string(data.Kind), data.Text
	case domain.ErrorData:
		n.Error, n.ErrorCode = data.Message, data.Code
	}
	return n
}
