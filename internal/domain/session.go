package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type SessionState int

const (
	SessionStateConnecting SessionState = iota
	SessionStatePairingRequired
	SessionStateConnected
	SessionStateDisconnected
	SessionStateTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionStateConnecting:
		return "connecting"
	case SessionStatePairingRequired:
		return "pairing_required"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

func NewInvalidTransitionError(from, to SessionState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Terminated is reachable from every live state (explicit logout); nothing
// leaves it.
var validTransitions = map[SessionState][]SessionState{
	SessionStateConnecting:      {SessionStatePairingRequired, SessionStateConnected, SessionStateDisconnected, SessionStateTerminated},
	SessionStatePairingRequired: {SessionStateConnected, SessionStateDisconnected, SessionStateTerminated},
	SessionStateConnected:       {SessionStateDisconnected, SessionStateTerminated},
	SessionStateDisconnected:    {SessionStateConnecting, SessionStateTerminated},
}

func CanTransition(from, to SessionState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// SessionKey identifies a session: one phone number owned by one tenant.
type SessionKey struct {
	TenantID    string
	PhoneNumber string
}

func NewSessionKey(tenantID, phoneNumber string) (SessionKey, error) {
	key := SessionKey{
		TenantID:    strings.TrimSpace(tenantID),
		PhoneNumber: NormalizePhoneNumber(phoneNumber),
	}
	if err := key.Validate(); err != nil {
		return SessionKey{}, err
	}
	return key, nil
}

func (k SessionKey) Validate() error {
	if k.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidSessionKey)
	}
	if k.PhoneNumber == "" {
		return fmt.Errorf("%w: phone number is required", ErrInvalidSessionKey)
	}
	if strings.ContainsAny(k.TenantID, "\x00/\\") {
		return fmt.Errorf("%w: tenant id contains forbidden characters", ErrInvalidSessionKey)
	}
	return nil
}

// ID is the flat session identifier some providers address sessions by.
func (k SessionKey) ID() string {
	return k.TenantID + ":" + k.PhoneNumber
}

func (k SessionKey) String() string {
	return k.ID()
}

// NormalizePhoneNumber strips formatting so "+55 (11) 9999-0000" and
// "5511999990000" address the same session.
func NormalizePhoneNumber(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type StateTransition struct {
	From      SessionState
	To        SessionState
	Reason    string
	Timestamp time.Time
}

const maxTransitionHistory = 32

type Session struct {
	Key              SessionKey
	ProviderKind     ProviderKind
	State            SessionState
	PairingChallenge string
	ConnectedAt      time.Time
	DeviceID         string
	// ResolvedPhone is the number the network reported when the connection
	// opened.
	ResolvedPhone    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastError        string
	ReconnectCount   int
	Transitions      []StateTransition

	mu sync.RWMutex
}

// TransitionOption sets fields in the same write that commits a transition,
// so readers never see the new state without them.
type TransitionOption func(*Session)

func WithPairingChallenge(code string) TransitionOption {
	return func(s *Session) { s.PairingChallenge = code }
}

// WithOpened records what the transport reported on open. Empty values keep
// the current ones.
func WithOpened(phone, deviceID string) TransitionOption {
	return func(s *Session) {
		if phone != "" {
			s.ResolvedPhone = phone
		}
		if deviceID != "" {
			s.DeviceID = deviceID
		}
	}
}

func NewSession(key SessionKey, kind ProviderKind) *Session {
	now := time.Now()
	return &Session{
		Key:          key,
		ProviderKind: kind,
		State:        SessionStateConnecting,
		CreatedAt:    now,
		UpdatedAt:    now,
		Transitions:  make([]StateTransition, 0),
	}
}

// TransitionTo moves the session to newState and maintains the fields tied to
// each state: the pairing challenge only lives in PairingRequired and
// ConnectedAt only in Connected.
func (s *Session) TransitionTo(newState SessionState, reason string, opts ...TransitionOption) (StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.State, newState) {
		return StateTransition{}, NewInvalidTransitionError(s.State, newState)
	}

	transition := StateTransition{
		From:      s.State,
		To:        newState,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	if newState != SessionStatePairingRequired {
		s.PairingChallenge = ""
	}
	if newState == SessionStateConnected {
		s.ConnectedAt = transition.Timestamp
		s.LastError = ""
	} else {
		s.ConnectedAt = time.Time{}
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Transitions = append(s.Transitions, transition)
	if len(s.Transitions) > maxTransitionHistory {
		s.Transitions = s.Transitions[len(s.Transitions)-maxTransitionHistory:]
	}
	s.State = newState
	s.UpdatedAt = transition.Timestamp

	return transition, nil
}

func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

func (s *Session) SetPairingChallenge(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PairingChallenge = code
	s.UpdatedAt = time.Now()
}

func (s *Session) SetError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastError = message
	s.UpdatedAt = time.Now()
}

func (s *Session) IncrementReconnects() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReconnectCount++
	s.UpdatedAt = time.Now()
}

// SessionSnapshot is a point-in-time, lock-free copy of a Session's fields.
type SessionSnapshot struct {
	Key              SessionKey
	ProviderKind     ProviderKind
	State            SessionState
	PairingChallenge string
	ConnectedAt      time.Time
	DeviceID         string
	ResolvedPhone    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastError        string
	ReconnectCount   int
	Transitions      []StateTransition
}

// Snapshot returns an atomic copy of the session under its read lock.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transitions := make([]StateTransition, len(s.Transitions))
	copy(transitions, s.Transitions)

	return SessionSnapshot{
		Key:              s.Key,
		ProviderKind:     s.ProviderKind,
		State:            s.State,
		PairingChallenge: s.PairingChallenge,
		ConnectedAt:      s.ConnectedAt,
		DeviceID:         s.DeviceID,
		ResolvedPhone:    s.ResolvedPhone,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		LastError:        s.LastError,
		ReconnectCount:   s.ReconnectCount,
		Transitions:      transitions,
	}
}
