// Package transport defines the connection contract between the session
// manager and a chat-network protocol client. Implementations live in the
// subpackages; the manager only sees Dialer, Conn and the typed events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

// Dialer opens one connection for a session, seeded with whatever credentials
// the store holds for it (empty on first pairing).
type Dialer interface {
	Dial(ctx context.Context, key domain.SessionKey, creds domain.Credentials) (Conn, error)
}

// Conn is a live connection handle. Events is closed after the connection is
// gone; a Closed event, when present, is the last value delivered.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, msg domain.OutboundMessage) (string, error)
	Logout(ctx context.Context) error
	Close() error
}

// Event is one of PairingChallenge, Opened, Closed, CredentialsUpdated or
// MessageReceived.
type Event interface {
	isEvent()
}

type PairingChallenge struct {
	Code string
}

type Opened struct {
	PhoneNumber string
	DeviceID    string
}

type Closed struct {
	Reason CloseReason
}

type CredentialsUpdated struct {
	Credentials domain.Credentials
}

type MessageReceived struct {
	ID   string
	From string
	Kind domain.MessageKind
	Text string
	At   time.Time
}

func (PairingChallenge) isEvent()   {}
func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (CredentialsUpdated) isEvent() {}
func (MessageReceived) isEvent()    {}

// Close codes reported by the bundled transports.
const (
	CloseCodeUnknown        = 0
	CloseCodeLoggedOut      = 401
	CloseCodeReplaced       = 440
	CloseCodeConnectionLost = 408
	CloseCodeRestartNeeded  = 515
	CloseCodeStreamEnded    = 503
)

type CloseReason struct {
	Code    int
	Message string
}

func (r CloseReason) String() string {
	if r.Message == "" {
		return fmt.Sprintf("close code %d", r.Code)
	}
	return fmt.Sprintf("close code %d: %s", r.Code, r.Message)
}

// DefaultTerminalCodes is the set of close codes that mean the credentials
// are no longer valid.
var DefaultTerminalCodes = []int{CloseCodeLoggedOut}

// Classifier decides whether a close is terminal (session destroyed) or
// transient (reconnect).
type Classifier struct {
	terminal map[int]struct{}
}

func NewClassifier(terminalCodes []int) Classifier {
	if len(terminalCodes) == 0 {
		terminalCodes = DefaultTerminalCodes
	}
	set := make(map[int]struct{}, len(terminalCodes))
	for _, code := range terminalCodes {
		set[code] = struct{}{}
	}
	return Classifier{terminal: set}
}

func (c Classifier) IsTerminal(reason CloseReason) bool {
	if c.terminal == nil {
		return reason.Code == CloseCodeLoggedOut
	}
	_, ok := c.terminal[reason.Code]
	return ok
}

// ErrConnClosed is returned by Send on a handle that has already closed.
var ErrConnClosed = errors.New("connection closed")
