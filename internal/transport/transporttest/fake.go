// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

const eventBuffer = 128

// Dialer records every dial and hands out Conns. OnDial runs before Dial
// returns, so events it emits are already queued when the caller starts
// reading.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	creds   []domain.Credentials
	err     error
	block   chan struct{}
	changed chan struct{}

	OnDial func(n int, conn *Conn)
}

func NewDialer() *Dialer {
	return &Dialer{changed: make(chan struct{})}
}

func (d *Dialer) Dial(ctx context.Context, key domain.SessionKey, creds domain.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.creds = append(d.creds, creds.Clone())
		d.conns = append(d.conns, nil)
		d.notifyLocked()
		d.mu.Unlock()
		return nil, err
	}
	conn := NewConn(key)
	d.conns = append(d.conns, conn)
	d.creds = append(d.creds, creds.Clone())
	n := len(d.conns)
	hook := d.OnDial
	d.notifyLocked()
	d.mu.Unlock()

	if hook != nil {
		hook(n, conn)
	}
	return conn, nil
}

func (d *Dialer) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// SetError makes subsequent dials fail with err; nil restores success.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Block holds every dial until the returned release func is called.
func (d *Dialer) Block() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.block = ch
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.block = nil
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn returns the connection produced by the n-th dial (1-based), nil if
// that dial failed.
func (d *Dialer) Conn(n int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > len(d.conns) {
		return nil
	}
	return d.conns[n-1]
}

func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// DialCredentials returns the credentials passed to the n-th dial.
func (d *Dialer) DialCredentials(n int) domain.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 1 || n > len(d.creds) {
		return nil
	}
	return d.creds[n-1]
}

// WaitForDials blocks until at least n dials happened or timeout elapses.
func (d *Dialer) WaitForDials(n int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		d.mu.Lock()
		got := len(d.conns)
		changed := d.changed
		d.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for %d dials, got %d", n, got)
		}
	}
}

// Conn is an in-memory connection whose events are driven by the test.
type Conn struct {
	Key domain.SessionKey

	mu      sync.Mutex
	events  chan transport.Event
	closed  bool
	sends   []domain.OutboundMessage
	sendErr error
	logouts int
	closes  int
	nextID  int
}

func NewConn(key domain.SessionKey) *Conn {
	return &Conn{Key: key, events: make(chan transport.Event, eventBuffer)}
}

func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// Emit queues ev for the reader. It reports false once the conn is closed.
func (c *Conn) Emit(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// Drop delivers a Closed event with reason and ends the event stream, the way
// a network-side disconnect looks to the reader.
func (c *Conn) Drop(reason transport.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- transport.Closed{Reason: reason}
	c.closed = true
	close(c.events)
}

func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Conn) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", transport.ErrConnClosed
	}
	c.sends = append(c.sends, msg)
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.nextID++
	return fmt.Sprintf("msg-%d", c.nextID), nil
}

func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *Conn) Sends() []domain.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.OutboundMessage, len(c.sends))
	copy(out, c.sends)
	return out
}

func (c *Conn) Logouts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
