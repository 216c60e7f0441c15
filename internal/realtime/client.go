package realtime

import (
	"sync"
	"time"

	realtimeTypes "github.com/reaje/whatsapp-microservice/pkg/realtime"
)

const (
	outboundBufferSize = 64
	writeTimeout       = 10 * time.Second
)

// JSONConn is the part of a websocket connection a Client writes to.
type JSONConn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one realtime subscriber. A client opened for a tenant may only
// subscribe to that tenant's topic.
type Client struct {
	id     string
	tenant string
	conn   JSONConn
	send   chan realtimeTypes.ServerEnvelope

	mu     sync.RWMutex
	topics map[string]struct{}
	closed bool
}

func NewClient(id, tenant string, conn JSONConn) *Client {
	return &Client{
		id:     id,
		tenant: tenant,
		conn:   conn,
		send:   make(chan realtimeTypes.ServerEnvelope, outboundBufferSize),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Tenant() string {
	return c.tenant
}

// Queue enqueues msg without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Queue(msg realtimeTypes.ServerEnvelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) WriteLoop() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// Subscribe adds the allowed topics and returns the ones it refused.
func (c *Client) Subscribe(topics []string) (accepted, rejected []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		if !c.allowed(topic) {
			rejected = append(rejected, topic)
			continue
		}
		c.topics[topic] = struct{}{}
		accepted = append(accepted, topic)
	}
	return accepted, rejected
}

func (c *Client) Unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) allowed(topic string) bool {
	tenant, ok := ParseTenantTopic(topic)
	if !ok {
		return false
	}
	return c.tenant == "" || c.tenant == tenant
}
