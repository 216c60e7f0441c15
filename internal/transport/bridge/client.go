// Package bridge talks to the supervised protocol-client runtime over
// loopback: one websocket per session for events, plain HTTP for commands.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	eventBuffer         = 16
)

type Config struct {
	BaseURL      string
	HTTPClient   *http.Client
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Dialer opens bridge connections. It satisfies transport.Dialer.
type Dialer struct {
	base         *url.URL
	wsBase       string
	httpClient   *http.Client
	ws           *websocket.Dialer
	pingInterval time.Duration
	logger       zerolog.Logger
}

func New(cfg Config) (*Dialer, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}

	wsBase := *base
	switch base.Scheme {
	case "http":
		wsBase.Scheme = "ws"
	case "https":
		wsBase.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid bridge url scheme %q", base.Scheme)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}

	return &Dialer{
		base:         base,
		wsBase:       wsBase.String(),
		httpClient:   client,
		ws:           &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingInterval: ping,
		logger:       cfg.Logger,
	}, nil
}

func sessionPath(key domain.SessionKey) string {
	return "/sessions/" + url.PathEscape(key.ID())
}

// Dial connects the events socket and hands the runtime the stored
// credentials. ctx bounds only the handshake.
func (d *Dialer) Dial(ctx context.Context, key domain.SessionKey, creds domain.Credentials) (transport.Conn, error) {
	ws, resp, err := d.ws.DialContext(ctx, d.wsBase+sessionPath(key)+"/events", nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: bridge handshake returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	hello := HelloFrame{
		Type:        FrameHello,
		TenantID:    key.TenantID,
		PhoneNumber: key.PhoneNumber,
		Credentials: creds,
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(hello); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: send hello: %v", domain.ErrProviderUnavailable, err)
	}

	c := &conn{
		key:        key,
		endpoint:   d.base.String() + sessionPath(key),
		httpClient: d.httpClient,
		ws:         ws,
		events:     make(chan transport.Event, eventBuffer),
		done:       make(chan struct{}),
		logger:     d.logger.With().Str("session", key.ID()).Logger(),
	}

	pongWait := 2 * d.pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop(pongWait)
	go c.pingLoop(d.pingInterval)
	return c, nil
}

type conn struct {
	key        domain.SessionKey
	endpoint   string
	httpClient *http.Client
	ws         *websocket.Conn
	logger     zerolog.Logger

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

func (c *conn) readLoop(pongWait time.Duration) {
	defer close(c.events)

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.emit(transport.Closed{Reason: closeReason(err)})
			c.shutdown()
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		ev, ok := f.event()
		if !ok {
			c.logger.Debug().Str("type", f.Type).Msg("ignoring unknown bridge frame")
			continue
		}
		if !c.emit(ev) {
			return
		}
		if _, closed := ev.(transport.Closed); closed {
			c.shutdown()
			return
		}
	}
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// closeReason maps a socket read failure to a close code. A close frame from
// the runtime carries its own code in the 4000 range (4000 + reason code);
// anything else is a lost connection.
func closeReason(err error) transport.CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code >= 4000 && ce.Code < 5000 {
			return transport.CloseReason{Code: ce.Code - 4000, Message: ce.Text}
		}
		return transport.CloseReason{Code: transport.CloseCodeConnectionLost, Message: ce.Error()}
	}
	return transport.CloseReason{Code: transport.CloseCodeConnectionLost, Message: err.Error()}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *conn) Close() error {
	c.shutdown()
	return nil
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	if c.closed() {
		return "", transport.ErrConnClosed
	}

	var out sendResponse
	if err := c.post(ctx, "/messages", toSendRequest(msg), &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (c *conn) Logout(ctx context.Context) error {
	return c.post(ctx, "/logout", struct{}{}, nil)
}

func (c *conn) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewDeliveryError("bridge unreachable", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusConflict {
		return transport.ErrConnClosed
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return domain.NewDeliveryError(e.Error, nil)
		}
		return domain.NewDeliveryError(fmt.Sprintf("bridge returned %d", resp.StatusCode), nil)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return domain.NewDeliveryError("malformed bridge response", err)
		}
	}
	return nil
}
