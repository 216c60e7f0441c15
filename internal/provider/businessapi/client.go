package businessapi

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

	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/provider/circuit"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

// Account is what a tenant's provider record supplies for one phone number.
type Account struct {
	PhoneNumberID string
	AccessToken   string
}

// errUnauthorized marks a rejected access token.
var errUnauthorized = errors.New("access token rejected")

// client speaks the hosted Graph-style API.
type client struct {
	base    string
	version string
	http    *http.Client
	breaker *circuit.Breaker
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base + "/" + c.version + "/" + strings.Join(escaped, "/")
}

// do runs one request through the breaker. Transport failures and 5xx
// responses count against it; 4xx responses do not.
func (c *client) do(ctx context.Context, method, target, token string, body, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: business api returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		c.breaker.RecordSuccess()
		return errUnauthorized
	case resp.StatusCode >= 400:
		c.breaker.RecordSuccess()
		var ge graphError
		if json.Unmarshal(data, &ge) == nil && ge.Error.Message != "" {
			return domain.NewDeliveryError(ge.Error.Message, nil)
		}
		return domain.NewDeliveryError(fmt.Sprintf("business api returned %d", resp.StatusCode), nil)
	}

	c.breaker.RecordSuccess()
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return domain.NewDeliveryError("malformed business api response", err)
		}
	}
	return nil
}

// Accounts resolves the account a session dials with.
type Accounts interface {
	Account(key domain.SessionKey) (Account, bool)
}

type dialer struct {
	client   *client
	accounts Accounts
	logger   zerolog.Logger
}

// Dial probes the phone number resource. There is no pairing on this
// network, so a reachable account opens immediately.
func (d *dialer) Dial(ctx context.Context, key domain.SessionKey, _ domain.Credentials) (transport.Conn, error) {
	acct, ok := d.accounts.Account(key)
	if !ok || acct.PhoneNumberID == "" || acct.AccessToken == "" {
		return nil, fmt.Errorf("%w: no business account configured for %s", domain.ErrProviderUnavailable, key)
	}

	var probe struct {
		ID                 string `json:"id"`
		DisplayPhoneNumber string `json:"display_phone_number"`
	}
	target := d.client.endpoint(acct.PhoneNumberID) + "?fields=id,display_phone_number"
	if err := d.client.do(ctx, http.MethodGet, target, acct.AccessToken, nil, &probe); err != nil {
		if errors.Is(err, errUnauthorized) {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		return nil, err
	}

	c := &conn{
		client:  d.client,
		account: acct,
		events:  make(chan transport.Event, 2),
		done:    make(chan struct{}),
	}
	c.events <- transport.Opened{PhoneNumber: key.PhoneNumber, DeviceID: acct.PhoneNumberID}
	d.logger.Debug().Str("session", key.ID()).Str("display_phone_number", probe.DisplayPhoneNumber).Msg("business account reachable")
	return c, nil
}

type conn struct {
	client  *client
	account Account

	mu     sync.Mutex
	events chan transport.Event
	done   chan struct{}
	closed bool
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	close(c.events)
	return nil
}

// revoke ends the connection with a logged-out close after the API rejected
// the access token.
func (c *conn) revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- transport.Closed{Reason: transport.CloseReason{Code: transport.CloseCodeLoggedOut, Message: errUnauthorized.Error()}}:
	default:
	}
	c.closed = true
	close(c.done)
	close(c.events)
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *conn) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	if c.isClosed() {
		return "", transport.ErrConnClosed
	}
	body, err := messageBody(msg)
	if err != nil {
		return "", err
	}

	var out messageResponse
	err = c.client.do(ctx, http.MethodPost, c.client.endpoint(c.account.PhoneNumberID, "messages"), c.account.AccessToken, body, &out)
	if errors.Is(err, errUnauthorized) {
		c.revoke()
		return "", transport.ErrConnClosed
	}
	if err != nil {
		return "", err
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}

// Logout has nothing to revoke upstream; the token belongs to the tenant.
func (c *conn) Logout(context.Context) error {
	return nil
}

func messageBody(msg domain.OutboundMessage) (map[string]any, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                domain.NormalizePhoneNumber(msg.To),
	}

	switch msg.Kind {
	case domain.MessageKindText:
		body["type"] = "text"
		body["text"] = map[string]any{"body": msg.Text}
	case domain.MessageKindLocation:
		loc := map[string]any{
			"latitude":  msg.Location.Latitude,
			"longitude": msg.Location.Longitude,
		}
		if msg.Location.Name != "" {
			loc["name"] = msg.Location.Name
		}
		if msg.Location.Address != "" {
			loc["address"] = msg.Location.Address
		}
		body["type"] = "location"
		body["location"] = loc
	case domain.MessageKindMedia:
		if msg.Media.URL == "" {
			return nil, fmt.Errorf("%w: business api media must be given by url", domain.ErrInvalidPayload)
		}
		typ := mediaType(msg.Media.MimeType)
		media := map[string]any{"link": msg.Media.URL}
		if msg.Media.Caption != "" && typ != "audio" {
			media["caption"] = msg.Media.Caption
		}
		if typ == "document" && msg.Media.FileName != "" {
			media["filename"] = msg.Media.FileName
		}
		body["type"] = typ
		body[typ] = media
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidPayload, msg.Kind)
	}
	return body, nil
}

func mediaType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
