// Package whatsmeow runs the protocol client in-process. Each session keeps
// its device store in a SQLite file inside its credential directory.
package whatsmeow

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	wm "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

const (
	deviceDBName = "device.db"

	// CredentialDeviceJID is the blob recording which device in the store
	// belongs to the session.
	CredentialDeviceJID = "device-jid"

	eventBuffer = 32
)

// DirProvider hands out the per-session directory the device store lives in.
type DirProvider interface {
	Dir(key domain.SessionKey) (string, error)
}

type Config struct {
	Dirs   DirProvider
	Logger zerolog.Logger
	// Media downloads media given by URL. Defaults to a plain HTTP GET.
	Media MediaFetcher
}

type Dialer struct {
	dirs   DirProvider
	logger zerolog.Logger
	media  MediaFetcher
}

func New(cfg Config) (*Dialer, error) {
	if cfg.Dirs == nil {
		return nil, fmt.Errorf("whatsmeow dialer requires a credential directory provider")
	}
	media := cfg.Media
	if media == nil {
		media = httpFetcher{}
	}
	return &Dialer{dirs: cfg.Dirs, logger: cfg.Logger, media: media}, nil
}

func (d *Dialer) Dial(ctx context.Context, key domain.SessionKey, creds domain.Credentials) (transport.Conn, error) {
	dir, err := d.dirs.Dir(key)
	if err != nil {
		return nil, err
	}
	logger := d.logger.With().Str("session", key.ID()).Logger()

	dsn := "file:" + filepath.Join(dir, deviceDBName) + "?_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, domain.NewCredentialIOError("open device store", key, err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", newLogger(logger, "store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, domain.NewCredentialIOError("upgrade device store", key, err)
	}

	device, err := loadDevice(ctx, container, creds)
	if err != nil {
		_ = db.Close()
		return nil, domain.NewCredentialIOError("load device", key, err)
	}

	client := wm.NewClient(device, newLogger(logger, "client"))
	client.EnableAutoReconnect = false

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		key:    key,
		client: client,
		db:     db,
		media:  d.media,
		logger: logger,
		cancel: cancel,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	client.AddEventHandler(c.handle)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(connCtx)
		if err != nil {
			c.shutdown()
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		go c.pumpQR(qr)
	}

	if err := client.Connect(); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return c, nil
}

// loadDevice picks the device recorded in the session's credentials, or the
// first (possibly fresh) device in the store.
func loadDevice(ctx context.Context, container *sqlstore.Container, creds domain.Credentials) (*store.Device, error) {
	if raw, ok := creds[CredentialDeviceJID]; ok {
		jid, err := types.ParseJID(string(raw))
		if err == nil {
			device, err := container.GetDevice(ctx, jid)
			if err != nil {
				return nil, err
			}
			if device != nil {
				return device, nil
			}
		}
	}
	return container.GetFirstDevice(ctx)
}

type conn struct {
	key    domain.SessionKey
	client *wm.Client
	db     *sql.DB
	media  MediaFetcher
	logger zerolog.Logger
	cancel context.CancelFunc

	mu        sync.RWMutex
	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

func (c *conn) handle(raw any) {
	ev, ok := translate(raw, c.client.Store.ID)
	if !ok {
		return
	}
	if !c.emit(ev) {
		return
	}
	if _, closed := ev.(transport.Closed); closed {
		go c.shutdown()
	}
}

func (c *conn) pumpQR(items <-chan wm.QRChannelItem) {
	for item := range items {
		ev, ok := translateQR(item)
		if !ok {
			continue
		}
		if !c.emit(ev) {
			return
		}
		if _, closed := ev.(transport.Closed); closed {
			go c.shutdown()
			return
		}
	}
}

func (c *conn) emit(ev transport.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		close(c.events)
		c.mu.Unlock()

		c.client.Disconnect()
		if err := c.db.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close device store")
		}
	})
}

func (c *conn) Close() error {
	c.shutdown()
	return nil
}

func (c *conn) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	select {
	case <-c.done:
		return "", transport.ErrConnClosed
	default:
	}
	if !c.client.IsConnected() {
		return "", transport.ErrConnClosed
	}

	to, err := recipientJID(msg.To)
	if err != nil {
		return "", err
	}
	payload, err := c.buildMessage(ctx, msg)
	if err != nil {
		return "", err
	}

	resp, err := c.client.SendMessage(ctx, to, payload)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}
