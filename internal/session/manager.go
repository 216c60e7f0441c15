package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/metrics"
	"github.com/reaje/whatsapp-microservice/internal/storage"
	"github.com/reaje/whatsapp-microservice/internal/transport"
)

var ErrManagerClosed = fmt.Errorf("%w: session manager is shut down", domain.ErrProviderUnavailable)

// Notifier receives every session event. Broadcast must not block.
type Notifier interface {
	Broadcast(event domain.Event)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(domain.Event) {}

type Config struct {
	Provider      domain.ProviderKind
	Dialer        transport.Dialer
	Credentials   storage.CredentialStore
	Notifier      Notifier
	Logger        zerolog.Logger
	Reconnect     ReconnectPolicy
	TerminalCodes []int
	// PairingWait bounds how long Initialize waits for the first transport
	// event before returning the session still in Connecting.
	PairingWait time.Duration
	DialTimeout time.Duration
}

type connRef struct {
	conn transport.Conn
}

// entry is the registry slot for one key. mu serializes every transition and
// connection change for the key; the session's own lock guards the fields
// status readers see.
type entry struct {
	key     domain.SessionKey
	session *domain.Session

	mu       sync.Mutex
	conn     transport.Conn
	gen      uint64
	timer    *time.Timer
	timerSeq uint64
	attempts int
	removed  bool
	initErr  error
	changed  chan struct{}

	// active is set only while Connected so senders never wait on mu.
	active atomic.Pointer[connRef]
}

func (e *entry) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Manager is the session registry and connection state machine for one
// provider's transport.
type Manager struct {
	provider    domain.ProviderKind
	dialer      transport.Dialer
	creds       storage.CredentialStore
	notifier    Notifier
	logger      zerolog.Logger
	policy      ReconnectPolicy
	classifier  transport.Classifier
	pairingWait time.Duration
	dialTimeout time.Duration

	mu      sync.Mutex
	entries map[domain.SessionKey]*entry
	closed  bool

	gen    atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	policy := cfg.Reconnect
	if policy.Delay <= 0 {
		policy.Delay = DefaultReconnectDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 1.0
	}

	pairingWait := cfg.PairingWait
	if pairingWait <= 0 {
		pairingWait = DefaultPairingWait
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Manager{
		provider:    cfg.Provider,
		dialer:      cfg.Dialer,
		creds:       cfg.Credentials,
		notifier:    notifier,
		logger:      cfg.Logger.With().Str("provider", string(cfg.Provider)).Logger(),
		policy:      policy,
		classifier:  transport.NewClassifier(cfg.TerminalCodes),
		pairingWait: pairingWait,
		dialTimeout: dialTimeout,
		entries:     make(map[domain.SessionKey]*entry),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (m *Manager) Provider() domain.ProviderKind {
	return m.provider
}

// Initialize opens a connection for key, or reports the one already in
// progress. A fresh key is dialed exactly once no matter how many callers
// race; every caller then waits for the first outcome (pairing challenge,
// open, or close) and sees the same state.
func (m *Manager) Initialize(ctx context.Context, key domain.SessionKey) (domain.SessionSnapshot, error) {
	if err := key.Validate(); err != nil {
		return domain.SessionSnapshot{}, err
	}

	for {
		e, err := m.acquire(key)
		if err != nil {
			return domain.SessionSnapshot{}, err
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		switch state := e.session.GetState(); {
		case state == domain.SessionStateConnected || state == domain.SessionStatePairingRequired:
			e.mu.Unlock()
			return e.session.Snapshot(), nil

		case state == domain.SessionStateConnecting && e.conn != nil:
			// Another caller's dial is waiting for its first event.

		case state == domain.SessionStateDisconnected:
			m.cancelTimerLocked(e)
			m.transitionLocked(e, domain.SessionStateConnecting, "initialize requested")
			if err := m.dialLocked(ctx, e); err != nil {
				e.session.SetError(err.Error())
				m.transitionLocked(e, domain.SessionStateDisconnected, "dial failed")
				m.scheduleReconnectLocked(e)
				e.mu.Unlock()
				return e.session.Snapshot(), err
			}

		default:
			if err := m.dialLocked(ctx, e); err != nil {
				m.logger.Warn().Err(err).Str("session", key.ID()).Msg("initial dial failed")
				m.removeLocked(e)
				e.mu.Unlock()
				return domain.SessionSnapshot{}, err
			}
		}
		e.mu.Unlock()

		return m.awaitOutcome(ctx, e)
	}
}

func (m *Manager) acquire(key domain.SessionKey) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if e, ok := m.entries[key]; ok {
		return e, nil
	}

	e := &entry{
		key:     key,
		session: domain.NewSession(key, m.provider),
		changed: make(chan struct{}),
	}
	m.entries[key] = e
	metrics.RecordTransition(string(m.provider), "", domain.SessionStateConnecting.String())
	m.logger.Debug().Str("session", key.ID()).Msg("session entry created")
	return e, nil
}

func (m *Manager) lookup(key domain.SessionKey) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}

func (m *Manager) awaitOutcome(ctx context.Context, e *entry) (domain.SessionSnapshot, error) {
	timer := time.NewTimer(m.pairingWait)
	defer timer.Stop()

	for {
		e.mu.Lock()
		state := e.session.GetState()
		changed := e.changed
		initErr := e.initErr
		e.mu.Unlock()

		if state != domain.SessionStateConnecting {
			return e.session.Snapshot(), initErr
		}

		select {
		case <-changed:
		case <-timer.C:
			return e.session.Snapshot(), nil
		case <-ctx.Done():
			return e.session.Snapshot(), ctx.Err()
		}
	}
}

// dialLocked loads the stored credentials and opens a new handle, replacing
// the entry's generation so events from any earlier handle are ignored.
func (m *Manager) dialLocked(ctx context.Context, e *entry) error {
	e.initErr = nil

	creds, err := m.creds.Load(e.key)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, e.key, creds)
	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		return err
	}

	gen := m.gen.Add(1)
	e.conn = conn
	e.gen = gen

	m.logger.Info().
		Str("session", e.key.ID()).
		Uint64("generation", gen).
		Bool("stored_credentials", !creds.Empty()).
		Msg("connection dialed")

	m.wg.Add(1)
	go m.readEvents(e, gen, conn)
	return nil
}

func (m *Manager) readEvents(e *entry, gen uint64, conn transport.Conn) {
	defer m.wg.Done()

	sawClose := false
	for ev := range conn.Events() {
		if _, ok := ev.(transport.Closed); ok {
			sawClose = true
		}
		m.handleEvent(e, gen, ev)
	}
	if !sawClose {
		m.handleEvent(e, gen, transport.Closed{Reason: transport.CloseReason{
			Code:    transport.CloseCodeUnknown,
			Message: "event stream ended",
		}})
	}
}

func (m *Manager) handleEvent(e *entry, gen uint64, ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || e.gen != gen {
		m.logger.Debug().
			Str("session", e.key.ID()).
			Uint64("generation", gen).
			Str("event", fmt.Sprintf("%T", ev)).
			Msg("dropping event from stale connection")
		return
	}

	switch ev := ev.(type) {
	case transport.PairingChallenge:
		m.onPairingChallengeLocked(e, ev.Code)
	case transport.Opened:
		m.onOpenedLocked(e, ev)
	case transport.CredentialsUpdated:
		m.onCredentialsLocked(e, ev.Credentials)
	case transport.MessageReceived:
		m.notifier.Broadcast(domain.NewMessageInEvent(e.key, domain.InboundMessage{
			ID:   ev.ID,
			From: ev.From,
			Kind: ev.Kind,
			Text: ev.Text,
		}))
	case transport.Closed:
		m.onClosedLocked(e, ev.Reason)
	}
}

func (m *Manager) onPairingChallengeLocked(e *entry, code string) {
	switch e.session.GetState() {
	case domain.SessionStateConnecting:
		m.transitionLocked(e, domain.SessionStatePairingRequired, "pairing challenge issued",
			domain.WithPairingChallenge(code))
	case domain.SessionStatePairingRequired:
		e.session.SetPairingChallenge(code)
		e.signalLocked()
	default:
		return
	}
	m.notifier.Broadcast(domain.NewPairingChallengeEvent(e.key, code))
}

func (m *Manager) onOpenedLocked(e *entry, ev transport.Opened) {
	state := e.session.GetState()
	if state != domain.SessionStateConnecting && state != domain.SessionStatePairingRequired {
		return
	}
	phone := domain.NormalizePhoneNumber(ev.PhoneNumber)
	if phone != "" && phone != e.key.PhoneNumber {
		m.logger.Warn().
			Str("session", e.key.ID()).
			Str("resolved_phone", phone).
			Msg("network reported a different phone number")
	}
	e.attempts = 0
	m.transitionLocked(e, domain.SessionStateConnected, "connection opened",
		domain.WithOpened(phone, ev.DeviceID))
}

func (m *Manager) onCredentialsLocked(e *entry, creds domain.Credentials) {
	if creds.Empty() {
		return
	}
	err := m.creds.Save(e.key, creds)
	if err == nil {
		return
	}

	m.logger.Error().Err(err).Str("session", e.key.ID()).Msg("failed to persist credentials")
	e.session.SetError(err.Error())
	m.notifier.Broadcast(domain.NewErrorEvent(e.key, err.Error(), "credential_io"))

	// Pairing cannot complete without durable credentials; end this attempt.
	state := e.session.GetState()
	if state == domain.SessionStateConnecting || state == domain.SessionStatePairingRequired {
		e.initErr = err
		m.releaseConnLocked(e)
		m.transitionLocked(e, domain.SessionStateDisconnected, "credential store failure")
	}
}

func (m *Manager) onClosedLocked(e *entry, reason transport.CloseReason) {
	m.releaseConnLocked(e)

	if m.classifier.IsTerminal(reason) {
		m.logger.Info().Str("session", e.key.ID()).Stringer("reason", reason).Msg("terminal close")
		_ = m.terminateLocked(e, reason.String())
		return
	}

	switch e.session.GetState() {
	case domain.SessionStateConnecting, domain.SessionStatePairingRequired, domain.SessionStateConnected:
	default:
		return
	}

	m.logger.Warn().Str("session", e.key.ID()).Stringer("reason", reason).Msg("transient close")
	e.session.SetError(reason.String())
	m.transitionLocked(e, domain.SessionStateDisconnected, reason.String())
	m.scheduleReconnectLocked(e)
}

func (m *Manager) releaseConnLocked(e *entry) {
	conn := e.conn
	e.conn = nil
	e.gen = 0
	e.active.Store(nil)
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug().Err(err).Str("session", e.key.ID()).Msg("close connection")
		}
	}
}

// terminateLocked ends the session for good: the entry leaves the registry
// and its credentials are deleted.
func (m *Manager) terminateLocked(e *entry, reason string) error {
	m.cancelTimerLocked(e)
	m.releaseConnLocked(e)
	m.transitionLocked(e, domain.SessionStateTerminated, reason)

	err := m.creds.Delete(e.key)
	if err != nil {
		m.logger.Error().Err(err).Str("session", e.key.ID()).Msg("failed to delete credentials")
	}
	m.removeLocked(e)
	return err
}

func (m *Manager) removeLocked(e *entry) {
	e.removed = true
	e.active.Store(nil)

	m.mu.Lock()
	if cur, ok := m.entries[e.key]; ok && cur == e {
		delete(m.entries, e.key)
	}
	m.mu.Unlock()

	if state := e.session.GetState(); state != domain.SessionStateTerminated {
		metrics.RecordTransition(string(m.provider), state.String(), "")
	}
	e.signalLocked()
}

func (m *Manager) transitionLocked(e *entry, to domain.SessionState, reason string, opts ...domain.TransitionOption) bool {
	tr, err := e.session.TransitionTo(to, reason, opts...)
	if err != nil {
		m.logger.Debug().Err(err).Str("session", e.key.ID()).Msg("transition rejected")
		return false
	}

	if to == domain.SessionStateConnected && e.conn != nil {
		e.active.Store(&connRef{conn: e.conn})
	} else {
		e.active.Store(nil)
	}

	provider := string(m.provider)
	metrics.RecordTransition(provider, tr.From.String(), tr.To.String())
	if to == domain.SessionStateTerminated {
		metrics.RecordTransition(provider, tr.To.String(), "")
	}

	m.logger.Info().
		Str("session", e.key.ID()).
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("reason", reason).
		Msg("session state changed")

	m.notifier.Broadcast(domain.NewStatusChangeEvent(e.key, tr.From, tr.To, reason))
	e.signalLocked()
	return true
}

func (m *Manager) scheduleReconnectLocked(e *entry) {
	if m.ctx.Err() != nil || e.removed {
		return
	}

	e.attempts++
	if m.policy.Exhausted(e.attempts) {
		m.logger.Warn().Str("session", e.key.ID()).Int("attempts", e.attempts-1).Msg("reconnect attempts exhausted")
		e.session.SetError("reconnect attempts exhausted")
		return
	}

	delay := m.policy.NextDelay(e.attempts)
	e.timerSeq++
	seq := e.timerSeq

	m.wg.Add(1)
	e.timer = time.AfterFunc(delay, func() {
		defer m.wg.Done()
		m.reconnect(e, seq)
	})

	e.session.IncrementReconnects()
	metrics.RecordReconnect(string(m.provider))
	m.logger.Info().
		Str("session", e.key.ID()).
		Int("attempt", e.attempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (m *Manager) cancelTimerLocked(e *entry) {
	e.timerSeq++
	if e.timer == nil {
		return
	}
	if e.timer.Stop() {
		m.wg.Done()
	}
	e.timer = nil
}

func (m *Manager) reconnect(e *entry, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || e.timerSeq != seq || m.ctx.Err() != nil {
		return
	}
	e.timer = nil
	if e.session.GetState() != domain.SessionStateDisconnected {
		return
	}

	m.transitionLocked(e, domain.SessionStateConnecting, fmt.Sprintf("reconnect attempt %d", e.attempts))
	if err := m.dialLocked(m.ctx, e); err != nil {
		m.logger.Warn().Err(err).Str("session", e.key.ID()).Msg("reconnect failed")
		e.session.SetError(err.Error())
		m.transitionLocked(e, domain.SessionStateDisconnected, "reconnect failed")
		m.scheduleReconnectLocked(e)
	}
}

// Send delivers msg on the session's live connection. Only a Connected
// session reaches the transport.
func (m *Manager) Send(ctx context.Context, key domain.SessionKey, msg domain.OutboundMessage) (domain.SendResult, error) {
	if err := msg.Validate(); err != nil {
		return domain.SendResult{}, err
	}

	e := m.lookup(key)
	if e == nil {
		return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrSessionNotConnected, key)
	}
	ref := e.active.Load()
	if ref == nil || e.session.GetState() != domain.SessionStateConnected {
		return domain.SendResult{}, fmt.Errorf("%w: %s is %s", domain.ErrSessionNotConnected, key, e.session.GetState())
	}

	id, err := ref.conn.Send(ctx, msg)
	metrics.RecordSend(string(m.provider), string(msg.Kind), err)
	if err != nil {
		if errors.Is(err, transport.ErrConnClosed) {
			return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrSessionNotConnected, key)
		}
		if errors.Is(err, domain.ErrDeliveryFailed) {
			return domain.SendResult{}, err
		}
		return domain.SendResult{}, domain.NewDeliveryError("transport rejected message", err)
	}

	if id == "" {
		id = uuid.NewString()
	}
	m.notifier.Broadcast(domain.NewMessageOutEvent(key, id, msg))
	return domain.SendResult{MessageID: id, Status: "sent"}, nil
}

// Disconnect logs the session out, deletes its credentials and removes it.
// It reports false when no session exists for key.
func (m *Manager) Disconnect(ctx context.Context, key domain.SessionKey) (bool, error) {
	e := m.lookup(key)
	if e == nil {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return false, nil
	}
	if e.conn != nil {
		if err := e.conn.Logout(ctx); err != nil {
			m.logger.Warn().Err(err).Str("session", key.ID()).Msg("transport logout failed; terminating locally")
		}
	}
	return true, m.terminateLocked(e, "logout requested")
}

func (m *Manager) GetStatus(key domain.SessionKey) (domain.SessionSnapshot, bool) {
	e := m.lookup(key)
	if e == nil {
		return domain.SessionSnapshot{}, false
	}
	return e.session.Snapshot(), true
}

func (m *Manager) Has(key domain.SessionKey) bool {
	return m.lookup(key) != nil
}

// List returns snapshots of the tenant's sessions ordered by phone number.
// An empty tenantID lists every session.
func (m *Manager) List(tenantID string) []domain.SessionSnapshot {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for key, e := range m.entries {
		if tenantID == "" || key.TenantID == tenantID {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	out := make([]domain.SessionSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID() < out[j].Key.ID() })
	return out
}

// Shutdown cancels pending reconnects and closes every live handle in
// parallel. Credentials are kept so sessions resume on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[domain.SessionKey]*entry)
	m.mu.Unlock()

	m.cancel()

	var conns []transport.Conn
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			m.cancelTimerLocked(e)
			if e.conn != nil {
				conns = append(conns, e.conn)
				e.conn = nil
			}
			e.gen = 0
			switch e.session.GetState() {
			case domain.SessionStateConnecting, domain.SessionStatePairingRequired, domain.SessionStateConnected:
				m.transitionLocked(e, domain.SessionStateDisconnected, "host shutdown")
			}
			m.removeLocked(e)
		}
		e.mu.Unlock()
	}

	g, _ := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(conn.Close)
	}
	closeErr := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info().Int("sessions", len(entries)).Msg("session manager stopped")
	return closeErr
}
