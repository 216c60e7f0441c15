package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/provider"
)

const restoreConcurrency = 4

// TenantDirectory resolves a tenant's provider record.
type TenantDirectory interface {
	Lookup(tenantID string) (domain.ProviderRecord, error)
}

// SessionLister enumerates sessions that have stored credentials.
type SessionLister interface {
	List() ([]domain.SessionKey, error)
}

// SessionService is the inbound surface over every registered provider. It
// resolves which provider serves a tenant on each call.
type SessionService struct {
	providers *provider.Registry
	directory TenantDirectory
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serializes provider selection and session creation for one key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewSessionService(providers *provider.Registry, directory TenantDirectory, logger zerolog.Logger) *SessionService {
	return &SessionService{
		providers: providers,
		directory: directory,
		logger:    logger.With().Str("component", "session_service").Logger(),
		locks:     make(map[string]*keyLock),
	}
}

func (s *SessionService) lockKey(key domain.SessionKey) func() {
	id := key.ID()
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// owner returns the provider already holding a session for key.
func (s *SessionService) owner(key domain.SessionKey) (provider.Provider, bool) {
	for _, p := range s.providers.All() {
		if p.HasSession(key) {
			return p, true
		}
	}
	return nil, false
}

// resolve picks the provider for a new session: the hint when given,
// otherwise the tenant's record.
func (s *SessionService) resolve(tenantID string, hint domain.ProviderKind) (provider.Provider, domain.ProviderRecord, error) {
	record, err := s.directory.Lookup(tenantID)
	if err != nil {
		if hint == "" {
			return nil, domain.ProviderRecord{}, err
		}
		record = domain.ProviderRecord{TenantID: tenantID}
	}
	if hint != "" {
		record.Kind = hint
	}

	p, err := s.providers.Get(record.Kind)
	if err != nil {
		return nil, domain.ProviderRecord{}, err
	}
	return p, record, nil
}

func (s *SessionService) InitializeSession(ctx context.Context, tenantID, phone string, hint domain.ProviderKind) (domain.SessionSnapshot, error) {
	key, err := domain.NewSessionKey(tenantID, phone)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	snap, _, err := s.initialize(ctx, key, hint)
	return snap, err
}

// initialize routes key to the provider already holding it, or picks one and
// creates the session there. The owner check and the creation happen under
// the key's lock so two providers never both hold the same key.
func (s *SessionService) initialize(ctx context.Context, key domain.SessionKey, hint domain.ProviderKind) (domain.SessionSnapshot, provider.Provider, error) {
	unlock := s.lockKey(key)
	defer unlock()

	if p, ok := s.owner(key); ok {
		record, _ := s.directory.Lookup(key.TenantID)
		snap, err := p.InitializeSession(ctx, key, record)
		return snap, p, err
	}

	p, record, err := s.resolve(key.TenantID, hint)
	if err != nil {
		return domain.SessionSnapshot{}, nil, err
	}
	snap, err := p.InitializeSession(ctx, key, record)
	return snap, p, err
}

func (s *SessionService) SendMessage(ctx context.Context, tenantID, phone string, msg domain.OutboundMessage) (domain.SendResult, error) {
	key, err := domain.NewSessionKey(tenantID, phone)
	if err != nil {
		return domain.SendResult{}, err
	}
	if err := msg.Validate(); err != nil {
		return domain.SendResult{}, err
	}

	p, ok := s.owner(key)
	if !ok {
		return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrSessionNotConnected, key)
	}

	switch msg.Kind {
	case domain.MessageKindText:
		return p.SendText(ctx, key, msg.To, msg.Text)
	case domain.MessageKindMedia:
		return p.SendMedia(ctx, key, msg.To, *msg.Media)
	default:
		return p.SendLocation(ctx, key, msg.To, *msg.Location)
	}
}

func (s *SessionService) GetStatus(tenantID, phone string) (domain.SessionSnapshot, bool) {
	key, err := domain.NewSessionKey(tenantID, phone)
	if err != nil {
		return domain.SessionSnapshot{}, false
	}
	p, ok := s.owner(key)
	if !ok {
		return domain.SessionSnapshot{}, false
	}
	return p.GetStatus(key)
}

// DisconnectSession logs the session out and reports whether it existed.
func (s *SessionService) DisconnectSession(ctx context.Context, tenantID, phone string) (bool, error) {
	key, err := domain.NewSessionKey(tenantID, phone)
	if err != nil {
		return false, err
	}
	p, ok := s.owner(key)
	if !ok {
		return false, nil
	}
	return p.DisconnectSession(ctx, key)
}

func (s *SessionService) ListSessions(tenantID string) []domain.SessionSnapshot {
	var out []domain.SessionSnapshot
	for _, p := range s.providers.All() {
		out = append(out, p.ListSessions(tenantID)...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.PhoneNumber < out[j].Key.PhoneNumber
	})
	return out
}

// RestoreSessions reconnects every session with stored credentials, routed
// through the tenant's current record. Failures are logged and skipped.
func (s *SessionService) RestoreSessions(ctx context.Context, lister SessionLister) (int, error) {
	keys, err := lister.List()
	if err != nil {
		return 0, err
	}

	var restored atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			log := s.logger.With().Str("session", key.ID()).Logger()
			snap, p, err := s.initialize(ctx, key, "")
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				if p == nil {
					log.Warn().Err(err).Msg("skipping stored session")
					return nil
				}
				log.Warn().Err(err).Msg("restore failed")
				return nil
			}
			restored.Add(1)
			log.Info().Str("state", snap.State.String()).Str("provider", string(p.Kind())).Msg("session restored")
			return nil
		})
	}
	err = g.Wait()
	return int(restored.Load()), err
}

func (s *SessionService) SupportedProviders() []domain.ProviderKind {
	return s.providers.SupportedTypes()
}

func (s *SessionService) Shutdown(ctx context.Context) error {
	return s.providers.Shutdown(ctx)
}
