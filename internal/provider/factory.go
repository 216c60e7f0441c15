package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

// Registry holds one Provider per kind.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.ProviderKind]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[domain.ProviderKind]Provider),
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

func (r *Registry) Get(kind domain.ProviderKind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, kind)
	}
	return p, nil
}

// All returns the providers ordered by kind.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

func (r *Registry) SupportedTypes() []domain.ProviderKind {
	all := r.All()
	kinds := make([]domain.ProviderKind, len(all))
	for i, p := range all {
		kinds[i] = p.Kind()
	}
	return kinds
}

// Shutdown stops every provider in parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range r.All() {
		g.Go(func() error {
			return p.Shutdown(ctx)
		})
	}
	return g.Wait()
}

// Unavailable stands in for a provider that could not be configured. Every
// session-creating call fails with ErrProviderUnavailable.
type Unavailable struct {
	kind   domain.ProviderKind
	reason string
}

func NewUnavailable(kind domain.ProviderKind, reason string) *Unavailable {
	return &Unavailable{kind: kind, reason: reason}
}

func (u *Unavailable) Kind() domain.ProviderKind { return u.kind }

func (u *Unavailable) err() error {
	return fmt.Errorf("%w: %s provider disabled: %s", domain.ErrProviderUnavailable, u.kind, u.reason)
}

func (u *Unavailable) InitializeSession(context.Context, domain.SessionKey, domain.ProviderRecord) (domain.SessionSnapshot, error) {
	return domain.SessionSnapshot{}, u.err()
}

func (u *Unavailable) SendText(context.Context, domain.SessionKey, string, string) (domain.SendResult, error) {
	return domain.SendResult{}, errors.Join(domain.ErrSessionNotConnected, u.err())
}

func (u *Unavailable) SendMedia(context.Context, domain.SessionKey, string, domain.MediaPayload) (domain.SendResult, error) {
	return domain.SendResult{}, errors.Join(domain.ErrSessionNotConnected, u.err())
}

func (u *Unavailable) SendLocation(context.Context, domain.SessionKey, string, domain.LocationPayload) (domain.SendResult, error) {
	return domain.SendResult{}, errors.Join(domain.ErrSessionNotConnected, u.err())
}

func (u *Unavailable) GetStatus(domain.SessionKey) (domain.SessionSnapshot, bool) {
	return domain.SessionSnapshot{}, false
}

func (u *Unavailable) DisconnectSession(context.Context, domain.SessionKey) (bool, error) {
	return false, nil
}

func (u *Unavailable) ListSessions(string) []domain.SessionSnapshot { return nil }

func (u *Unavailable) HasSession(domain.SessionKey) bool { return false }

func (u *Unavailable) Shutdown(context.Context) error { return nil }
