// Package embedded is the provider backed by the self-hosted protocol client,
// either the supervised bridge runtime or the in-process client.
package embedded

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/provider"
	"github.com/reaje/whatsapp-microservice/internal/session"
)

const (
	DefaultSendRate  = rate.Limit(1)
	DefaultSendBurst = 5
)

type Options struct {
	// Availability gates new sessions, typically the supervisor's health.
	// Nil means always available.
	Availability func() error
	SendRate     rate.Limit
	SendBurst    int
}

type Provider struct {
	provider.Base

	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[domain.SessionKey]*rate.Limiter
}

var _ provider.Provider = (*Provider)(nil)

func New(sessions *session.Manager, opts Options) *Provider {
	if opts.SendRate <= 0 {
		opts.SendRate = DefaultSendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = DefaultSendBurst
	}

	p := &Provider{
		rate:     opts.SendRate,
		burst:    opts.SendBurst,
		limiters: make(map[domain.SessionKey]*rate.Limiter),
	}
	p.Base = provider.Base{
		Sessions: sessions,
		SendGate: p.waitSendBudget,
	}
	if opts.Availability != nil {
		available := opts.Availability
		p.InitGate = func(context.Context, domain.SessionKey) error {
			return available()
		}
	}
	return p
}

func (p *Provider) limiter(key domain.SessionKey) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.rate, p.burst)
		p.limiters[key] = l
	}
	return l
}

func (p *Provider) waitSendBudget(ctx context.Context, key domain.SessionKey) error {
	return p.limiter(key).Wait(ctx)
}

func (p *Provider) DisconnectSession(ctx context.Context, key domain.SessionKey) (bool, error) {
	found, err := p.Base.DisconnectSession(ctx, key)

	p.mu.Lock()
	delete(p.limiters, key)
	p.mu.Unlock()

	return found, err
}
