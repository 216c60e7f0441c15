// Package businessapi is the provider backed by the hosted business messaging
// API. Sessions never pair; the tenant's provider record carries the phone
// number id and access token.
package businessapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/provider"
	"github.com/reaje/whatsapp-microservice/internal/provider/circuit"
	"github.com/reaje/whatsapp-microservice/internal/session"
	"github.com/reaje/whatsapp-microservice/internal/storage"
)

// Provider record settings.
const (
	SettingPhoneNumberID = "phone_number_id"
	SettingAccessToken   = "access_token"
)

const (
	DefaultBaseURL          = "https://graph.facebook.com"
	DefaultAPIVersion       = "v21.0"
	DefaultTimeout          = 30 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

type Config struct {
	BaseURL          string
	APIVersion       string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client

	Credentials storage.CredentialStore
	Notifier    session.Notifier
	Logger      zerolog.Logger
	Reconnect   session.ReconnectPolicy
	PairingWait time.Duration
}

type Provider struct {
	provider.Base

	breaker *circuit.Breaker

	mu       sync.RWMutex
	accounts map[domain.SessionKey]Account
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	p := &Provider{
		breaker:  circuit.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		accounts: make(map[domain.SessionKey]Account),
	}
	logger := cfg.Logger.With().Str("component", "business_api").Logger()
	d := &dialer{
		client: &client{
			base:    strings.TrimRight(cfg.BaseURL, "/"),
			version: cfg.APIVersion,
			http:    httpClient,
			breaker: p.breaker,
		},
		accounts: p,
		logger:   logger,
	}

	p.Base = provider.Base{
		Sessions: session.NewManager(session.Config{
			Provider:    domain.ProviderBusinessAPI,
			Dialer:      d,
			Credentials: cfg.Credentials,
			Notifier:    cfg.Notifier,
			Logger:      cfg.Logger,
			Reconnect:   cfg.Reconnect,
			PairingWait: cfg.PairingWait,
			DialTimeout: cfg.Timeout,
		}),
		InitGate: p.breakerGate,
	}
	return p
}

func (p *Provider) Account(key domain.SessionKey) (Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[key]
	return a, ok
}

func (p *Provider) breakerGate(context.Context, domain.SessionKey) error {
	if err := p.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}

// InitializeSession records the account from the tenant's provider record
// before the session dials with it.
func (p *Provider) InitializeSession(ctx context.Context, key domain.SessionKey, record domain.ProviderRecord) (domain.SessionSnapshot, error) {
	acct := Account{
		PhoneNumberID: record.Setting(SettingPhoneNumberID),
		AccessToken:   record.Setting(SettingAccessToken),
	}
	if acct.PhoneNumberID == "" || acct.AccessToken == "" {
		if _, ok := p.Account(key); !ok {
			return domain.SessionSnapshot{}, fmt.Errorf("%w: tenant %s has no %s/%s settings",
				domain.ErrProviderUnavailable, key.TenantID, SettingPhoneNumberID, SettingAccessToken)
		}
	} else {
		p.mu.Lock()
		p.accounts[key] = acct
		p.mu.Unlock()
	}
	return p.Base.InitializeSession(ctx, key, record)
}

func (p *Provider) DisconnectSession(ctx context.Context, key domain.SessionKey) (bool, error) {
	found, err := p.Base.DisconnectSession(ctx, key)
	p.mu.Lock()
	delete(p.accounts, key)
	p.mu.Unlock()
	return found, err
}

// BreakerOpen reports whether upstream failures have tripped the breaker.
func (p *Provider) BreakerOpen() bool {
	return p.breaker.IsOpen()
}
