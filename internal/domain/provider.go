package domain

import (
	"fmt"
	"strings"
)

type ProviderKind string

const (
	ProviderEmbedded    ProviderKind = "embedded"
	ProviderBusinessAPI ProviderKind = "business_api"
)

func ParseProviderKind(raw string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "embedded", "embedded_client", "embeddedclient":
		return ProviderEmbedded, nil
	case "business_api", "businessapi", "business-api":
		return ProviderBusinessAPI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
}

// ProviderRecord is the tenant's provider preference, owned by the tenant
// configuration collaborator.
type ProviderRecord struct {
	TenantID string
	Kind     ProviderKind
	Settings map[string]string
}

func (r ProviderRecord) Setting(name string) string {
	if r.Settings == nil {
		return ""
	}
	return r.Settings[name]
}

// Credentials are named opaque key blobs defined by the transport protocol.
type Credentials map[string][]byte

func (c Credentials) Empty() bool {
	return len(c) == 0
}

func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for name, blob := range c {
		if blob == nil {
			out[name] = nil
			continue
		}
		cp := make([]byte, len(blob))
		copy(cp, blob)
		out[name] = cp
	}
	return out
}
