package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reaje/whatsapp-microservice/internal/domain"
	"github.com/reaje/whatsapp-microservice/internal/testutil/testlog"
)

const tenantsTOML = `
[[tenant]]
id = "acme"
provider = "embedded"

[[tenant]]
id = "globex"
provider = "business-api"

[tenant.settings]
phone_number_id = "1098765"
access_token = "secret"
`

func writeTenants(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".new"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestProviderDirectory_Lookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.toml")
	writeTenants(t, path, tenantsTOML)

	dir, err := NewProviderDirectory(path, domain.ProviderEmbedded, zerolog.Nop())
	require.NoError(t, err)

	rec, err := dir.Lookup("globex")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderBusinessAPI, rec.Kind)
	assert.Equal(t, "1098765", rec.Setting("phone_number_id"))

	rec.Settings["phone_number_id"] = "mutated"
	again, err := dir.Lookup("globex")
	require.NoError(t, err)
	assert.Equal(t, "1098765", again.Setting("phone_number_id"))

	rec, err = dir.Lookup("unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderEmbedded, rec.Kind)
	assert.Equal(t, "unknown", rec.TenantID)

	assert.Len(t, dir.Records(), 2)
	assert.Equal(t, "acme", dir.Records()[0].TenantID)
}

func TestProviderDirectory_NoDefaultKind(t *testing.T) {
	dir, err := NewProviderDirectory(filepath.Join(t.TempDir(), "missing.toml"), "", zerolog.Nop())
	require.NoError(t, err)

	_, err = dir.Lookup("acme")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestProviderDirectory_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.toml")

	cases := map[string]string{
		"syntax":    "[[tenant]\nid=",
		"no id":     "[[tenant]]\nprovider = \"embedded\"\n",
		"bad kind":  "[[tenant]]\nid = \"a\"\nprovider = \"carrier-pigeon\"\n",
		"duplicate": "[[tenant]]\nid = \"a\"\nprovider = \"embedded\"\n[[tenant]]\nid = \"a\"\nprovider = \"embedded\"\n",
	}
	for name, content := range cases {
		writeTenants(t, path, content)
		_, err := NewProviderDirectory(path, domain.ProviderEmbedded, zerolog.Nop())
		assert.Error(t, err, name)
	}
}

func TestProviderDirectory_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.toml")
	writeTenants(t, path, tenantsTOML)

	dir, err := NewProviderDirectory(path, domain.ProviderEmbedded, testlog.New(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dir.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)

	writeTenants(t, path, "[[tenant]]\nid = \"acme\"\nprovider = \"business_api\"\n")

	require.Eventually(t, func() bool {
		rec, err := dir.Lookup("acme")
		return err == nil && rec.Kind == domain.ProviderBusinessAPI
	}, 3*time.Second, 20*time.Millisecond)

	// A broken edit keeps the last good records.
	writeTenants(t, path, "[[tenant]\n")
	time.Sleep(300 * time.Millisecond)
	rec, err := dir.Lookup("acme")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderBusinessAPI, rec.Kind)
}
