package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

const reloadDebounce = 100 * time.Millisecond

type tenantFile struct {
	Tenants []tenantEntry `toml:"tenant"`
}

type tenantEntry struct {
	ID       string            `toml:"id"`
	Provider string            `toml:"provider"`
	Settings map[string]string `toml:"settings"`
}

// ProviderDirectory serves each tenant's provider record from a TOML file and
// picks up edits to that file while running. Tenants missing from the file
// get the default kind.
type ProviderDirectory struct {
	path        string
	defaultKind domain.ProviderKind
	logger      zerolog.Logger

	mu      sync.RWMutex
	records map[string]domain.ProviderRecord
}

func NewProviderDirectory(path string, defaultKind domain.ProviderKind, logger zerolog.Logger) (*ProviderDirectory, error) {
	d := &ProviderDirectory{
		path:        path,
		defaultKind: defaultKind,
		logger:      logger,
		records:     make(map[string]domain.ProviderRecord),
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Lookup returns the tenant's current record. Settings are copied so callers
// may keep the record across reloads.
func (d *ProviderDirectory) Lookup(tenantID string) (domain.ProviderRecord, error) {
	d.mu.RLock()
	rec, ok := d.records[tenantID]
	d.mu.RUnlock()

	if !ok {
		if d.defaultKind == "" {
			return domain.ProviderRecord{}, fmt.Errorf("%w: no provider configured for tenant %q", domain.ErrUnknownProvider, tenantID)
		}
		return domain.ProviderRecord{TenantID: tenantID, Kind: d.defaultKind}, nil
	}

	settings := make(map[string]string, len(rec.Settings))
	for k, v := range rec.Settings {
		settings[k] = v
	}
	rec.Settings = settings
	return rec, nil
}

func (d *ProviderDirectory) Records() []domain.ProviderRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.ProviderRecord, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Reload re-reads the file. A missing file yields an empty directory; a file
// that fails to parse leaves the previous records in place.
func (d *ProviderDirectory) Reload() error {
	if d.path == "" {
		return nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			d.records = make(map[string]domain.ProviderRecord)
			d.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read tenants file: %w", err)
	}

	records, err := parseTenantFile(data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.records = records
	d.mu.Unlock()
	return nil
}

func parseTenantFile(data []byte) (map[string]domain.ProviderRecord, error) {
	var file tenantFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file: %w", err)
	}

	records := make(map[string]domain.ProviderRecord, len(file.Tenants))
	for i, entry := range file.Tenants {
		if entry.ID == "" {
			return nil, fmt.Errorf("tenant entry %d: id is required", i)
		}
		if _, dup := records[entry.ID]; dup {
			return nil, fmt.Errorf("tenant %q: duplicate entry", entry.ID)
		}
		kind, err := domain.ParseProviderKind(entry.Provider)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", entry.ID, err)
		}
		records[entry.ID] = domain.ProviderRecord{
			TenantID: entry.ID,
			Kind:     kind,
			Settings: entry.Settings,
		}
	}
	return records, nil
}

// Watch reloads the directory whenever the file changes until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are seen.
func (d *ProviderDirectory) Watch(ctx context.Context) error {
	if d.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(d.path), err)
	}

	target := filepath.Clean(d.path)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn().Err(err).Str("path", d.path).Msg("tenants file watcher error")
		case <-debounce:
			debounce = nil
			if err := d.Reload(); err != nil {
				d.logger.Error().Err(err).Str("path", d.path).Msg("tenants file reload failed; keeping previous records")
				continue
			}
			d.logger.Info().Str("path", d.path).Int("tenants", d.count()).Msg("tenants file reloaded")
		}
	}
}

func (d *ProviderDirectory) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
