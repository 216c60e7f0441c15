package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/reaje/whatsapp-microservice/internal/domain"
)

var (
	ErrInvalidBlobName   = errors.New("invalid credential blob name")
	ErrSymlinkNotAllowed = errors.New("symlinks not allowed in credential directories")
	ErrBlobTooLarge      = errors.New("credential blob too large")
)

const (
	maxBlobSize = 4 * 1024 * 1024
	ownerFile   = "owner.json"
	lockStripes = 64
)

var blobNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// CredentialStore persists per-session key material. Blobs are opaque; the
// store never interprets them.
type CredentialStore interface {
	Load(key domain.SessionKey) (domain.Credentials, error)
	Save(key domain.SessionKey, creds domain.Credentials) error
	Delete(key domain.SessionKey) error
}

type ownerData struct {
	TenantID    string `json:"tenant_id"`
	PhoneNumber string `json:"phone_number"`
}

// FileCredentialStore keeps each session's blobs in a directory named by the
// SHA-256 of its key, one file per blob.
type FileCredentialStore struct {
	baseDir string
	locks   [lockStripes]sync.Mutex
}

func NewFileCredentialStore(baseDir string) (*FileCredentialStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	info, err := os.Stat(baseDir)
	if err == nil && info.Mode().Perm()&0o077 != 0 {
		_ = os.Chmod(baseDir, 0o700)
	}

	return &FileCredentialStore{baseDir: baseDir}, nil
}

func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wasession"
	}
	return filepath.Join(home, ".wasession")
}

func digest(key domain.SessionKey) string {
	sum := sha256.Sum256([]byte(key.TenantID + "\x00" + key.PhoneNumber))
	return hex.EncodeToString(sum[:])
}

func (s *FileCredentialStore) sessionDir(key domain.SessionKey) string {
	return filepath.Join(s.baseDir, digest(key))
}

func (s *FileCredentialStore) lockFor(key domain.SessionKey) *sync.Mutex {
	sum := sha256.Sum256([]byte(key.TenantID + "\x00" + key.PhoneNumber))
	return &s.locks[int(sum[0])%lockStripes]
}

func validateBlobName(name string) error {
	if name == ownerFile || !blobNameRegex.MatchString(name) || strings.HasSuffix(name, ".tmp") {
		return fmt.Errorf("%w: %q", ErrInvalidBlobName, name)
	}
	return nil
}

// Load returns every blob stored for key, or an empty set when the session
// has never saved credentials.
func (s *FileCredentialStore) Load(key domain.SessionKey) (domain.Credentials, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	dir := s.sessionDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Credentials{}, nil
		}
		return nil, domain.NewCredentialIOError("load", key, err)
	}

	creds := make(domain.Credentials, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == ownerFile || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			return nil, domain.NewCredentialIOError("load", key, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, name))
		}
		if validateBlobName(name) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, domain.NewCredentialIOError("load", key, err)
		}
		if info.Size() > maxBlobSize {
			return nil, domain.NewCredentialIOError("load", key, fmt.Errorf("%w: %s", ErrBlobTooLarge, name))
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, domain.NewCredentialIOError("load", key, err)
		}
		creds[name] = data
	}
	return creds, nil
}

// Save merges creds into the stored set: every named blob is written durably
// and a nil blob removes that name. Save returns only after data and
// directory entries are synced.
func (s *FileCredentialStore) Save(key domain.SessionKey, creds domain.Credentials) error {
	if err := key.Validate(); err != nil {
		return err
	}
	names := make([]string, 0, len(creds))
	for name, blob := range creds {
		if err := validateBlobName(name); err != nil {
			return err
		}
		if len(blob) > maxBlobSize {
			return fmt.Errorf("%w: %s", ErrBlobTooLarge, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	dir, err := s.ensureDirLocked(key)
	if err != nil {
		return domain.NewCredentialIOError("save", key, err)
	}

	for _, name := range names {
		blob := creds[name]
		path := filepath.Join(dir, name)
		if blob == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return domain.NewCredentialIOError("save", key, err)
			}
			continue
		}
		if err := writeFileAtomic(dir, name, blob); err != nil {
			return domain.NewCredentialIOError("save", key, err)
		}
	}

	if err := syncDir(dir); err != nil {
		return domain.NewCredentialIOError("save", key, err)
	}
	return nil
}

// Delete removes all persisted material for key. A missing directory is not
// an error.
func (s *FileCredentialStore) Delete(key domain.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.RemoveAll(s.sessionDir(key)); err != nil {
		return domain.NewCredentialIOError("delete", key, err)
	}
	if err := syncDir(s.baseDir); err != nil && !os.IsNotExist(err) {
		return domain.NewCredentialIOError("delete", key, err)
	}
	return nil
}

// Dir returns (and creates) the session's directory for transports that keep
// their own on-disk store next to the blobs. Delete removes it with the rest.
func (s *FileCredentialStore) Dir(key domain.SessionKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	dir, err := s.ensureDirLocked(key)
	if err != nil {
		return "", domain.NewCredentialIOError("dir", key, err)
	}
	return dir, nil
}

// List returns the keys of every session that has a credential directory.
// Directories without a readable owner file are skipped.
func (s *FileCredentialStore) List() ([]domain.SessionKey, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list credentials directory: %w", err)
	}

	keys := make([]domain.SessionKey, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name(), ownerFile))
		if err != nil {
			continue
		}
		var owner ownerData
		if err := json.Unmarshal(data, &owner); err != nil {
			continue
		}
		key := domain.SessionKey{TenantID: owner.TenantID, PhoneNumber: owner.PhoneNumber}
		if key.Validate() != nil || digest(key) != entry.Name() {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID() < keys[j].ID() })
	return keys, nil
}

func (s *FileCredentialStore) ensureDirLocked(key domain.SessionKey) (string, error) {
	dir := s.sessionDir(key)
	info, err := os.Lstat(dir)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		return "", ErrSymlinkNotAllowed
	case err == nil:
		return dir, nil
	case !os.IsNotExist(err):
		return "", err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	owner, err := json.Marshal(ownerData{TenantID: key.TenantID, PhoneNumber: key.PhoneNumber})
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(dir, ownerFile, owner); err != nil {
		return "", err
	}
	if err := syncDir(s.baseDir); err != nil {
		return "", err
	}
	return dir, nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	f, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = os.Remove(tmpName)
		return err
	}
	f = nil

	return os.Rename(tmpName, filepath.Join(dir, name))
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	return df.Sync()
}
