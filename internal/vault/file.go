package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSuffix is appended to the session id to name its vault file.
const FileSuffix = ".vault.json"

// FileStore keeps one JSON file per session under a directory. Writes go
// through a temp file, fsync and rename, so a crash leaves either the old or
// the new file. It serialises writers within one process only; concurrent
// processes should use the redis or postgres backend.
type FileStore struct {
	dir    string
	sealer *sealer

	mu sync.Mutex
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPassphrase encrypts vault files at rest with AES-256-GCM under a key
// derived from passphrase by argon2id.
func WithPassphrase(passphrase string) FileOption {
	return func(s *FileStore) {
		s.sealer = newSealer(passphrase)
	}
}

// NewFileStore creates dir with owner-only permissions if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	s := &FileStore{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the vault directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file a session is stored in.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+FileSuffix)
}

// record is the on-disk entry shape. masked_value is accepted for files
// written by older tools and must equal its key.
type record struct {
	OriginalValue *string `json:"original_value"`
	CreatedAt     string  `json:"created_at"`
	MaskedValue   string  `json:"masked_value,omitempty"`
}

func (s *FileStore) Load(ctx context.Context, id string) (map[string]Entry, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (map[string]Entry, error) {
	data, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &SessionError{ID: id, Err: ErrVaultNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	return s.decode(id, data)
}

func (s *FileStore) decode(id string, data []byte) (map[string]Entry, error) {
	if isEnvelope(data) {
		if s.sealer == nil {
			return nil, corrupt(id, "vault is encrypted and no passphrase is configured")
		}
		plain, err := s.sealer.open(data)
		if err != nil {
			return nil, &SessionError{ID: id, Err: err}
		}
		data = plain
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw map[string]record
	if err := dec.Decode(&raw); err != nil {
		return nil, corrupt(id, "%v", err)
	}
	if raw == nil {
		return nil, corrupt(id, "vault root must be an object")
	}

	out := make(map[string]Entry, len(raw))
	for key, r := range raw {
		if r.OriginalValue == nil {
			return nil, corrupt(id, "placeholder %q has no original_value", key)
		}
		if r.MaskedValue != "" && r.MaskedValue != key {
			return nil, corrupt(id, "masked_value %q does not match key %q", r.MaskedValue, key)
		}
		created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
		if err != nil {
			return nil, corrupt(id, "placeholder %q has bad created_at: %v", key, err)
		}
		e := Entry{Placeholder: key, OriginalValue: *r.OriginalValue, CreatedAt: created}
		if err := validateEntry(id, key, e); err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

func (s *FileStore) Append(ctx context.Context, id string, entries []Entry) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(id)
	if errors.Is(err, ErrVaultNotFound) {
		existing = make(map[string]Entry)
	} else if err != nil {
		return err
	}

	added, err := mergeEntries(id, existing, entries)
	if err != nil {
		return err
	}
	if len(added) == 0 {
		return nil
	}
	return s.write(id, existing)
}

func (s *FileStore) write(id string, entries map[string]Entry) error {
	raw := make(map[string]record, len(entries))
	for key, e := range entries {
		v := e.OriginalValue
		raw[key] = record{OriginalValue: &v, CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano)}
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode vault: %w", err)
	}
	if s.sealer != nil {
		if data, err = s.sealer.seal(data); err != nil {
			return fmt.Errorf("failed to encrypt vault: %w", err)
		}
	}
	return writeFileAtomic(s.Path(id), data, 0o600)
}

func (s *FileStore) Stat(ctx context.Context, id string) (SessionInfo, error) {
	if err := ValidateSessionID(id); err != nil {
		return SessionInfo{}, err
	}
	fi, err := os.Stat(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return SessionInfo{}, &SessionError{ID: id, Err: ErrVaultNotFound}
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to stat vault: %w", err)
	}
	info := SessionInfo{ID: id, SizeBytes: fi.Size(), UpdatedAt: fi.ModTime().UTC()}
	entries, err := s.Load(ctx, id)
	if err != nil {
		info.Err = err.Error()
		return info, nil
	}
	info.Entries = len(entries)
	return info, nil
}

func (s *FileStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault directory: %w", err)
	}
	var out []SessionInfo
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, FileSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, FileSuffix)
		if ValidateSessionID(id) != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := s.Stat(ctx, id)
		if err != nil {
			info = SessionInfo{ID: id, Err: err.Error()}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic replaces path with data via a synced temp file in the same
// directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
