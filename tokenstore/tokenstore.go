// Package tokenstore persists the two pieces of session material that survive a
// restart: the first-party bearer credential and the serialized federated
// session. It holds no logic beyond get/set/clear; an empty value means absent.
package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/onnwee/stampede/client/crypto"
	"github.com/onnwee/stampede/client/db"
)

// Key names one independently settable value.
type Key string

const (
	KeyCredential Key = "credential"
	KeyFederated  Key = "federated_session"
)

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, key Key) (string, error)
	Set(ctx context.Context, key Key, value string) error
	Clear(ctx context.Context, key Key) error
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[Key]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]string)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *MemoryStore) Set(_ context.Context, key Key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.values, key)
		return nil
	}
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileStore keeps values in one JSON document, rewritten atomically on every change.
// With an encryptor set, each value is sealed before it reaches disk.
type FileStore struct {
	path string
	enc  crypto.Encryptor

	mu sync.Mutex
}

// NewFileStore stores values in dir/session.json. enc may be nil.
func NewFileStore(dir string, enc crypto.Encryptor) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "session.json"), enc: enc}, nil
}

func (f *FileStore) Get(_ context.Context, key Key) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", err
	}
	v := values[key]
	if v == "" || f.enc == nil || !crypto.IsSealed(v) {
		return v, nil
	}
	return crypto.DecryptString(f.enc, v)
}

func (f *FileStore) Set(_ context.Context, key Key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	if value == "" {
		delete(values, key)
		return f.save(values)
	}
	if f.enc != nil {
		if value, err = crypto.EncryptString(f.enc, value); err != nil {
			return fmt.Errorf("encrypt %s: %w", key, err)
		}
	}
	values[key] = value
	return f.save(values)
}

func (f *FileStore) Clear(ctx context.Context, key Key) error {
	return f.Set(ctx, key, "")
}

func (f *FileStore) load() (map[Key]string, error) {
	values := make(map[Key]string)
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(b) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return values, nil
}

func (f *FileStore) save(values map[Key]string) error {
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// DBStore keeps values in the Postgres session_store table.
type DBStore struct{ DB *sql.DB }

func (d *DBStore) Get(ctx context.Context, key Key) (string, error) {
	v, _, err := db.GetSessionValue(ctx, d.DB, string(key))
	return v, err
}

func (d *DBStore) Set(ctx context.Context, key Key, value string) error {
	if value == "" {
		return d.Clear(ctx, key)
	}
	return db.PutSessionValue(ctx, d.DB, string(key), value)
}

func (d *DBStore) Clear(ctx context.Context, key Key) error {
	return db.DeleteSessionValue(ctx, d.DB, string(key))
}
