package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDataDir is the directory under $HOME holding the registry.
	DefaultDataDir = ".remote-terminal"
	// ConfigFileName is the registry file inside the data directory.
	ConfigFileName = "config.yaml"

	lockRetries    = 3
	lockRetryDelay = 50 * time.Millisecond
)

// ErrLocked is returned when the advisory lock could not be acquired
// after all retries.
var ErrLocked = errors.New("config file is locked by another process")

// Store reads and writes the YAML registry. The file is the single
// source of truth: every operation re-reads it, nothing is cached.
type Store struct {
	path   string
	logger *zap.Logger
}

// DefaultPath returns ~/.remote-terminal/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDataDir, ConfigFileName), nil
}

// NewStore creates a store over the given file path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the registry. A missing or unparsable file yields an empty
// registry; read paths never mutate the file.
func (s *Store) Load() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	reg := NewRegistry()
	if err := yaml.Unmarshal(data, reg); err != nil {
		s.logger.Warn("config file is unparsable, treating as empty",
			zap.String("path", s.path), zap.Error(err))
		return NewRegistry(), nil
	}
	if reg.Servers == nil {
		reg.Servers = map[string]*ServerConfig{}
	}
	for name, server := range reg.Servers {
		if server == nil {
			delete(reg.Servers, name)
			continue
		}
		if server.Name == "" {
			server.Name = name
		}
		server.Normalize()
	}
	return reg, nil
}

// Get returns one server record by name.
func (s *Store) Get(name string) (*ServerConfig, bool, error) {
	reg, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	server, ok := reg.Servers[name]
	return server, ok, nil
}

// EnsureExists seeds the file with the example-server placeholder if and
// only if the file does not exist. An existing file, even one holding an
// empty mapping, is never touched.
func (s *Store) EnsureExists() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	reg := NewRegistry()
	example := ExampleServer()
	reg.Servers[example.Name] = example

	s.logger.Info("creating initial config file", zap.String("path", s.path))
	return s.Save(reg, false)
}

// Save writes the registry. With merge=true the current file is re-read
// and new server records replace existing ones key by key; records not
// mentioned survive untouched. The write goes through a same-directory
// temp file, fsync, and an atomic rename, then the result is re-read and
// verified to contain every saved key.
func (s *Store) Save(reg *Registry, merge bool) error {
	lock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return s.saveLocked(reg, merge)
}

// saveLocked does the actual read-merge-write. The caller must hold the
// advisory lock for the whole call.
func (s *Store) saveLocked(reg *Registry, merge bool) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	final := reg
	if merge {
		current, err := s.Load()
		if err != nil {
			return err
		}
		for name, server := range reg.Servers {
			current.Servers[name] = server
		}
		if reg.GlobalSettings != nil {
			current.GlobalSettings = reg.GlobalSettings
		}
		final = current
	}

	data, err := yaml.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + "." + uuid.NewString() + ".tmp"
	if err := s.writeAndSync(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config into place: %w", err)
	}

	// Verify the keys we just wrote are actually on disk.
	persisted, err := s.Load()
	if err != nil {
		return fmt.Errorf("re-read config after save: %w", err)
	}
	for name := range reg.Servers {
		if _, ok := persisted.Servers[name]; !ok {
			return fmt.Errorf("config save verification failed: server %q missing after write", name)
		}
	}
	return nil
}

// Delete removes a server record. It reports whether the record existed;
// deleting an absent record is not an error.
func (s *Store) Delete(name string) (bool, error) {
	lock, err := s.acquireLock()
	if err != nil {
		return false, err
	}
	defer func() {
		_ = lock.Unlock()
	}()

	current, err := s.Load()
	if err != nil {
		return false, err
	}
	_, existed := current.Servers[name]
	if !existed {
		return false, nil
	}
	delete(current.Servers, name)

	// The lock must span the whole read-modify-write: a writer slipping in
	// between the read above and the write below would be overwritten with
	// the pre-delete snapshot.
	if err := s.saveLocked(current, false); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	return nil
}

func (s *Store) acquireLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	lock := flock.New(s.path + ".lock")
	for attempt := 0; attempt < lockRetries; attempt++ {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire config lock: %w", err)
		}
		if ok {
			return lock, nil
		}
		time.Sleep(lockRetryDelay)
	}
	s.logger.Warn("config lock contention", zap.String("path", s.path))
	return nil, ErrLocked
}
