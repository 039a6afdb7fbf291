package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// LastUser is what is remembered about the previous login to a host.
// Credentials are never stored.
type LastUser struct {
	User     string    `yaml:"user"`
	AuthMode string    `yaml:"auth_mode,omitempty"`
	LastSeen time.Time `yaml:"last_seen"`
}

// LastUserStore is a YAML map of host to LastUser shared by every
// tethermux process of the user.
type LastUserStore struct {
	path string
	mu   sync.Mutex
}

func NewLastUserStore(path string) *LastUserStore {
	return &LastUserStore{path: path}
}

func hostKey(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// Get returns the entry for host, if any.
func (s *LastUserStore) Get(host string) (LastUser, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.lockFile()
	if err != nil {
		return LastUser{}, false, err
	}
	if err := lock.RLock(); err != nil {
		return LastUser{}, false, fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer lock.Unlock()

	entries, err := s.read()
	if err != nil {
		return LastUser{}, false, err
	}
	u, ok := entries[hostKey(host)]
	return u, ok, nil
}

// Put records user for host.
func (s *LastUserStore) Put(host string, u LastUser) error {
	if host == "" || u.User == "" {
		return errors.New("host and user are required")
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.lockFile()
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer lock.Unlock()

	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[hostKey(host)] = u

	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal last users: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, s.path)
}

// DefaultUser returns the remembered user for host or "".
func (s *LastUserStore) DefaultUser(host string) string {
	u, ok, err := s.Get(host)
	if err != nil || !ok {
		return ""
	}
	return u.User
}

func (s *LastUserStore) lockFile() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, err
	}
	return flock.New(s.path + ".lock"), nil
}

func (s *LastUserStore) read() (map[string]LastUser, error) {
	entries := map[string]LastUser{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if entries == nil {
		entries = map[string]LastUser{}
	}
	return entries, nil
}
