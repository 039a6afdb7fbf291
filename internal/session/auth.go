package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// AuthMode selects how a connection authenticates.
type AuthMode int

const (
	// AuthPrompt asks the user for the password on every connect.
	AuthPrompt AuthMode = iota
	// AuthStored uses a password supplied with the connection.
	AuthStored
	// AuthKey uses public key authentication only.
	AuthKey
)

func (m AuthMode) String() string {
	switch m {
	case AuthStored:
		return "stored"
	case AuthKey:
		return "key"
	default:
		return "prompt"
	}
}

// PasswordBased reports whether the mode authenticates with a password.
func (m AuthMode) PasswordBased() bool {
	return m == AuthPrompt || m == AuthStored
}

// ParseAuthMode accepts the names written by String plus a few aliases.
func ParseAuthMode(s string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prompt", "ask", "keyboard-interactive":
		return AuthPrompt, nil
	case "stored", "password":
		return AuthStored, nil
	case "key", "publickey", "public_key":
		return AuthKey, nil
	default:
		return AuthPrompt, fmt.Errorf("unknown auth mode %q", s)
	}
}

// AuthRequest describes one login attempt. It is never persisted.
type AuthRequest struct {
	Host         string
	User         string
	Port         int
	Mode         AuthMode
	Password     []byte
	IdentityFile string
	Passphrase   []byte
}

var ErrInvalidRequest = errors.New("invalid auth request")

// Validate checks the fields every handshake needs.
func (r AuthRequest) Validate() error {
	var errs []error
	if r.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if r.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if r.Port < 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", r.Port))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidRequest}, errs...)...)
	}
	return nil
}

func (r AuthRequest) withDefaults() AuthRequest {
	if r.Port == 0 {
		r.Port = 22
	}
	r.IdentityFile = expandHome(r.IdentityFile)
	return r
}

func (r AuthRequest) key() nodeKey {
	return nodeKey{host: r.Host, user: r.User}
}

// Config carries the engine and channel tunables.
type Config struct {
	ConnectTimeout        time.Duration
	ChannelOpenTimeout    time.Duration
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	// HostKeyCallback overrides known_hosts verification when set.
	HostKeyCallback ssh.HostKeyCallback
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		ConnectTimeout:     30 * time.Second,
		ChannelOpenTimeout: 10 * time.Second,
		KnownHostsPath:     filepath.Join(homeDir, ".ssh", "known_hosts"),
	}
}

// InsecureIgnoreKey reports whether host key checks are switched off. Only
// the explicit flag does that.
func (c Config) InsecureIgnoreKey() bool {
	return c.InsecureIgnoreHostKey
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ChannelOpenTimeout <= 0 {
		c.ChannelOpenTimeout = d.ChannelOpenTimeout
	}
	if c.KnownHostsPath == "" {
		c.KnownHostsPath = d.KnownHostsPath
	}
	return c
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
