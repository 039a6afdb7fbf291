// Package config loads tethermux settings from ~/.tethermux/settings.yaml
// with TETHERMUX_* environment overrides, and remembers the last user per
// host.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tethermux/internal/login"
	"tethermux/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. TETHERMUX_DEFAULT_PORT.
const EnvPrefix = "TETHERMUX"

var ErrInvalidSettings = errors.New("invalid settings")

// Settings holds all application configuration. Zero values take defaults.
type Settings struct {
	// SSH defaults
	DefaultPort int `yaml:"default_port" envconfig:"DEFAULT_PORT"`

	// Connection
	ConnectTimeout     time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	ChannelOpenTimeout time.Duration `yaml:"channel_open_timeout" envconfig:"CHANNEL_OPEN_TIMEOUT"`
	MaxExecBuffer      int           `yaml:"max_exec_buffer" envconfig:"MAX_EXEC_BUFFER"`

	// Login
	LoggedAfter     int `yaml:"logged_after" envconfig:"LOGGED_AFTER"`
	MaxAuthAttempts int `yaml:"max_auth_attempts" envconfig:"MAX_AUTH_ATTEMPTS"`
	// LoginGrace is how long the front end waits, with no credential query
	// pending, before handing an undetected login over to the user.
	LoginGrace time.Duration `yaml:"login_grace" envconfig:"LOGIN_GRACE"`

	// Health. A negative sweep interval disables the sweeper.
	SweepInterval     time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	IdleProbeAfter    time.Duration `yaml:"idle_probe_after" envconfig:"IDLE_PROBE_AFTER"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" envconfig:"KEEPALIVE_INTERVAL"`

	// Host keys
	KnownHostsPath        string `yaml:"known_hosts_path" envconfig:"KNOWN_HOSTS_PATH"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key" envconfig:"INSECURE_IGNORE_HOST_KEY"`

	// Child terminal
	SSHBinary string `yaml:"ssh_binary" envconfig:"SSH_BINARY"`
	TermType  string `yaml:"term_type" envconfig:"TERM_TYPE"`
	Cols      int    `yaml:"cols" envconfig:"COLS"`
	Rows      int    `yaml:"rows" envconfig:"ROWS"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// DefaultSettings returns settings with every default filled in.
func DefaultSettings() *Settings {
	knownHosts := ""
	if home, err := os.UserHomeDir(); err == nil {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	return &Settings{
		DefaultPort:        22,
		ConnectTimeout:     30 * time.Second,
		ChannelOpenTimeout: 10 * time.Second,
		MaxExecBuffer:      session.DefaultMaxBuffer,
		LoggedAfter:        login.DefaultLimits().LoggedAfter,
		MaxAuthAttempts:    login.DefaultLimits().MaxAttempts,
		LoginGrace:         5 * time.Second,
		SweepInterval:      time.Minute,
		IdleProbeAfter:     5 * time.Minute,
		KeepaliveInterval:  time.Minute,
		KnownHostsPath:     knownHosts,
		SSHBinary:          "ssh",
		TermType:           "xterm-256color",
		Cols:               80,
		Rows:               24,
		LogLevel:           "info",
	}
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.DefaultPort == 0 {
		s.DefaultPort = d.DefaultPort
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.ChannelOpenTimeout == 0 {
		s.ChannelOpenTimeout = d.ChannelOpenTimeout
	}
	if s.MaxExecBuffer == 0 {
		s.MaxExecBuffer = d.MaxExecBuffer
	}
	if s.LoggedAfter == 0 {
		s.LoggedAfter = d.LoggedAfter
	}
	if s.MaxAuthAttempts == 0 {
		s.MaxAuthAttempts = d.MaxAuthAttempts
	}
	if s.LoginGrace == 0 {
		s.LoginGrace = d.LoginGrace
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = d.SweepInterval
	}
	if s.IdleProbeAfter == 0 {
		s.IdleProbeAfter = d.IdleProbeAfter
	}
	if s.KeepaliveInterval == 0 {
		s.KeepaliveInterval = d.KeepaliveInterval
	}
	if s.KnownHostsPath == "" && !s.InsecureIgnoreHostKey {
		s.KnownHostsPath = d.KnownHostsPath
	}
	if s.SSHBinary == "" {
		s.SSHBinary = d.SSHBinary
	}
	if s.TermType == "" {
		s.TermType = d.TermType
	}
	if s.Cols == 0 {
		s.Cols = d.Cols
	}
	if s.Rows == 0 {
		s.Rows = d.Rows
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
}

// Validate reports every out-of-range value at once.
func (s *Settings) Validate() error {
	var errs []error
	if s.DefaultPort < 1 || s.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("default_port %d out of range", s.DefaultPort))
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":      s.ConnectTimeout,
		"channel_open_timeout": s.ChannelOpenTimeout,
		"idle_probe_after":     s.IdleProbeAfter,
		"keepalive_interval":   s.KeepaliveInterval,
		"login_grace":          s.LoginGrace,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if s.MaxExecBuffer < 0 {
		errs = append(errs, errors.New("max_exec_buffer must not be negative"))
	}
	if s.LoggedAfter < 1 {
		errs = append(errs, errors.New("logged_after must be at least 1"))
	}
	if s.MaxAuthAttempts < 1 {
		errs = append(errs, errors.New("max_auth_attempts must be at least 1"))
	}
	if s.Cols < 1 || s.Rows < 1 {
		errs = append(errs, fmt.Errorf("terminal size %dx%d invalid", s.Cols, s.Rows))
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidSettings}, errs...)...)
}

// Load reads path, overlays environment overrides and fills defaults. A
// missing file is not an error.
func Load(path string) (*Settings, error) {
	s := &Settings{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.Debugf("config: no settings file at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, s); err != nil {
		return nil, fmt.Errorf("settings environment: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes s to path under a file lock.
func Save(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return writeLocked(path, data)
}

// writeLocked replaces path with data while holding path.lock.
func writeLocked(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	logrus.Debugf("config: saved %s", path)
	return nil
}

// SessionConfig maps the connection settings onto the engine config.
func (s *Settings) SessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:        s.ConnectTimeout,
		ChannelOpenTimeout:    s.ChannelOpenTimeout,
		KnownHostsPath:        s.KnownHostsPath,
		InsecureIgnoreHostKey: s.InsecureIgnoreHostKey,
	}
}

func (s *Settings) LoginLimits() login.Limits {
	return login.Limits{LoggedAfter: s.LoggedAfter, MaxAttempts: s.MaxAuthAttempts}
}

// Level is the parsed log level; Validate guarantees it parses.
func (s *Settings) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
