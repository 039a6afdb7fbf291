package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsMu serializes known_hosts reads and appends in this process.
var knownHostsMu sync.Mutex

// buildHostKeyCallback verifies host keys against known_hosts. Unknown hosts
// are appended on first contact; a changed key is rejected.
func buildHostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.HostKeyCallback != nil {
		return cfg.HostKeyCallback, nil
	}

	if cfg.InsecureIgnoreKey() {
		logrus.Warn("ssh: host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := expandHome(cfg.KnownHostsPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create known_hosts directory: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}

	kh := &knownHosts{path: path}
	knownHostsMu.Lock()
	err := kh.reload()
	knownHostsMu.Unlock()
	if err != nil {
		return nil, err
	}
	return kh.check, nil
}

// knownHosts is a known_hosts file whose parsed view is refreshed whenever
// a key is added, so a host first seen by this process is pinned for every
// later handshake.
type knownHosts struct {
	path     string
	callback ssh.HostKeyCallback
}

func (k *knownHosts) reload() error {
	callback, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}
	k.callback = callback
	return nil
}

func (k *knownHosts) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	err := k.callback(hostname, remote, key)
	if !isUnknownHost(err) {
		return err
	}
	// another engine may have recorded the host since the last load
	if err := k.reload(); err != nil {
		return err
	}
	if err := k.callback(hostname, remote, key); !isUnknownHost(err) {
		return err
	}

	logrus.WithField("host", hostname).Infof("ssh: adding %s host key to %s", key.Type(), k.path)
	if err := appendKnownHost(k.path, hostname, remote, key); err != nil {
		return err
	}
	return k.reload()
}

func isUnknownHost(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) == 0
}

// appendKnownHost must be called with knownHostsMu held.
func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addrs[0] {
			addrs = append(addrs, r)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, knownhosts.Line(addrs, key)); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}
