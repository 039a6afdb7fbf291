package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// PassphraseFunc is asked for the passphrase of an encrypted identity file.
// Returning cancelled aborts the attempt.
type PassphraseFunc func(path string) (passphrase []byte, cancelled bool)

var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// keySigners collects the signers offered in the single publickey attempt:
// the configured identity file, else the agent, else the default key files.
// The returned closer releases the agent connection.
func keySigners(req AuthRequest, ask PassphraseFunc) ([]ssh.Signer, func(), error) {
	noop := func() {}

	if req.IdentityFile != "" {
		signer, err := loadIdentity(req.IdentityFile, req.Passphrase, ask)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.Signer{signer}, noop, nil
	}

	if signers, closer := agentSigners(); len(signers) > 0 {
		return signers, closer, nil
	}

	homeDir, _ := os.UserHomeDir()
	var signers []ssh.Signer
	for _, name := range defaultIdentityFiles {
		path := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		signer, err := loadIdentity(path, req.Passphrase, nil)
		if err != nil {
			logrus.Debugf("ssh: skipping %s: %v", path, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, noop, errors.New("no identity file, agent key or default key available")
	}
	return signers, noop, nil
}

func loadIdentity(path string, passphrase []byte, ask PassphraseFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	defer clear(data)

	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", path, err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && ask != nil {
		pass, cancelled := ask(path)
		defer clear(pass)
		if cancelled {
			return nil, newError(KindUserCancelled, "passphrase", path, nil)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	}
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	return signer, nil
}

func agentSigners() ([]ssh.Signer, func()) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, func() {}
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		logrus.Debugf("ssh: agent unavailable: %v", err)
		return nil, func() {}
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil || len(signers) == 0 {
		conn.Close()
		return nil, func() {}
	}
	return signers, func() { conn.Close() }
}
