package session

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

type nodeKey struct {
	host string
	user string
}

func (k nodeKey) String() string {
	return k.user + "@" + k.host
}

var (
	errPasswordMismatch = errors.New("password does not match the live session")
	errPortMismatch     = errors.New("live session uses a different port")
	errModeMismatch     = errors.New("live session was opened with another kind of credential")
)

// Node is one authenticated SSH transport shared by every tab logged in as
// the same user on the same host. The registry owns its lifecycle; tabs
// only hold counted references.
type Node struct {
	Host string
	User string
	Port int

	mode        AuthMode
	client      *ssh.Client
	password    []byte
	openTimeout time.Duration
	createdAt   time.Time

	// refs is written only while the owning registry's lock is held.
	refs     atomic.Int32
	valid    atomic.Bool
	lastUsed atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
}

func newNode(req AuthRequest, client *ssh.Client, openTimeout time.Duration) *Node {
	n := &Node{
		Host:        req.Host,
		User:        req.User,
		Port:        req.Port,
		mode:        req.Mode,
		client:      client,
		openTimeout: openTimeout,
		createdAt:   time.Now(),
	}
	if req.Mode.PasswordBased() {
		n.password = bytes.Clone(req.Password)
	}
	n.valid.Store(true)
	n.touch()
	return n
}

func (n *Node) key() nodeKey {
	return nodeKey{host: n.Host, user: n.User}
}

// Key returns "user@host".
func (n *Node) Key() string { return n.key().String() }

// Addr returns host:port.
func (n *Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n *Node) AuthMode() AuthMode { return n.mode }
func (n *Node) RefCount() int { return int(n.refs.Load()) }
func (n *Node) Valid() bool { return n.valid.Load() && !n.closed.Load() }
func (n *Node) Closed() bool { return n.closed.Load() }
func (n *Node) CreatedAt() time.Time { return n.createdAt }

// LastUsed is updated by every successful acquire and channel operation.
func (n *Node) LastUsed() time.Time {
	return time.Unix(0, n.lastUsed.Load())
}

func (n *Node) String() string {
	return fmt.Sprintf("%s:%d (refs=%d valid=%t)", n.Key(), n.Port, n.RefCount(), n.Valid())
}

func (n *Node) touch() {
	n.lastUsed.Store(time.Now().UnixNano())
}

func (n *Node) invalidate() {
	if n.valid.CompareAndSwap(true, false) {
		n.logger().Debug("session marked invalid")
	}
}

// admit checks whether req may share this node.
func (n *Node) admit(req AuthRequest) error {
	if req.Port != n.Port {
		return newError(KindAuthentication, "acquire", n.Key(), errPortMismatch)
	}
	if req.Mode.PasswordBased() != n.mode.PasswordBased() {
		return newError(KindAuthentication, "acquire", n.Key(), errModeMismatch)
	}
	if !req.Mode.PasswordBased() {
		return nil
	}
	if subtle.ConstantTimeCompare(req.Password, n.password) != 1 {
		return newError(KindAuthentication, "acquire", n.Key(), errPasswordMismatch)
	}
	return nil
}

// destroy closes the transport and drops the cached password. Safe to call
// more than once; only the first call has an effect.
func (n *Node) destroy() {
	n.closeOnce.Do(func() {
		n.valid.Store(false)
		n.closed.Store(true)
		clear(n.password)
		n.password = nil
		if n.client != nil {
			if err := n.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				n.logger().Debugf("close transport: %v", err)
			}
		}
		n.logger().Info("session closed")
	})
}

func (n *Node) logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"host": n.Host, "user": n.User, "port": n.Port})
}
