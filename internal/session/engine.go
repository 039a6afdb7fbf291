package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// interactiveTries is one keyboard-interactive exchange plus one retry when
// the server answers "try again".
const interactiveTries = 2

var errPasswordRejected = errors.New("password rejected")

// authExhaustedMsg is the text of the error x/crypto/ssh's clientAuthenticate
// returns once every method was refused ("ssh: unable to authenticate,
// attempted methods [...], no supported methods remain"). It has no typed
// error, so a rewording upstream is caught by TestAuthExhaustedMessage.
const authExhaustedMsg = "unable to authenticate"

// Engine performs SSH handshakes and turns them into Nodes.
type Engine struct {
	cfg        Config
	passphrase PassphraseFunc

	hostKeyOnce sync.Once
	hostKey     ssh.HostKeyCallback
	hostKeyErr  error
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithPassphrasePrompt sets the callback used for encrypted identity files.
func WithPassphrasePrompt(fn PassphraseFunc) EngineOption {
	return func(e *Engine) { e.passphrase = fn }
}

func NewEngine(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// methodTrace records which methods the server let us try. The handshake
// runs on a single goroutine, so no locking is needed.
type methodTrace struct {
	password    bool
	interactive int
}

// Authenticate dials host:port and logs in. The returned node has no
// references; the registry takes ownership.
func (e *Engine) Authenticate(ctx context.Context, req AuthRequest) (*Node, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	log := logrus.WithFields(logrus.Fields{"host": req.Host, "user": req.User, "port": req.Port, "mode": req.Mode})

	hostKey, err := e.hostKeyCallback()
	if err != nil {
		return nil, newError(KindTransportConnect, "connect", addr, err)
	}

	trace := &methodTrace{}
	auth, release, err := e.authMethods(req, trace)
	if err != nil {
		return nil, err
	}
	defer release()

	clientConfig := &ssh.ClientConfig{
		User:            req.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         e.cfg.ConnectTimeout,
	}

	log.Debug("ssh: connecting")
	dialer := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindTransportConnect, "connect", addr, err)
	}

	deadline := time.Now().Add(e.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		err = classifyHandshake(req, addr, trace, err)
		log.WithError(err).Warn("ssh: handshake failed")
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	log.Info("ssh: authenticated")
	return newNode(req, ssh.NewClient(sshConn, chans, reqs), e.cfg.ChannelOpenTimeout), nil
}

func (e *Engine) hostKeyCallback() (ssh.HostKeyCallback, error) {
	e.hostKeyOnce.Do(func() {
		e.hostKey, e.hostKeyErr = buildHostKeyCallback(e.cfg)
	})
	return e.hostKey, e.hostKeyErr
}

// authMethods builds the method list. Key mode offers only publickey. The
// other modes rely on the client sending "none" first: x/crypto/ssh then
// only tries methods the server lists, in the order given here.
func (e *Engine) authMethods(req AuthRequest, trace *methodTrace) ([]ssh.AuthMethod, func(), error) {
	if req.Mode == AuthKey {
		signers, closer, err := keySigners(req, e.passphrase)
		if err != nil {
			if KindOf(err) == KindUserCancelled {
				return nil, closer, err
			}
			return nil, closer, newError(KindAuthentication, "publickey", req.key().String(), err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, closer, nil
	}

	password := ssh.PasswordCallback(func() (string, error) {
		trace.password = true
		return string(req.Password), nil
	})

	interactive := ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		if trace.password {
			return nil, errPasswordRejected
		}
		trace.interactive++
		answers := make([]string, len(questions))
		if len(questions) > 0 {
			answers[0] = string(req.Password)
		}
		return answers, nil
	})

	return []ssh.AuthMethod{
		password,
		ssh.RetryableAuthMethod(interactive, interactiveTries),
	}, func() {}, nil
}

func classifyHandshake(req AuthRequest, addr string, trace *methodTrace, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return newError(KindTransportConnect, "host key", addr, err)
	}

	authFailed := errors.Is(err, errPasswordRejected) ||
		strings.Contains(err.Error(), authExhaustedMsg)
	if !authFailed {
		return newError(KindTransportConnect, "handshake", addr, err)
	}

	if req.Mode != AuthKey && !trace.password && trace.interactive == 0 {
		return newError(KindUnknownAuthMethod, "authenticate", addr, err)
	}
	return newError(KindAuthentication, "authenticate", req.key().String(), err)
}
