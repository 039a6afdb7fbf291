package login

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"tethermux/internal/session"
)

var ErrRejected = errors.New("credentials rejected by remote")

// Querier asks the user for a missing credential. It blocks until the user
// answers or cancels.
type Querier interface {
	QueryCredential(kind Credential, label, defaultValue string) (value string, cancelled bool)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(kind Credential, label, defaultValue string) (string, bool)

func (f QuerierFunc) QueryCredential(kind Credential, label, defaultValue string) (string, bool) {
	return f(kind, label, defaultValue)
}

// Config describes one tab's login.
type Config struct {
	Host string
	Mode session.AuthMode
	// User is injected without asking when set.
	User string
	// DefaultUser is offered when the user has to be asked.
	DefaultUser string
	// Password is injected at the first password prompt and then zeroed.
	Password []byte
	Limits   Limits

	Querier Querier
	// Child receives injected credentials.
	Child io.Writer
	// Notice receives user-visible progress messages.
	Notice func(msg string)
}

// Driver applies Transition to a live tab. Handle is called from the tab's
// event loop; the mutex only guards readers of Status.
type Driver struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	status   Status
	user     string
	password []byte
	err      error
	// handedOff stops all prompt handling; the user answers the child.
	handedOff bool

	loggedOnce sync.Once
	loggedIn   chan struct{}
}

func NewDriver(cfg Config) *Driver {
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.Notice == nil {
		cfg.Notice = func(string) {}
	}
	d := &Driver{
		cfg:      cfg,
		log:      logrus.WithFields(logrus.Fields{"host": cfg.Host, "mode": cfg.Mode}),
		status:   Initial(cfg.Mode),
		user:     cfg.User,
		password: cfg.Password,
		loggedIn: make(chan struct{}),
	}
	d.cfg.Password = nil
	return d
}

// Status returns the current machine status.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Err returns the error that ended the attempt, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// LoggedIn is closed when the machine reaches Logged.
func (d *Driver) LoggedIn() <-chan struct{} {
	return d.loggedIn
}

// Handoff stops automatic credential handling for the rest of the tab's
// life and drops any cached password. A query in progress finishes first.
func (d *Driver) Handoff() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handedOff {
		return
	}
	d.handedOff = true
	clear(d.password)
	d.password = nil
	d.log.Infof("login: handed off in state %s", d.status.State)
}

// Handle feeds one event through the machine and performs its action. It
// returns a non-nil error when the attempt ends: credentials rejected with
// no retry left, or a cancelled query.
func (d *Driver) Handle(ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if (d.err != nil || d.handedOff) && ev.Kind == EventContent {
		return nil
	}

	prev := d.status
	next, act := Transition(d.status, ev, d.cfg.Mode, d.cfg.Limits)
	d.status = next
	if prev.State != next.State {
		d.log.Debugf("login: %s -> %s", prev.State, next.State)
	}

	if act.ClearUser {
		d.user = ""
	}
	if act.ClearPassword {
		clear(d.password)
		d.password = nil
	}

	switch {
	case act.Reset:
		d.err = nil
	case act.Abort:
		d.err = &session.Error{Kind: session.KindAuthentication, Op: "login", Host: d.cfg.Host, Err: ErrRejected}
		d.log.Warn("login: credentials rejected")
		return d.err
	case act.LoggedIn:
		d.loggedOnce.Do(func() { close(d.loggedIn) })
		d.log.Info("login: shell started")
	case act.Request != CredentialNone:
		if err := d.supply(act.Request); err != nil {
			d.err = err
			return err
		}
	}
	return nil
}

func (d *Driver) supply(kind Credential) error {
	var value []byte
	switch kind {
	case CredentialUser:
		if d.user == "" {
			answer, err := d.query(kind, "Username", d.cfg.DefaultUser)
			if err != nil {
				return err
			}
			d.user = string(answer)
			clear(answer)
		}
		value = []byte(d.user)
	case CredentialPassword:
		if len(d.password) > 0 {
			value, d.password = d.password, nil
		} else {
			label := "Password"
			if d.user != "" {
				label = fmt.Sprintf("Password for %s@%s", d.user, d.cfg.Host)
			}
			answer, err := d.query(kind, label, "")
			if err != nil {
				return err
			}
			value = answer
		}
	}
	return d.inject(value)
}

func (d *Driver) query(kind Credential, label, defaultValue string) ([]byte, error) {
	if d.cfg.Querier == nil {
		return nil, &session.Error{Kind: session.KindAuthentication, Op: "login", Host: d.cfg.Host,
			Err: fmt.Errorf("no %s available", kind)}
	}
	answer, cancelled := d.cfg.Querier.QueryCredential(kind, label, defaultValue)
	if cancelled {
		d.log.Info("login: cancelled by user")
		return nil, &session.Error{Kind: session.KindUserCancelled, Op: "login", Host: d.cfg.Host}
	}
	return []byte(answer), nil
}

// inject writes value and a newline to the child and zeroes both buffers.
func (d *Driver) inject(value []byte) error {
	payload := make([]byte, len(value)+1)
	copy(payload, value)
	payload[len(value)] = '\n'
	clear(value)
	defer clear(payload)

	d.cfg.Notice(fmt.Sprintf("Authenticating to %s...", d.cfg.Host))
	if _, err := d.cfg.Child.Write(payload); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}
