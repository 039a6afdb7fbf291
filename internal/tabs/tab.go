package tabs

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tethermux/internal/login"
	"tethermux/internal/session"
	"tethermux/internal/terminal"
)

const maxTabErrors = 16

var ErrNotConnected = errors.New("tab is not connected")

// Child is the running terminal of a tab.
type Child interface {
	io.Writer
	Events() <-chan terminal.Event
	Resize(cols, rows int) error
	Close() error
}

// Tab is one terminal tab: a counted reference on a session node, the ssh
// child and its login driver.
type Tab struct {
	ID        string
	Host      string
	User      string
	Port      int
	Mode      session.AuthMode
	CreatedAt time.Time

	child     Child
	driver    *login.Driver
	release   func(*session.Node)
	maxBuffer int
	log       *logrus.Entry

	mu   sync.Mutex
	node *session.Node
	errs []error

	homeOnce sync.Once
	home     string
	homeErr  error

	releaseOnce sync.Once
	closeOnce   sync.Once
	done        chan struct{}
}

// Node returns the session node the tab holds, or nil once released.
func (t *Tab) Node() *session.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.node
}

// Connected reports whether the tab still holds a valid node.
func (t *Tab) Connected() bool {
	n := t.Node()
	return n != nil && n.Valid()
}

func (t *Tab) LoginStatus() login.Status { return t.driver.Status() }

// LoggedIn is closed once the remote shell is detected.
func (t *Tab) LoggedIn() <-chan struct{} { return t.driver.LoggedIn() }

// Handoff leaves the rest of the login to the user: prompts seen from now
// on are not answered.
func (t *Tab) Handoff() { t.driver.Handoff() }

// Done is closed when the child is gone and the node released.
func (t *Tab) Done() <-chan struct{} { return t.done }

// Errors returns the most recent errors of this tab, oldest first.
func (t *Tab) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}

// Err returns the latest error, if any.
func (t *Tab) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) == 0 {
		return nil
	}
	return t.errs[len(t.errs)-1]
}

func (t *Tab) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
	if len(t.errs) > maxTabErrors {
		t.errs = t.errs[len(t.errs)-maxTabErrors:]
	}
}

// Write forwards user input to the child.
func (t *Tab) Write(p []byte) (int, error) { return t.child.Write(p) }

func (t *Tab) Resize(cols, rows int) error { return t.child.Resize(cols, rows) }

// HomeDir returns the remote $HOME, fetched once per tab.
func (t *Tab) HomeDir(ctx context.Context) (string, error) {
	t.homeOnce.Do(func() {
		node := t.Node()
		if node == nil {
			t.homeErr = ErrNotConnected
			return
		}
		t.home, t.homeErr = session.GetEnv(ctx, node, "HOME")
		if t.homeErr != nil {
			t.recordError(t.homeErr)
		}
	})
	return t.home, t.homeErr
}

// Exec runs command on the tab's node.
func (t *Tab) Exec(ctx context.Context, command string) ([]byte, []byte, error) {
	node := t.Node()
	if node == nil {
		return nil, nil, ErrNotConnected
	}
	stdout, stderr, err := session.Exec(ctx, node, command, t.maxBuffer)
	if err != nil && session.KindOf(err) == session.KindChannel {
		t.recordError(err)
	}
	return stdout, stderr, err
}

// run pumps child events into the login driver until the child is gone.
func (t *Tab) run(onFinish func(*Tab)) {
	defer func() {
		t.releaseNode()
		close(t.done)
		onFinish(t)
	}()

	for ev := range t.child.Events() {
		var lev login.Event
		switch ev.Kind {
		case terminal.ContentChanged:
			lev = login.Content(ev.Line)
		case terminal.EndOfFile:
			lev = login.Event{Kind: login.EventEndOfFile}
		case terminal.ChildExited:
			lev = login.Event{Kind: login.EventChildExited}
			if ev.Err != nil {
				t.log.Debugf("tabs: child exited: %v", ev.Err)
			}
		default:
			continue
		}

		if err := t.driver.Handle(lev); err != nil {
			t.loginFailed(err)
		}
		if lev.Kind != login.EventContent {
			t.releaseNode()
		}
	}
}

func (t *Tab) loginFailed(err error) {
	if session.KindOf(err) == session.KindUserCancelled {
		t.log.Info("tabs: login cancelled")
	} else {
		t.log.WithError(err).Warn("tabs: login failed")
		t.recordError(err)
	}
	t.closeChild()
}

func (t *Tab) releaseNode() {
	t.releaseOnce.Do(func() {
		t.mu.Lock()
		node := t.node
		t.node = nil
		t.mu.Unlock()
		if node != nil {
			t.release(node)
			t.log.Debug("tabs: released session")
		}
	})
}

func (t *Tab) closeChild() {
	t.closeOnce.Do(func() {
		if err := t.child.Close(); err != nil {
			t.log.Debugf("tabs: close child: %v", err)
		}
	})
}

// disconnect ends the tab from the user side.
func (t *Tab) disconnect() {
	t.closeChild()
	_ = t.driver.Handle(login.Event{Kind: login.EventDisconnect})
	t.releaseNode()
}
