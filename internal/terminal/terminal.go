// Package terminal runs the ssh child of a tab in a PTY and reports what
// appears under the cursor.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

type EventKind int

const (
	ContentChanged EventKind = iota
	EndOfFile
	ChildExited
)

func (k EventKind) String() string {
	switch k {
	case ContentChanged:
		return "content-changed"
	case EndOfFile:
		return "eof"
	case ChildExited:
		return "child-exited"
	default:
		return "unknown"
	}
}

// Event is a notification from the read loop. Line and Row are set for
// ContentChanged; Err carries the child's exit error for ChildExited.
type Event struct {
	Kind    EventKind
	Line    string
	Row     int
	Changes int
	Err     error
}

type Options struct {
	Cols, Rows int
	// Output mirrors raw child output when set.
	Output io.Writer
	Log    *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Terminal owns a child PTY and its screen. Events are delivered in order on
// a single channel that is closed after ChildExited.
type Terminal struct {
	pty    PTY
	screen *Screen
	out    io.Writer
	log    *logrus.Entry

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Spawn starts cmd in a PTY and begins reading its output.
func Spawn(cmd *exec.Cmd, opts Options) (*Terminal, error) {
	opts = opts.withDefaults()
	p, err := Start(cmd, opts.Cols, opts.Rows)
	if err != nil {
		return nil, err
	}
	opts.Log.Debugf("terminal: started %s", cmd.Path)
	return New(p, opts), nil
}

// New wraps an already started PTY.
func New(p PTY, opts Options) *Terminal {
	opts = opts.withDefaults()
	t := &Terminal{
		pty:    p,
		screen: NewScreen(opts.Cols, opts.Rows),
		out:    opts.Output,
		log:    opts.Log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *Terminal) Events() <-chan Event { return t.events }

func (t *Terminal) Screen() *Screen { return t.screen }

func (t *Terminal) readLoop() {
	defer close(t.events)

	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if t.out != nil {
				if _, werr := t.out.Write(chunk); werr != nil {
					t.log.Debugf("terminal: mirror output: %v", werr)
				}
			}
			line, row, changes := t.screen.Feed(chunk)
			if changes > 0 && !t.emit(Event{Kind: ContentChanged, Line: line, Row: row, Changes: changes}) {
				return
			}
		}
		if err != nil {
			if !isHangup(err) {
				t.log.Debugf("terminal: read: %v", err)
			}
			break
		}
	}

	if !t.emit(Event{Kind: EndOfFile}) {
		return
	}
	werr := t.pty.Wait()
	t.log.Debugf("terminal: child exited: %v", werr)
	t.emit(Event{Kind: ChildExited, Err: werr})
}

// emit delivers ev unless the terminal was closed first.
func (t *Terminal) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

// Write sends raw input to the child.
func (t *Terminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return t.pty.Write(p)
}

// WriteToChild sends text to the child as if typed.
func (t *Terminal) WriteToChild(text string) error {
	if _, err := io.WriteString(t, text); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	t.screen.Resize(cols, rows)
	return t.pty.Resize(cols, rows)
}

// Done is closed by Close.
func (t *Terminal) Done() <-chan struct{} { return t.done }

// Close kills the child. Pending events are dropped.
func (t *Terminal) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.pty.Close()
	})
	return t.closeErr
}

// isHangup reports the errors a PTY master returns once the child side is
// gone.
func isHangup(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EIO) ||
		strings.Contains(err.Error(), "file already closed")
}
