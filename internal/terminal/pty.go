package terminal

import (
	"errors"
	"io"
	"os/exec"
)

// PTY is a started child attached to a pseudo terminal.
type PTY interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	// Wait blocks until the child exits.
	Wait() error
}

var errNotAvailable = errors.New("pty not available")

// Start runs cmd in a new PTY of the given size.
func Start(cmd *exec.Cmd, cols, rows int) (PTY, error) {
	return startPTY(cmd, cols, rows)
}
