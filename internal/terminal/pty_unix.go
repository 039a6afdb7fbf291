//go:build !windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

type unixPTY struct {
	file *os.File
	cmd  *exec.Cmd

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

func startPTY(cmd *exec.Cmd, cols, rows int) (PTY, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &unixPTY{file: f, cmd: cmd, exited: make(chan struct{})}, nil
}

func (u *unixPTY) Read(p []byte) (int, error) {
	if u.file == nil {
		return 0, errNotAvailable
	}
	return u.file.Read(p)
}

func (u *unixPTY) Write(p []byte) (int, error) {
	if u.file == nil {
		return 0, errNotAvailable
	}
	return u.file.Write(p)
}

func (u *unixPTY) Resize(cols, rows int) error {
	if u.file == nil {
		return errNotAvailable
	}
	return pty.Setsize(u.file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (u *unixPTY) Wait() error {
	u.waitOnce.Do(func() {
		u.waitErr = u.cmd.Wait()
		close(u.exited)
	})
	return u.waitErr
}

// Close hangs up the child: SIGTERM first, SIGKILL if it is still around
// shortly after.
func (u *unixPTY) Close() error {
	var errs []error
	if err := u.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, err)
	}
	if p := u.cmd.Process; p != nil {
		_ = p.Signal(syscall.SIGTERM)
		go u.Wait()
		select {
		case <-u.exited:
		case <-time.After(200 * time.Millisecond):
			if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
