//go:build windows

package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/ActiveState/termtest/conpty"
)

type windowsPTY struct {
	cpty    *conpty.ConPty
	in      *os.File
	out     *os.File
	process *os.Process
}

func startPTY(cmd *exec.Cmd, cols, rows int) (PTY, error) {
	cpty, err := conpty.New(int16(cols), int16(rows))
	if err != nil {
		return nil, fmt.Errorf("create conpty: %w", err)
	}

	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	pid, _, err := cpty.Spawn(cmd.Path, cmd.Args, &syscall.ProcAttr{Dir: cmd.Dir, Env: env})
	if err != nil {
		cpty.Close()
		return nil, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}
	process, err := os.FindProcess(int(pid))
	if err != nil {
		cpty.Close()
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}

	return &windowsPTY{cpty: cpty, in: cpty.InPipe(), out: cpty.OutPipe(), process: process}, nil
}

func (w *windowsPTY) Read(p []byte) (int, error) {
	if w.out == nil {
		return 0, errNotAvailable
	}
	return w.out.Read(p)
}

func (w *windowsPTY) Write(p []byte) (int, error) {
	if w.in == nil {
		return 0, errNotAvailable
	}
	return w.in.Write(p)
}

func (w *windowsPTY) Resize(cols, rows int) error {
	if w.cpty == nil {
		return errNotAvailable
	}
	return w.cpty.Resize(uint16(cols), uint16(rows))
}

func (w *windowsPTY) Wait() error {
	state, err := w.process.Wait()
	if err != nil {
		return err
	}
	if !state.Success() {
		return fmt.Errorf("exit status %d", state.ExitCode())
	}
	return nil
}

func (w *windowsPTY) Close() error {
	var errs []error
	if err := w.cpty.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
