//go:build !windows

package main

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type resizer interface {
	Resize(cols, rows int) error
}

// watchResize forwards SIGWINCH to the tab until the returned func is
// called.
func watchResize(r resizer) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigCh:
				w, h, err := term.GetSize(int(os.Stdout.Fd()))
				if err != nil {
					continue
				}
				if err := r.Resize(w, h); err != nil {
					logrus.Debugf("connect: resize: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
