package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"tethermux/internal/config"
	"tethermux/internal/session"
	"tethermux/internal/tabs"
)

var connectCommand = cli.Command{
	Name:      "connect",
	Usage:     "open an interactive tab on a host",
	UsageText: "tethermux connect [flags] [user@]host[:port]",
	Flags:     connectionFlags(),
	Action:    connect,
}

func connect(ctx context.Context, command *cli.Command) error {
	if command.NArg() != 1 {
		return fmt.Errorf("expected one [user@]host argument, got %d", command.NArg())
	}
	t, err := parseTarget(command.Args().First(), appSettings.DefaultPort)
	if err != nil {
		return err
	}
	req, err := requestFor(command, t)
	if err != nil {
		return err
	}

	s := *appSettings
	s.Cols, s.Rows = terminalSize(s.Cols, s.Rows)

	q := newTTYQuerier()
	registry := session.NewRegistry(session.NewEngine(s.SessionConfig(), session.WithPassphrasePrompt(q.passphrase)))
	mgr := tabs.NewManager(tabs.Options{
		Settings:  &s,
		Registry:  registry,
		LastUsers: config.NewLastUserStore(config.LastUsersPath()),
		Querier:   q,
		Output:    os.Stdout,
		Notice: func(_, msg string) {
			fmt.Fprintln(os.Stderr, fitWidth(msg, s.Cols))
		},
	})
	defer mgr.Close()

	tab, err := mgr.Connect(ctx, tabs.ConnectRequest{
		Host:         req.Host,
		User:         req.User,
		Port:         req.Port,
		Mode:         req.Mode,
		Password:     req.Password,
		IdentityFile: req.IdentityFile,
	})
	if errors.Is(err, session.ErrUserCancelled) {
		return nil
	}
	if err != nil {
		return err
	}

	switch awaitLogin(ctx, tab, q, s.LoginGrace) {
	case loginEnded:
		return tab.Err()
	case loginCancelled:
		return mgr.Disconnect(tab.ID)
	case loginHandedOff:
		fmt.Fprintln(os.Stderr, fitWidth("Login not detected, input goes to "+tab.Host, s.Cols))
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(stdin, oldState)
	}

	stop := watchResize(tab)
	defer stop()

	go func() {
		if _, err := io.Copy(tab, q.r); err != nil {
			logrus.Debugf("connect: stdin pump: %v", err)
		}
	}()

	select {
	case <-tab.Done():
	case <-ctx.Done():
		_ = mgr.Disconnect(tab.ID)
	}
	return tab.Err()
}

type loginOutcome int

const (
	loginDone loginOutcome = iota
	loginHandedOff
	loginEnded
	loginCancelled
)

type loginWaiter interface {
	LoggedIn() <-chan struct{}
	Done() <-chan struct{}
	Handoff()
}

type idler interface {
	idle() (since time.Duration, busy bool)
}

// awaitLogin waits for the login heuristic. When it has not fired after
// grace with no credential query running, the login is handed to the user
// so a quiet shell or an unknown prompt does not leave stdin unread.
func awaitLogin(ctx context.Context, w loginWaiter, q idler, grace time.Duration) loginOutcome {
	tick := time.NewTicker(max(grace/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-w.LoggedIn():
			return loginDone
		case <-w.Done():
			return loginEnded
		case <-ctx.Done():
			return loginCancelled
		case <-tick.C:
			if since, busy := q.idle(); !busy && since >= grace {
				w.Handoff()
				return loginHandedOff
			}
		}
	}
}
