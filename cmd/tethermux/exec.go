package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"tethermux/internal/config"
	"tethermux/internal/login"
	"tethermux/internal/session"
)

const execParallelism = 8

var execCommand = cli.Command{
	Name:      "exec",
	Usage:     "run a command on one or more hosts over shared sessions",
	UsageText: "tethermux exec --host [user@]host [--host ...] [flags] -- command",
	Flags: append(connectionFlags(),
		&cli.StringSliceFlag{
			Name:     flagHost,
			Usage:    "target host, repeatable",
			Required: true,
		},
	),
	Action: execute,
}

var envCommand = cli.Command{
	Name:      "env",
	Usage:     "print a remote environment variable",
	UsageText: "tethermux env [flags] [user@]host NAME",
	Flags:     connectionFlags(),
	Action: func(ctx context.Context, command *cli.Command) error {
		if command.NArg() != 2 {
			return fmt.Errorf("expected [user@]host and NAME, got %d arguments", command.NArg())
		}
		c := newSessionCLI()
		defer c.registry.Close()

		node, err := c.acquire(ctx, command, command.Args().First())
		if err != nil {
			return err
		}
		defer c.registry.Release(node)

		value, err := session.GetEnv(ctx, node, command.Args().Get(1))
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

// sessionCLI opens nodes for the one-shot commands.
type sessionCLI struct {
	registry  *session.Registry
	querier   *ttyQuerier
	lastUsers *config.LastUserStore
}

func newSessionCLI() *sessionCLI {
	q := newTTYQuerier()
	return &sessionCLI{
		registry:  session.NewRegistry(session.NewEngine(appSettings.SessionConfig(), session.WithPassphrasePrompt(q.passphrase))),
		querier:   q,
		lastUsers: config.NewLastUserStore(config.LastUsersPath()),
	}
}

func (c *sessionCLI) acquire(ctx context.Context, command *cli.Command, arg string) (*session.Node, error) {
	t, err := parseTarget(arg, appSettings.DefaultPort)
	if err != nil {
		return nil, err
	}
	if t.User == "" {
		def := c.lastUsers.DefaultUser(t.Host)
		user, cancelled := c.querier.QueryCredential(login.CredentialUser, "Username for "+t.Host, def)
		if cancelled {
			return nil, &session.Error{Kind: session.KindUserCancelled, Op: "connect", Host: t.Host}
		}
		t.User = strings.TrimSpace(user)
	}

	req, err := requestFor(command, t)
	if err != nil {
		return nil, err
	}
	defer clear(req.Password)
	if req.Mode == session.AuthPrompt {
		pw, cancelled := c.querier.QueryCredential(login.CredentialPassword, fmt.Sprintf("Password for %s@%s", t.User, t.Host), "")
		if cancelled {
			return nil, &session.Error{Kind: session.KindUserCancelled, Op: "connect", Host: t.Host}
		}
		req.Password = []byte(pw)
	}

	node, err := c.registry.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.lastUsers.Put(t.Host, config.LastUser{User: t.User, AuthMode: req.Mode.String()}); err != nil {
		logrus.Debugf("exec: remember user: %v", err)
	}
	return node, nil
}

func execute(ctx context.Context, command *cli.Command) error {
	remote := strings.Join(command.Args().Slice(), " ")
	if remote == "" {
		return errors.New("no command given")
	}
	hosts := command.StringSlice(flagHost)

	c := newSessionCLI()
	defer c.registry.Close()

	// credentials are asked up front, one host at a time
	nodes := make([]*session.Node, len(hosts))
	var errs []error
	for i, h := range hosts {
		node, err := c.acquire(ctx, command, h)
		if errors.Is(err, session.ErrUserCancelled) {
			return nil
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nodes[i] = node
	}

	width := 0
	for _, h := range hosts {
		width = max(width, runewidth.StringWidth(h))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(execParallelism)
	results := make([]error, len(hosts))
	for i, node := range nodes {
		if node == nil {
			continue
		}
		g.Go(func() error {
			defer c.registry.Release(node)
			stdout, stderr, err := session.Exec(gctx, node, remote, appSettings.MaxExecBuffer)

			prefix := runewidth.FillRight(hosts[i], width) + " | "
			mu.Lock()
			writePrefixed(os.Stdout, prefix, stdout)
			writePrefixed(os.Stderr, prefix, stderr)
			mu.Unlock()

			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writePrefixed(w io.Writer, prefix string, data []byte) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		fmt.Fprintf(w, "%s%s\n", prefix, sc.Text())
	}
}
