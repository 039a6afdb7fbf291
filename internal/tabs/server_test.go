package tabs

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"tethermux/internal/config"
	"tethermux/internal/login"
	"tethermux/internal/session"
	"tethermux/internal/terminal"
)

// sshServer accepts one password and answers "printenv HOME".
type sshServer struct {
	host string
	port int

	handshakes atomic.Int32
	homeLookup atomic.Int32
}

func startSSHServer(t *testing.T, password string) *sshServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	srv := &sshServer{}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) != password {
				return nil, errors.New("wrong password")
			}
			srv.handshakes.Add(1)
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(l.Addr().String())
	srv.host = host
	srv.port, _ = strconv.Atoi(port)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go srv.serve(c, cfg)
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return srv
}

func (s *sshServer) serve(c net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				req.Reply(true, nil)
				var status uint32
				if payload.Command == "printenv HOME" {
					s.homeLookup.Add(1)
					fmt.Fprintf(ch, "/home/%s\n", conn.User())
				} else {
					status = 127
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

// fakeChild stands in for the ssh child in its PTY.
type fakeChild struct {
	events chan terminal.Event

	mu        sync.Mutex
	input     bytes.Buffer
	closeOnce sync.Once
	closed    atomic.Bool
}

func newFakeChild() *fakeChild {
	return &fakeChild{events: make(chan terminal.Event, 16)}
}

func (c *fakeChild) Events() <-chan terminal.Event { return c.events }

func (c *fakeChild) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.Write(p)
}

func (c *fakeChild) typed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.String()
}

func (c *fakeChild) Resize(int, int) error { return nil }

func (c *fakeChild) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.events)
	})
	return nil
}

func (c *fakeChild) line(s string) {
	c.events <- terminal.Event{Kind: terminal.ContentChanged, Line: s, Changes: 1}
}

func (c *fakeChild) exit() {
	c.events <- terminal.Event{Kind: terminal.EndOfFile}
	c.events <- terminal.Event{Kind: terminal.ChildExited}
	c.Close()
}

type fakeSpawner struct {
	mu       sync.Mutex
	commands []terminal.Command
	children []*fakeChild
	err      error
}

func (s *fakeSpawner) Spawn(cmd terminal.Command, _ terminal.Options) (Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	child := newFakeChild()
	s.commands = append(s.commands, cmd)
	s.children = append(s.children, child)
	return child, nil
}

func (s *fakeSpawner) child(i int) *fakeChild {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[i]
}

type scriptedQuerier struct {
	mu      sync.Mutex
	answers []string
	cancel  bool
	asked   []string
	defs    []string
}

func (q *scriptedQuerier) QueryCredential(kind login.Credential, label, def string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.asked = append(q.asked, label)
	q.defs = append(q.defs, def)
	if q.cancel || len(q.answers) == 0 {
		return "", true
	}
	a := q.answers[0]
	q.answers = q.answers[1:]
	return a, false
}

func (q *scriptedQuerier) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.asked)
}

func testSettings() *config.Settings {
	s := config.DefaultSettings()
	s.SweepInterval = -1
	s.KnownHostsPath = ""
	s.InsecureIgnoreHostKey = true
	s.ConnectTimeout = 5 * time.Second
	s.ChannelOpenTimeout = 2 * time.Second
	return s
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeSpawner) {
	t.Helper()
	if opts.Settings == nil {
		opts.Settings = testSettings()
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(session.NewEngine(session.Config{
			ConnectTimeout:     5 * time.Second,
			ChannelOpenTimeout: 2 * time.Second,
			HostKeyCallback:    ssh.InsecureIgnoreHostKey(),
		}))
	}
	spawner, _ := opts.Spawner.(*fakeSpawner)
	if spawner == nil {
		spawner = &fakeSpawner{}
		opts.Spawner = spawner
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m, spawner
}
