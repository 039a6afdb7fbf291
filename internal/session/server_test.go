package session

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// serverOptions selects which methods the test server offers.
type serverOptions struct {
	password      string
	passwordAuth  bool
	interactive   bool
	failFirstKI   bool
	authorizedKey ssh.PublicKey
	handshakeWait time.Duration
}

// testServer is an in-process SSH server with counters for the tests.
type testServer struct {
	addr string
	host string
	port int

	handshakes atomic.Int32
	kiRounds   atomic.Int32
	closed     atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func newHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func startTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	ts := &testServer{}
	config := &ssh.ServerConfig{}
	config.AddHostKey(newHostSigner(t))

	accept := func() (*ssh.Permissions, error) {
		if opts.handshakeWait > 0 {
			time.Sleep(opts.handshakeWait)
		}
		ts.handshakes.Add(1)
		return &ssh.Permissions{}, nil
	}

	if opts.passwordAuth {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == opts.password {
				return accept()
			}
			return nil, errors.New("wrong password")
		}
	}
	if opts.interactive {
		config.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			round := ts.kiRounds.Add(1)
			answers, err := client(conn.User(), "", []string{"Password: ", "Token: "}, []bool{false, true})
			if err != nil {
				return nil, err
			}
			if opts.failFirstKI && round == 1 {
				return nil, errors.New("try again")
			}
			if len(answers) == 2 && answers[0] == opts.password {
				return accept()
			}
			return nil, errors.New("wrong answer")
		}
	}
	if opts.authorizedKey != nil {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), opts.authorizedKey.Marshal()) {
				return accept()
			}
			return nil, errors.New("unknown public key")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.addr = listener.Addr().String()
	host, port, _ := net.SplitHostPort(ts.addr)
	ts.host = host
	ts.port, _ = strconv.Atoi(port)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns = append(ts.conns, conn)
			ts.mu.Unlock()
			go ts.handle(conn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		ts.closeAllConns()
		<-done
	})
	return ts
}

func (ts *testServer) handle(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer func() {
		sshConn.Close()
		ts.closed.Add(1)
	}()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests, sshConn.User())
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request, user string) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		if req.WantReply {
			req.Reply(true, nil)
		}
		status := runCommand(ch, payload.Command, user)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func runCommand(ch ssh.Channel, command, user string) uint32 {
	switch {
	case command == "printenv HOME":
		fmt.Fprintf(ch, "/home/%s\n", user)
		return 0
	case strings.HasPrefix(command, "printenv "):
		return 1
	case command == "big":
		ch.Write(bytes.Repeat([]byte("x"), 100_000))
		return 0
	case command == "fail":
		fmt.Fprint(ch.Stderr(), "boom")
		return 3
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(command, "echo "))
		return 0
	default:
		fmt.Fprintf(ch.Stderr(), "%s: command not found\n", command)
		return 127
	}
}

func testConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		ChannelOpenTimeout: 2 * time.Second,
		HostKeyCallback:    ssh.InsecureIgnoreHostKey(),
	}
}

func (ts *testServer) request(user, password string, mode AuthMode) AuthRequest {
	return AuthRequest{
		Host:     ts.host,
		Port:     ts.port,
		User:     user,
		Mode:     mode,
		Password: []byte(password),
	}
}
