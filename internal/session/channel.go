package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"
)

// DefaultMaxBuffer caps captured output when the caller passes no limit.
const DefaultMaxBuffer = 64 * 1024

const envBuffer = 4096

var errOpenTimeout = errors.New("channel open timed out")

// limitedBuffer keeps the first max bytes written and silently drops the
// rest, so a chatty command never fails on size.
type limitedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

// openWithin runs open under the node's channel-open timeout. A failed or
// late open marks the node invalid.
func openWithin[T any](ctx context.Context, n *Node, op string, open func() (T, error), discard func(T)) (T, error) {
	var zero T
	if n.Closed() || n.client == nil {
		n.invalidate()
		return zero, newError(KindChannel, op, n.Addr(), errors.New("session closed"))
	}

	timeout := n.openTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ChannelOpenTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := open()
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			n.invalidate()
			return zero, newError(KindChannel, op, n.Addr(), res.err)
		}
		return res.v, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				discard(res.v)
			}
		}()
		n.invalidate()
		return zero, newError(KindChannel, op, n.Addr(), fmt.Errorf("%w: %v", errOpenTimeout, ctx.Err()))
	}
}

// Probe opens a session channel and closes it straight away.
func Probe(ctx context.Context, n *Node) error {
	ch, err := openWithin(ctx, n, "probe", func() (ssh.Channel, error) {
		ch, reqs, err := n.client.OpenChannel("session", nil)
		if err != nil {
			return nil, err
		}
		go ssh.DiscardRequests(reqs)
		return ch, nil
	}, func(ch ssh.Channel) { ch.Close() })
	if err != nil {
		return err
	}
	ch.Close()
	n.touch()
	return nil
}

// Keepalive sends an OpenSSH keepalive global request.
func Keepalive(ctx context.Context, n *Node) error {
	_, err := openWithin(ctx, n, "keepalive", func() (bool, error) {
		_, _, err := n.client.SendRequest("keepalive@openssh.com", true, nil)
		return err == nil, err
	}, func(bool) {})
	return err
}

// Exec runs command on a new channel and returns at most maxBuffer bytes of
// each stream. A non-zero exit status is returned as an error wrapping
// *ssh.ExitError together with the captured output.
func Exec(ctx context.Context, n *Node, command string, maxBuffer int) ([]byte, []byte, error) {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}

	session, err := openWithin(ctx, n, "exec", n.client.NewSession, func(s *ssh.Session) { s.Close() })
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()

	stdout := &limitedBuffer{max: maxBuffer}
	stderr := &limitedBuffer{max: maxBuffer}
	session.Stdout = stdout
	session.Stderr = stderr

	start := time.Now()
	err = session.Run(command)
	n.logger().WithField("elapsed", time.Since(start)).Debugf("session: exec %q", command)
	if stdout.truncated || stderr.truncated {
		n.logger().Debugf("session: output of %q truncated to %d bytes", command, maxBuffer)
	}

	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		n.touch()
		return stdout.buf, stderr.buf, nil
	case errors.As(err, &missing):
		return stdout.buf, stderr.buf, newError(KindChannel, "exec", n.Addr(), err)
	default:
		n.touch()
		return stdout.buf, stderr.buf, fmt.Errorf("run %q: %w", command, err)
	}
}

// GetEnv returns the value of a remote environment variable, or "" when it
// is unset.
func GetEnv(ctx context.Context, n *Node, name string) (string, error) {
	stdout, _, err := Exec(ctx, n, "printenv "+shellescape.Quote(name), envBuffer)
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitStatus() == 1 && len(stdout) == 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(stdout), "\r\n"), nil
}
