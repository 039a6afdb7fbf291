package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"tethermux/internal/login"
)

// ttyQuerier asks for credentials on the controlling terminal. Queries
// are serialized; an EOF or read error counts as a cancel.
type ttyQuerier struct {
	mu  sync.Mutex
	in  *os.File
	out io.Writer
	r   *bufio.Reader

	stateMu sync.Mutex
	busy    bool
	last    time.Time
}

func newTTYQuerier() *ttyQuerier {
	return &ttyQuerier{in: os.Stdin, out: os.Stderr, r: bufio.NewReader(os.Stdin), last: time.Now()}
}

// idle reports how long ago the last query ended and whether one is
// running now.
func (q *ttyQuerier) idle() (time.Duration, bool) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return time.Since(q.last), q.busy
}

func (q *ttyQuerier) setBusy(busy bool) {
	q.stateMu.Lock()
	q.busy = busy
	q.last = time.Now()
	q.stateMu.Unlock()
}

func (q *ttyQuerier) QueryCredential(kind login.Credential, label, def string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setBusy(true)
	defer q.setBusy(false)

	if def != "" {
		fmt.Fprintf(q.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(q.out, "%s: ", label)
	}

	if kind == login.CredentialPassword && term.IsTerminal(int(q.in.Fd())) {
		b, err := term.ReadPassword(int(q.in.Fd()))
		fmt.Fprintln(q.out)
		if err != nil {
			return "", true
		}
		return string(b), false
	}

	line, err := q.r.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(q.out)
		return "", true
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		line = def
	}
	return line, false
}

// passphrase adapts the querier to key decryption prompts.
func (q *ttyQuerier) passphrase(path string) ([]byte, bool) {
	answer, cancelled := q.QueryCredential(login.CredentialPassword, "Passphrase for "+path, "")
	if cancelled {
		return nil, true
	}
	return []byte(answer), false
}

// fitWidth cuts msg to the terminal width in cells.
func fitWidth(msg string, cols int) string {
	if cols <= 0 || runewidth.StringWidth(msg) <= cols {
		return msg
	}
	return runewidth.Truncate(msg, cols, "…")
}

// terminalSize returns the size of stdout, or the fallback when stdout is
// not a terminal.
func terminalSize(cols, rows int) (int, int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return cols, rows
	}
	w, h, err := term.GetSize(fd)
	if err != nil || w <= 0 || h <= 0 {
		return cols, rows
	}
	return w, h
}
