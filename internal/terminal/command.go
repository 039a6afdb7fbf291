package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"al.essio.dev/pkg/shellescape"

	"tethermux/internal/session"
)

// Command describes the ssh child of one tab.
type Command struct {
	Binary         string
	Host           string
	Port           int
	User           string
	IdentityFile   string
	Mode           session.AuthMode
	KnownHostsPath string
	// Options are extra "-o" values passed through verbatim.
	Options []string
}

// Args returns the argument vector without the binary.
func (c Command) Args() []string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	args := []string{"-p", strconv.Itoa(port)}
	if c.IdentityFile != "" {
		args = append(args, "-i", c.IdentityFile)
	}
	args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	if c.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+c.KnownHostsPath)
	}
	if c.Mode.PasswordBased() {
		// keep the child on the prompts the login driver answers
		args = append(args, "-o", "PreferredAuthentications=keyboard-interactive,password")
	}
	for _, o := range c.Options {
		args = append(args, "-o", o)
	}
	if c.User != "" {
		return append(args, c.User+"@"+c.Host)
	}
	return append(args, c.Host)
}

func (c Command) binary() string {
	if c.Binary == "" {
		return "ssh"
	}
	return c.Binary
}

// String is the command line as a shell would read it.
func (c Command) String() string {
	return shellescape.QuoteCommand(append([]string{c.binary()}, c.Args()...))
}

// Cmd builds the exec.Cmd with a terminal environment of the given size.
func (c Command) Cmd(termType string, cols, rows int) *exec.Cmd {
	if termType == "" {
		termType = "xterm-256color"
	}
	cmd := exec.Command(c.binary(), c.Args()...)
	cmd.Env = append(os.Environ(),
		"TERM="+termType,
		fmt.Sprintf("COLUMNS=%d", cols),
		fmt.Sprintf("LINES=%d", rows),
	)
	return cmd
}
