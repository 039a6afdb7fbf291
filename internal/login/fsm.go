// Package login drives password logins by watching the line under the
// terminal cursor. Transition is a pure function over a small Status value;
// Driver applies its actions to a running tab.
package login

import (
	"strings"

	"tethermux/internal/session"
)

// State is the login progress of one tab.
type State int

const (
	NotLogged State = iota
	GotUser
	GotPassword
	Logged
)

func (s State) String() string {
	switch s {
	case NotLogged:
		return "NotLogged"
	case GotUser:
		return "GotUser"
	case GotPassword:
		return "GotPassword"
	case Logged:
		return "Logged"
	default:
		return "Unknown"
	}
}

// EventKind distinguishes terminal notifications.
type EventKind int

const (
	// EventContent carries the line under the cursor after a content change.
	EventContent EventKind = iota
	EventChildExited
	EventEndOfFile
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventChildExited:
		return "child-exited"
	case EventEndOfFile:
		return "eof"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is the single input of the state machine.
type Event struct {
	Kind EventKind
	Line string
}

// Content is shorthand for a content-changed event.
func Content(line string) Event {
	return Event{Kind: EventContent, Line: line}
}

// Credential names what the remote side is asking for.
type Credential int

const (
	CredentialNone Credential = iota
	CredentialUser
	CredentialPassword
)

func (c Credential) String() string {
	switch c {
	case CredentialUser:
		return "user"
	case CredentialPassword:
		return "password"
	default:
		return "none"
	}
}

// Action is the side effect a transition asks for. The zero value means
// nothing to do.
type Action struct {
	Request       Credential
	ClearUser     bool
	ClearPassword bool
	LoggedIn      bool
	// Abort ends the attempt: the remote rejected a credential and no
	// retry is allowed.
	Abort bool
	Reset bool
}

// Status is the machine's complete state.
type Status struct {
	State State
	// Quiet counts content changes without a prompt while in GotPassword.
	Quiet int
	// Attempts counts password requests in this login.
	Attempts int
}

// Limits are the heuristics of the machine.
type Limits struct {
	// LoggedAfter is the number of prompt-free content changes after the
	// password that count as a started shell.
	LoggedAfter int
	// MaxAttempts caps password requests in prompt mode.
	MaxAttempts int
}

func DefaultLimits() Limits {
	return Limits{LoggedAfter: 3, MaxAttempts: 3}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.LoggedAfter <= 0 {
		l.LoggedAfter = d.LoggedAfter
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = d.MaxAttempts
	}
	return l
}

// Initial is the starting status for a login in mode. Key logins need no
// password, so they start past it.
func Initial(mode session.AuthMode) Status {
	if mode == session.AuthKey {
		return Status{State: GotPassword}
	}
	return Status{State: NotLogged}
}

type prompt int

const (
	promptNone prompt = iota
	promptUser
	promptPassword
)

var (
	userPrompts     = []string{"login:", "username:", "user name:"}
	passwordPrompts = []string{"password:", "password for"}
	// banners that contain a prompt word but never wait for input
	notPrompts = []string{"last login:", "last failed login:"}
)

func classify(line string) prompt {
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" {
		return promptNone
	}
	for _, s := range notPrompts {
		if strings.Contains(line, s) {
			return promptNone
		}
	}
	for _, s := range passwordPrompts {
		if strings.Contains(line, s) {
			return promptPassword
		}
	}
	for _, s := range userPrompts {
		if strings.Contains(line, s) {
			return promptUser
		}
	}
	return promptNone
}

// Transition computes the next status and the action to perform for ev.
func Transition(st Status, ev Event, mode session.AuthMode, lim Limits) (Status, Action) {
	lim = lim.withDefaults()

	if ev.Kind != EventContent {
		return Status{State: NotLogged}, Action{Reset: true, ClearUser: true, ClearPassword: true}
	}

	p := classify(ev.Line)
	switch st.State {
	case NotLogged:
		return fromNotLogged(st, p)

	case GotUser:
		if p == promptPassword {
			return requestPassword(st)
		}
		return st, Action{}

	case GotPassword:
		if p == promptNone {
			st.Quiet++
			if st.Quiet >= lim.LoggedAfter {
				return Status{State: Logged, Attempts: st.Attempts}, Action{LoggedIn: true}
			}
			return st, Action{}
		}
		// a second prompt means the credentials were rejected
		if mode != session.AuthPrompt || st.Attempts >= lim.MaxAttempts {
			return Status{State: NotLogged, Attempts: st.Attempts}, Action{Abort: true, ClearUser: true, ClearPassword: true}
		}
		if p == promptUser {
			next, act := fromNotLogged(Status{State: NotLogged, Attempts: st.Attempts}, p)
			act.ClearUser, act.ClearPassword = true, true
			return next, act
		}
		next, act := requestPassword(st)
		act.ClearPassword = true
		return next, act
	}

	return st, Action{}
}

func fromNotLogged(st Status, p prompt) (Status, Action) {
	switch p {
	case promptUser:
		return Status{State: GotUser, Attempts: st.Attempts}, Action{Request: CredentialUser}
	case promptPassword:
		return requestPassword(st)
	}
	return st, Action{}
}

func requestPassword(st Status) (Status, Action) {
	return Status{State: GotPassword, Attempts: st.Attempts + 1}, Action{Request: CredentialPassword}
}
