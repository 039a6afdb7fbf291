package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine, the registry and
// the command channel.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransportConnect
	KindAuthentication
	KindUnknownAuthMethod
	KindChannel
	KindUserCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportConnect:
		return "TransportConnectError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindUnknownAuthMethod:
		return "UnknownAuthMethodError"
	case KindChannel:
		return "ChannelError"
	case KindUserCancelled:
		return "UserCancelledError"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrTransportConnect  = errors.New("transport connect failed")
	ErrAuthentication    = errors.New("authentication failed")
	ErrUnknownAuthMethod = errors.New("unknown authentication method")
	ErrChannel           = errors.New("channel unusable")
	ErrUserCancelled     = errors.New("cancelled by user")
)

var kindSentinels = map[ErrorKind]error{
	KindTransportConnect:  ErrTransportConnect,
	KindAuthentication:    ErrAuthentication,
	KindUnknownAuthMethod: ErrUnknownAuthMethod,
	KindChannel:           ErrChannel,
	KindUserCancelled:     ErrUserCancelled,
}

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind ErrorKind
	Host string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := kindSentinels[e.Kind]
	if msg == nil {
		msg = errors.New("session error")
	}
	switch {
	case e.Host != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Host, msg, e.Err)
	case e.Host != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Host, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, msg, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func newError(kind ErrorKind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, s := range kindSentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnknown
}
