package sshconn

import (
	"errors"
	"strings"
)

// Failure classes. Match with errors.Is.
var (
	ErrDNS       = errors.New("DNS Error")
	ErrConnect   = errors.New("Connection failed")
	ErrHandshake = errors.New("Handshake failed")
	ErrAuth      = errors.New("Auth failed")
)

var errNoCredentials = errors.New("No private key or password provided.")

// Error is a classified transport establishment failure.
type Error struct {
	Kind    error
	Host    string
	Methods []string // auth methods attempted, for ErrAuth
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if len(e.Methods) > 0 {
		b.WriteString(" (tried: ")
		b.WriteString(strings.Join(e.Methods, ", "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// isAuthFailure reports whether a handshake error came from the
// authentication phase rather than key exchange.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
