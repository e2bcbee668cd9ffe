// Package hostkey checks remote host keys against an OpenSSH known_hosts
// file and appends keys the user chooses to trust. Progress is published as
// timestamped lines on the events.HostKeyLog topic.
package hostkey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/logutil"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Status string

const (
	StatusVerified Status = "verified"
	StatusMismatch Status = "mismatch"
	StatusUnknown  Status = "unknown"
)

const DefaultDialTimeout = 10 * time.Second

var ErrKeyChanged = errors.New("host key changed during verification")

// errCaptured aborts the handshake once the host key has been seen.
var errCaptured = errors.New("host key captured")

// KeyData describes a key the user has to decide on.
type KeyData struct {
	Host        string `json:"host"`
	IP          string `json:"ip"`
	KeyType     string `json:"keyType"`
	Fingerprint string `json:"fingerprint"`
}

// Result of a check. Data is set unless the key is verified.
type Result struct {
	Status Status   `json:"status"`
	Data   *KeyData `json:"data"`
}

type Checker struct {
	path        string
	bus         events.Emitter
	auditor     *audit.Auditor
	dialTimeout time.Duration
	nowFn       func() time.Time

	// fileMu serialises appends to the known_hosts file.
	fileMu sync.Mutex
}

type Option func(*Checker)

func WithAuditor(a *audit.Auditor) Option {
	return func(c *Checker) { c.auditor = a }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Checker) { c.dialTimeout = d }
}

// WithClock sets the clock used for log line timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Checker) { c.nowFn = fn }
}

// New returns a checker for the known_hosts file at path. An empty path
// selects ~/.ssh/known_hosts. bus may be nil.
func New(path string, bus events.Emitter, opts ...Option) *Checker {
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	c := &Checker{path: path, bus: bus, dialTimeout: DefaultDialTimeout, nowFn: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Path returns the known_hosts file in use.
func (c *Checker) Path() string { return c.path }

func (c *Checker) emit(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[hostkey] %s", msg)
	if c.bus != nil {
		c.bus.Emit(events.HostKeyLog, fmt.Sprintf("[%s] %s", c.nowFn().Format("15:04:05"), msg))
	}
}

// fetch performs a key exchange with host:port and returns the host key
// without authenticating.
func (c *Checker) fetch(ctx context.Context, addr string) (ssh.PublicKey, net.Addr, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("Network unreachable: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.dialTimeout))
	}

	var key ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "hostkey-probe",
		HostKeyCallback: func(_ string, _ net.Addr, k ssh.PublicKey) error {
			key = k
			return errCaptured
		},
		Timeout: c.dialTimeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if key != nil {
		return key, conn.RemoteAddr(), nil
	}
	if err == nil {
		err = errors.New("no host key received from server")
	}
	return nil, nil, fmt.Errorf("SSH handshake failed: %w", err)
}

// lookup compares key with the known_hosts file. A missing file means the
// host is unknown.
func (c *Checker) lookup(addr string, remote net.Addr, key ssh.PublicKey) (Status, error) {
	if _, err := os.Stat(c.path); errors.Is(err, os.ErrNotExist) {
		return StatusUnknown, nil
	}
	cb, err := knownhosts.New(c.path)
	if err != nil {
		return "", fmt.Errorf("read known_hosts: %w", err)
	}

	if t, ok := remote.(*net.TCPAddr); !ok || t == nil {
		remote = &net.TCPAddr{}
	}
	err = cb(addr, remote, key)
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case err == nil:
		return StatusVerified, nil
	case errors.As(err, &revoked):
		return StatusMismatch, nil
	case errors.As(err, &keyErr):
		if len(keyErr.Want) > 0 {
			return StatusMismatch, nil
		}
		return StatusUnknown, nil
	default:
		return "", err
	}
}

// Check fetches the host key of host:port and compares it with the
// known_hosts file.
func (c *Checker) Check(ctx context.Context, host string, port int) (*Result, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c.emit("Checking host identity for %s...", logutil.SanitizeForLog(addr))
	c.emit("Connecting to target host (TCP)...")

	key, remote, err := c.fetch(ctx, addr)
	if err != nil {
		c.emit("%v", err)
		return nil, err
	}
	fp := ssh.FingerprintSHA256(key)
	c.emit("Server fingerprint: %s", fp)
	c.emit("Comparing with local known_hosts file...")

	status, err := c.lookup(addr, remote, key)
	if err != nil {
		c.emit("%v", err)
		return nil, err
	}

	switch status {
	case StatusVerified:
		c.emit("Host verification successful.")
		return &Result{Status: StatusVerified}, nil
	case StatusMismatch:
		c.emit("WARNING: HOST IDENTIFICATION HAS CHANGED!")
		if c.auditor != nil {
			if err := c.auditor.Log(audit.Entry{
				EventType: audit.EventHostKeyMismatch,
				Host:      addr,
				Details:   fp,
			}); err != nil {
				log.Printf("[hostkey] audit: %v", err)
			}
		}
	default:
		c.emit("New host detected, awaiting user trust...")
	}
	return &Result{
		Status: status,
		Data:   &KeyData{Host: host, IP: host, KeyType: key.Type(), Fingerprint: fp},
	}, nil
}

// Trust re-fetches the host key, verifies it still has fingerprint and
// appends it to the known_hosts file. Port 22 entries use the bare host,
// others the [host]:port form.
func (c *Checker) Trust(ctx context.Context, host string, port int, fingerprint string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	key, _, err := c.fetch(ctx, addr)
	if err != nil {
		return fmt.Errorf("Re-connection failed: %w", err)
	}
	if got := ssh.FingerprintSHA256(key); got != fingerprint {
		return fmt.Errorf("Security Warning: Key changed during verification! Expected %s, got %s: %w",
			fingerprint, got, ErrKeyChanged)
	}

	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key) + "\n"

	c.fileMu.Lock()
	defer c.fileMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("Failed to create .ssh dir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("Failed to open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("Failed to write to known_hosts: %w", err)
	}

	c.emit("Host key for %s trusted (%s)", logutil.SanitizeForLog(addr), fingerprint)
	if c.auditor != nil {
		if err := c.auditor.Log(audit.Entry{
			EventType: audit.EventHostKeyTrusted,
			Host:      addr,
			Details:   fingerprint,
		}); err != nil {
			log.Printf("[hostkey] audit: %v", err)
		}
	}
	return nil
}

// Callback returns a host key callback that only accepts keys already in
// the known_hosts file. It is used when strict checking is enabled.
func (c *Checker) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		status, err := c.lookup(hostname, remote, key)
		if err != nil {
			return err
		}
		switch status {
		case StatusVerified:
			return nil
		case StatusMismatch:
			c.emit("WARNING: HOST IDENTIFICATION HAS CHANGED for %s!", logutil.SanitizeForLog(hostname))
			return fmt.Errorf("host key mismatch for %s (%s)", hostname, ssh.FingerprintSHA256(key))
		default:
			return fmt.Errorf("host %s is not in %s (%s)", hostname, c.path, ssh.FingerprintSHA256(key))
		}
	}
}
