package sshconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shellport/shellport/internal/logutil"
	"golang.org/x/crypto/ssh"
)

type options struct {
	hostKeyCallback ssh.HostKeyCallback
	ioTimeout       time.Duration
	tempDir         string
	resolver        *net.Resolver
	onClose         func(error)
}

// Option customizes Dial.
type Option func(*options)

// WithHostKeyCallback sets the host key check used during the handshake.
// The default accepts any key; verification is done separately through the
// hostkey package.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(o *options) { o.hostKeyCallback = cb }
}

// WithIOTimeout bounds the handshake and keepalive round trips.
func WithIOTimeout(d time.Duration) Option {
	return func(o *options) { o.ioTimeout = d }
}

// WithTempDir sets where private key material is staged during auth.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithResolver overrides the DNS resolver.
func WithResolver(r *net.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithOnClose registers a callback fired once when the transport closes,
// with the cause (nil on a local Close).
func WithOnClose(fn func(error)) Option {
	return func(o *options) { o.onClose = fn }
}

// Dial resolves, connects, handshakes and authenticates. sessionID names the
// temporary key file so concurrent sessions never share one.
func Dial(ctx context.Context, sessionID string, cfg Config, opts ...Option) (*Client, error) {
	o := options{
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		ioTimeout:       DefaultIOTimeout,
		tempDir:         os.TempDir(),
		resolver:        net.DefaultResolver,
	}
	for _, fn := range opts {
		fn(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}

	ip, err := resolve(ctx, o.resolver, cfg.Host)
	if err != nil {
		return nil, &Error{Kind: ErrDNS, Host: cfg.Host, Cause: err}
	}

	auth, err := prepareAuth(sessionID, cfg, o.tempDir)
	// The key file is removed when Dial returns, whatever the outcome.
	defer auth.cleanup()
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.connectTimeout()
	dialer := net.Dialer{Timeout: connectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(cfg.port())))
	if err != nil {
		return nil, &Error{Kind: ErrConnect, Host: cfg.Addr(), Cause: err}
	}

	conn := newTimeoutConn(raw)
	conn.SetTimeout(o.ioTimeout)

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth.methods,
		HostKeyCallback: o.hostKeyCallback,
		Timeout:         connectTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr(), clientCfg)
	if err != nil {
		raw.Close()
		if isAuthFailure(err) {
			cause := err
			if auth.keyErr != nil {
				cause = fmt.Errorf("%w (private key unusable: %v)", err, auth.keyErr)
			}
			log.Printf("[ssh] auth failed for %s@%s (tried: %s)",
				logutil.SanitizeForLog(cfg.Username), logutil.SanitizeForLog(cfg.Addr()), strings.Join(auth.names, ", "))
			return nil, &Error{Kind: ErrAuth, Host: cfg.Addr(), Methods: auth.names, Cause: cause}
		}
		return nil, &Error{Kind: ErrHandshake, Host: cfg.Addr(), Cause: err}
	}
	conn.SetTimeout(0)

	c := newClient(sessionID, cfg.Addr(), ssh.NewClient(sshConn, chans, reqs), conn, o)
	c.startKeepAlive(cfg.KeepAliveInterval)

	log.Printf("[ssh] session %s connected to %s@%s",
		logutil.SanitizeForLog(sessionID), logutil.SanitizeForLog(cfg.Username), logutil.SanitizeForLog(cfg.Addr()))
	return c, nil
}

func resolve(ctx context.Context, r *net.Resolver, host string) (string, error) {
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0], nil
}

type authPlan struct {
	methods []ssh.AuthMethod
	names   []string
	keyErr  error
	cleanup func()
}

// prepareAuth builds the ordered auth method list: public key first when key
// material is present, then password. The returned cleanup is never nil.
func prepareAuth(sessionID string, cfg Config, tempDir string) (*authPlan, error) {
	plan := &authPlan{cleanup: func() {}}

	if strings.TrimSpace(string(cfg.PrivateKey)) != "" {
		path, err := writeTempKey(tempDir, sessionID, string(cfg.PrivateKey))
		if err != nil {
			plan.keyErr = err
		} else {
			plan.cleanup = func() { removeTempKey(path) }
			signer, err := loadSigner(path, string(cfg.Passphrase))
			if err != nil {
				plan.keyErr = err
				log.Printf("[ssh] session %s: private key unusable, trying password: %v", logutil.SanitizeForLog(sessionID), err)
			} else {
				plan.methods = append(plan.methods, ssh.PublicKeys(signer))
				plan.names = append(plan.names, "publickey")
			}
		}
	}

	if cfg.Password != "" {
		pw := string(cfg.Password)
		plan.methods = append(plan.methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
		plan.names = append(plan.names, "password")
	}

	if len(plan.methods) == 0 {
		if plan.keyErr != nil {
			return plan, &Error{Kind: ErrAuth, Host: cfg.Addr(), Methods: []string{"publickey"}, Cause: plan.keyErr}
		}
		return plan, &Error{Kind: ErrAuth, Host: cfg.Addr(), Cause: errNoCredentials}
	}
	return plan, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("private key is encrypted and no passphrase was given")
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
