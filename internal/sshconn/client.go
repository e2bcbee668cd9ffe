package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/logutil"
	"golang.org/x/crypto/ssh"
)

// Client is one authenticated transport.
type Client struct {
	sessionID string
	addr      string
	client    *ssh.Client
	conn      *timeoutConn
	ioTimeout time.Duration
	onClose   func(error)

	stopKeepAlive context.CancelFunc
	closeOnce     sync.Once
	closed        chan struct{}
	closeErr      error
}

func newClient(sessionID, addr string, sc *ssh.Client, conn *timeoutConn, o options) *Client {
	c := &Client{
		sessionID:     sessionID,
		addr:          addr,
		client:        sc,
		conn:          conn,
		ioTimeout:     o.ioTimeout,
		onClose:       o.onClose,
		stopKeepAlive: func() {},
		closed:        make(chan struct{}),
	}
	go func() {
		err := sc.Wait()
		c.closeWith(err)
	}()
	return c
}

// SSH returns the underlying client for sub-protocols such as SFTP.
func (c *Client) SSH() *ssh.Client { return c.client }

// Addr returns the host:port this transport is connected to.
func (c *Client) Addr() string { return c.addr }

// SetTimeout sets the stall timeout for the transport.
func (c *Client) SetTimeout(d time.Duration) { c.conn.SetTimeout(d) }

// ResetTimeout clears the stall timeout.
func (c *Client) ResetTimeout() { c.conn.SetTimeout(0) }

// Timeout returns the current stall timeout.
func (c *Client) Timeout() time.Duration { return c.conn.Timeout() }

// WithTimeout runs fn with the stall timeout set to d and clears it after.
// d of zero runs fn without a timeout.
func (c *Client) WithTimeout(d time.Duration, fn func() error) error {
	c.SetTimeout(d)
	defer c.ResetTimeout()
	return fn()
}

// Done is closed once the transport has shut down.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Err returns why the transport closed, or nil while it is open or after a
// local Close.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close tears down the transport. Safe to call more than once.
func (c *Client) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Client) closeWith(cause error) {
	c.closeOnce.Do(func() {
		c.stopKeepAlive()
		c.client.Close()
		c.closeErr = cause
		close(c.closed)
		if c.onClose != nil {
			c.onClose(c.closeErr)
		}
	})
}

// Exec runs cmd on a fresh session channel and collects its output. A
// non-zero exit status is reported through exitCode, not err.
func (c *Client) Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open exec session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		return outBuf.String(), errBuf.String(), -1, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, fmt.Errorf("exec: %w", err)
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

func (c *Client) startKeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopKeepAlive = cancel
	go c.keepAlive(ctx, interval)
}

// keepAlive sends periodic keepalive requests and closes the transport when
// the peer stops answering.
func (c *Client) keepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				log.Printf("[ssh] keepalive failed for session %s (%s): %v, closing transport",
					logutil.SanitizeForLog(c.sessionID), c.addr, err)
				c.closeWith(fmt.Errorf("keepalive failed: %w", err))
				return
			}
		}
	}
}

func (c *Client) ping() error {
	timeout := c.ioTimeout
	if timeout <= 0 {
		timeout = DefaultIOTimeout
	}
	errCh := make(chan error, 1)
	go func() {
		// wantReply=true makes this a round trip; a "false" reply still
		// proves the peer is alive.
		_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("no reply within %s", timeout)
	}
}
