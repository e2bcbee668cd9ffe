package sshconn

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrWouldBlock is returned by TryRead when no output arrived in time.
var ErrWouldBlock = errors.New("would block")

var errShellClosed = errors.New("shell closed")

const (
	DefaultTerm = "xterm"
	DefaultCols = 80
	DefaultRows = 24

	shellReadBuffer = 8192
)

// Shell is a PTY-backed interactive shell on its own session channel.
// TryRead must not be called concurrently; Write and Resize may be.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser

	chunks  chan []byte
	quit    chan struct{}
	readErr error
	pending []byte

	closeOnce sync.Once
}

// OpenShell requests a PTY of the given size and starts the login shell.
func (c *Client) OpenShell(term string, cols, rows int) (*Shell, error) {
	if term == "" {
		term = DefaultTerm
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &Shell{
		session: session,
		stdin:   stdin,
		chunks:  make(chan []byte, 64),
		quit:    make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *Shell) readLoop(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, shellReadBuffer)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.quit:
				s.readErr = errShellClosed
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// TryRead copies available output into p. It waits up to wait for output
// and returns ErrWouldBlock if none arrives. io.EOF marks the end of the
// shell's output.
func (s *Shell) TryRead(p []byte, wait time.Duration) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}

	if wait <= 0 {
		select {
		case chunk, ok := <-s.chunks:
			return s.take(p, chunk, ok)
		default:
			return 0, ErrWouldBlock
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case chunk, ok := <-s.chunks:
		return s.take(p, chunk, ok)
	case <-timer.C:
		return 0, ErrWouldBlock
	}
}

func (s *Shell) take(p, chunk []byte, ok bool) (int, error) {
	if !ok {
		if s.readErr == nil {
			return 0, io.EOF
		}
		return 0, s.readErr
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		s.pending = chunk[n:]
	}
	return n, nil
}

// Write sends raw input to the shell. SSH channel writes are not buffered
// locally so there is nothing further to flush.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Resize changes the PTY dimensions.
func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Close ends the shell session. Safe to call more than once.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
