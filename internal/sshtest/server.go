// Package sshtest runs an in-process SSH server for tests. It serves PTY
// shells that echo their input, exec requests through a pluggable handler
// (the local /bin/sh by default) and the sftp subsystem over the local
// filesystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "tester"
	Password = "secret"
)

// ExecHandler runs cmd and returns its exit status.
type ExecHandler func(cmd string, stdout, stderr io.Writer) int

// Server is a running test server.
type Server struct {
	Addr    string
	Host    string
	Port    int
	HostKey ssh.Signer

	// Exec handles exec requests. Defaults to running the command with /bin/sh.
	Exec ExecHandler
	// DisableSFTP rejects the sftp subsystem.
	DisableSFTP bool
	// SubsystemDelay delays the reply to a subsystem request.
	SubsystemDelay time.Duration

	authorizedKey ssh.PublicKey
	listener      net.Listener

	mu           sync.Mutex
	authAttempts []string
	ptyTerms     []string
	execs        []string
	conns        []*ssh.ServerConn
}

// Option configures Start.
type Option func(*Server)

// WithAuthorizedKey accepts public key auth for key.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) { s.authorizedKey = key }
}

// WithExec sets the exec handler.
func WithExec(h ExecHandler) Option {
	return func(s *Server) { s.Exec = h }
}

// WithoutSFTP makes the server reject the sftp subsystem.
func WithoutSFTP() Option {
	return func(s *Server) { s.DisableSFTP = true }
}

// WithSubsystemDelay delays subsystem replies.
func WithSubsystemDelay(d time.Duration) Option {
	return func(s *Server) { s.SubsystemDelay = d }
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostPEM, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	s := &Server{HostKey: hostSigner, Exec: ShellExec}
	for _, o := range opts {
		o(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			s.recordAuth("password")
			if conn.User() == User && string(pw) == Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.recordAuth("publickey")
			if s.authorizedKey != nil && conn.User() == User &&
				bytes.Equal(key.Marshal(), s.authorizedKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(netConn, config)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
		<-done
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return s
}

// GenerateKey returns an ed25519 key as an OpenSSH public key and a PKCS#8
// PEM private key.
func GenerateKey() (ssh.PublicKey, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	return sshPub, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ShellExec runs cmd with the local /bin/sh.
func ShellExec(cmd string, stdout, stderr io.Writer) int {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Stdout = stdout
	c.Stderr = stderr
	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintln(stderr, err)
		return 127
	}
	return 0
}

// AuthAttempts returns the auth methods clients have tried, in order.
func (s *Server) AuthAttempts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authAttempts...)
}

// PtyTerms returns the TERM values of PTY requests received.
func (s *Server) PtyTerms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ptyTerms...)
}

// Execs returns the commands received through exec requests.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// DropConnections closes every server side connection, simulating a peer
// going away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) recordAuth(method string) {
	s.mu.Lock()
	s.authAttempts = append(s.authAttempts, method)
	s.mu.Unlock()
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type exitStatus struct {
	Status uint32
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.ptyTerms = append(s.ptyTerms, p.Term)
				s.mu.Unlock()
			}
			req.Reply(true, nil)

		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				fmt.Fprintf(ch, "resize:%dx%d\n", w.Cols, w.Rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			go echoShell(ch)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.execs = append(s.execs, payload.Command)
			s.mu.Unlock()
			req.Reply(true, nil)
			go func(cmd string) {
				code := s.Exec(cmd, ch, ch.Stderr())
				ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
				ch.Close()
			}(payload.Command)

		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if s.SubsystemDelay > 0 {
				time.Sleep(s.SubsystemDelay)
			}
			if payload.Name != "sftp" || s.DisableSFTP {
				req.Reply(false, nil)
				ch.Close()
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer ch.Close()
				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				server.Serve()
				server.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// echoShell prints a prompt, then echoes each input chunk back with an
// "echo:" prefix. A line reading "exit" ends the shell with status 0.
func echoShell(ch ssh.Channel) {
	io.WriteString(ch, "welcome\r\n$ ")
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
			line = append(line, buf[:n]...)
			for {
				i := bytes.IndexByte(line, '\n')
				if i < 0 {
					break
				}
				cmd := string(bytes.TrimSpace(line[:i]))
				line = line[i+1:]
				if cmd == "exit" {
					ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: 0}))
					ch.Close()
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}
