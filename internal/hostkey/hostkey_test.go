package hostkey

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/sshtest"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func logLines(t *testing.T, bus *events.Bus) func() []string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	unsub := bus.Subscribe(events.HostKeyLog, func(p interface{}) {
		mu.Lock()
		lines = append(lines, p.(string))
		mu.Unlock()
	})
	t.Cleanup(unsub)
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func TestCheckUnknownTrustThenVerified(t *testing.T) {
	srv := sshtest.Start(t)
	bus := events.New()
	lines := logLines(t, bus)
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	c := New(path, bus)
	ctx := context.Background()

	res, err := c.Check(ctx, srv.Host, srv.Port)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Status != StatusUnknown || res.Data == nil {
		t.Fatalf("first check = %+v", res)
	}
	wantFP := ssh.FingerprintSHA256(srv.HostKey.PublicKey())
	if res.Data.Fingerprint != wantFP || !strings.HasPrefix(wantFP, "SHA256:") {
		t.Errorf("fingerprint = %s, want %s", res.Data.Fingerprint, wantFP)
	}
	if res.Data.KeyType != ssh.KeyAlgoED25519 {
		t.Errorf("key type = %s", res.Data.KeyType)
	}

	if err := c.Trust(ctx, srv.Host, srv.Port, res.Data.Fingerprint); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	prefix := fmt.Sprintf("[%s]:%d ssh-ed25519 ", srv.Host, srv.Port)
	if !strings.HasPrefix(string(content), prefix) {
		t.Errorf("known_hosts = %q, want prefix %q", content, prefix)
	}

	res, err = c.Check(ctx, srv.Host, srv.Port)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusVerified || res.Data != nil {
		t.Errorf("after trust = %+v", res)
	}

	stamp := regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] `)
	got := lines()
	if len(got) == 0 {
		t.Fatal("no ssh-log lines emitted")
	}
	for _, l := range got {
		if !stamp.MatchString(l) {
			t.Errorf("log line without timestamp: %q", l)
		}
	}
}

func TestCheckMismatch(t *testing.T) {
	srv := sshtest.Start(t)
	other, _, err := sshtest.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "known_hosts")
	addr := knownhosts.Normalize(net.JoinHostPort(srv.Host, fmt.Sprint(srv.Port)))
	if err := os.WriteFile(path, []byte(knownhosts.Line([]string{addr}, other)+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	c := New(path, nil)
	res, err := c.Check(context.Background(), srv.Host, srv.Port)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusMismatch || res.Data == nil {
		t.Errorf("check = %+v", res)
	}

	cb := c.Callback()
	if err := cb(addr, &net.TCPAddr{IP: net.ParseIP(srv.Host), Port: srv.Port}, srv.HostKey.PublicKey()); err == nil {
		t.Error("callback accepted a mismatched key")
	}
}

func TestTrustRejectsChangedFingerprint(t *testing.T) {
	srv := sshtest.Start(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	c := New(path, nil)

	err := c.Trust(context.Background(), srv.Host, srv.Port, "SHA256:not-the-key")
	if !errors.Is(err, ErrKeyChanged) {
		t.Fatalf("Trust = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Security Warning: Key changed during verification!") {
		t.Errorf("message = %q", err.Error())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("known_hosts written despite mismatch")
	}
}

func TestPort22UsesBareHost(t *testing.T) {
	pub, _, err := sshtest.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize("example.com:22")}, pub)
	if !strings.HasPrefix(line, "example.com ssh-ed25519 ") {
		t.Errorf("line = %q", line)
	}
}

func TestCallbackStrict(t *testing.T) {
	srv := sshtest.Start(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	c := New(path, nil)
	addr := net.JoinHostPort(srv.Host, fmt.Sprint(srv.Port))
	remote := &net.TCPAddr{IP: net.ParseIP(srv.Host), Port: srv.Port}

	if err := c.Callback()(addr, remote, srv.HostKey.PublicKey()); err == nil {
		t.Error("callback accepted an unknown host")
	}

	res, err := c.Check(context.Background(), srv.Host, srv.Port)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Trust(context.Background(), srv.Host, srv.Port, res.Data.Fingerprint); err != nil {
		t.Fatal(err)
	}
	if err := c.Callback()(addr, remote, srv.HostKey.PublicKey()); err != nil {
		t.Errorf("callback rejected a trusted host: %v", err)
	}
}

func TestCheckUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	c := New(filepath.Join(t.TempDir(), "known_hosts"), nil, WithDialTimeout(time.Second))
	if _, err := c.Check(context.Background(), "127.0.0.1", addr.Port); err == nil ||
		!strings.HasPrefix(err.Error(), "Network unreachable") {
		t.Errorf("Check = %v", err)
	}
}
