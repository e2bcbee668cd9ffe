package sshconn

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/shellport/shellport/internal/sshtest"
)

func TestProbeReturnsRemoteUser(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithExec(func(cmd string, stdout, stderr io.Writer) int {
		if cmd == "whoami" {
			io.WriteString(stdout, "tester\n")
			return 0
		}
		return 127
	}))
	cfg := baseConfig(srv)
	cfg.Password = sshtest.Password

	user, err := Probe(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if user != "tester" {
		t.Errorf("user = %q", user)
	}
}

func TestProbeNonZeroExit(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithExec(func(cmd string, stdout, stderr io.Writer) int {
		io.WriteString(stderr, "not found")
		return 127
	}))
	cfg := baseConfig(srv)
	cfg.Password = sshtest.Password

	_, err := Probe(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "status 127") {
		t.Errorf("Probe = %v", err)
	}
}

func TestProbeAuthFailure(t *testing.T) {
	srv := sshtest.Start(t)
	cfg := baseConfig(srv)
	cfg.Password = "wrong"

	if _, err := Probe(context.Background(), cfg); !errors.Is(err, ErrAuth) {
		t.Errorf("Probe = %v", err)
	}
}
