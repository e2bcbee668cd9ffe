package sshconn

import (
	"context"
	"fmt"
	"strings"
)

// probeSessionID names the transport opened by Probe.
const probeSessionID = "test_session"

// Probe opens a throwaway transport, runs whoami and returns the remote user.
// It is used to test a config before saving it.
func Probe(ctx context.Context, cfg Config, opts ...Option) (string, error) {
	c, err := Dial(ctx, probeSessionID, cfg, opts...)
	if err != nil {
		return "", err
	}
	defer c.Close()

	out, errOut, code, err := c.Exec(ctx, "whoami")
	if err != nil {
		return "", fmt.Errorf("run whoami: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("whoami exited with status %d: %s", code, strings.TrimSpace(errOut))
	}
	return strings.TrimSpace(out), nil
}
