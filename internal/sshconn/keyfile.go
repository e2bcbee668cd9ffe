package sshconn

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// keyFilePrefix returns the temp file prefix for a session. Characters that
// are not safe in file names are replaced.
func keyFilePrefix(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
	return "ssh_key_" + safe + "_"
}

// writeTempKey stages key material in a 0600 file named after the session.
// The key is normalized to end with a newline, which some parsers require.
func writeTempKey(dir, sessionID, key string) (string, error) {
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	f, err := os.CreateTemp(dir, keyFilePrefix(sessionID)+"*.pem")
	if err != nil {
		return "", fmt.Errorf("create temp key file: %w", err)
	}
	path := f.Name()
	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("chmod temp key file: %w", err)
	}
	if _, err := f.WriteString(key); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp key file: %w", err)
	}
	return path, nil
}

func removeTempKey(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[ssh] WARNING: failed to remove temp key file %s: %v", path, err)
	}
}
