// Package handlers exposes sessions, files, metrics, the vault and host key
// checks over HTTP. Dependencies are package-level and set from main.go.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/credentials"
	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/hostkey"
	"github.com/shellport/shellport/internal/monitor"
	"github.com/shellport/shellport/internal/session"
	"github.com/shellport/shellport/internal/sftpfs"
	"github.com/shellport/shellport/internal/sshconn"
	"github.com/shellport/shellport/internal/vault"
)

var (
	Sessions *session.Registry
	Creds    *credentials.Resolver
	Vault    *vault.Vault
	HostKeys *hostkey.Checker
	AuditLog *audit.Auditor
	Bus      *events.Bus

	// ProbeOptions are passed to sshconn.Probe by the server test endpoint.
	ProbeOptions []sshconn.Option
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeErr maps err to a status and writes its message as the detail.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, vault.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, vault.ErrNotFound),
		errors.Is(err, database.ErrServerNotFound),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, credentials.ErrUnknownAlias),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrFormat),
		errors.Is(err, sftpfs.ErrTooLarge),
		errors.Is(err, sftpfs.ErrBinary),
		errors.Is(err, credentials.ErrNoCredentials):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrMonitorUnavailable),
		errors.Is(err, session.ErrFilesUnavailable),
		errors.Is(err, sftpfs.ErrNotEnabled),
		errors.Is(err, sftpfs.ErrConnectionLost),
		errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, sftpfs.ErrInitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sshconn.ErrDNS),
		errors.Is(err, sshconn.ErrConnect),
		errors.Is(err, sshconn.ErrHandshake),
		errors.Is(err, sshconn.ErrAuth):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, vault.ErrNotInitialized),
		errors.Is(err, vault.ErrAlreadyInitialized),
		errors.Is(err, hostkey.ErrKeyChanged):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
