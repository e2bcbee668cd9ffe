package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shellport/shellport/internal/credentials"
	"github.com/shellport/shellport/internal/crypto"
	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/sshconn"
)

// ServerInput is the writable part of a server row. Password, PrivateKey and
// Passphrase are plain text here and encrypted before they are stored; on
// update an empty value keeps the stored one.
type ServerInput struct {
	Name              string `json:"name" yaml:"name"`
	Host              string `json:"host" yaml:"host"`
	Port              int    `json:"port" yaml:"port"`
	Username          string `json:"username" yaml:"username"`
	AuthType          string `json:"auth_type" yaml:"auth_type"`
	Password          string `json:"password" yaml:"password"`
	PrivateKey        string `json:"private_key" yaml:"private_key"`
	Passphrase        string `json:"passphrase" yaml:"passphrase"`
	PasswordID        string `json:"password_id" yaml:"password_id"`
	KeyID             string `json:"key_id" yaml:"key_id"`
	ConnectTimeout    int    `json:"connect_timeout" yaml:"connect_timeout"`
	KeepAliveInterval int    `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	AutoReconnect     bool   `json:"auto_reconnect" yaml:"auto_reconnect"`
	MaxReconnects     int    `json:"max_reconnects" yaml:"max_reconnects"`
}

func (in ServerInput) validate() error {
	if strings.TrimSpace(in.Name) == "" || in.Host == "" || in.Username == "" {
		return errors.New("name, host and username are required")
	}
	switch in.AuthType {
	case "", credentials.AuthPassword, credentials.AuthKey, credentials.AuthKeyLegacyName:
	default:
		return fmt.Errorf("unknown auth_type %q", in.AuthType)
	}
	if in.Port < 0 || in.Port > 65535 {
		return errors.New("port out of range")
	}
	return nil
}

// ApplyServerInput copies in onto s, encrypting inline secrets. Zero numeric
// fields get the column defaults.
func ApplyServerInput(s *database.Server, in ServerInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	s.Name = in.Name
	s.Host = in.Host
	s.Port = in.Port
	if s.Port == 0 {
		s.Port = sshconn.DefaultPort
	}
	s.Username = in.Username
	s.AuthType = in.AuthType
	if s.AuthType == "" {
		s.AuthType = credentials.AuthPassword
	}
	s.PasswordID = in.PasswordID
	s.KeyID = in.KeyID
	s.ConnectTimeout = in.ConnectTimeout
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10
	}
	s.KeepAliveInterval = in.KeepAliveInterval
	if s.KeepAliveInterval <= 0 {
		s.KeepAliveInterval = 60
	}
	s.AutoReconnect = in.AutoReconnect
	s.MaxReconnects = in.MaxReconnects
	if s.MaxReconnects <= 0 {
		s.MaxReconnects = 3
	}

	for _, f := range []struct {
		plain string
		dst   *string
	}{
		{in.Password, &s.Password},
		{in.PrivateKey, &s.PrivateKey},
		{in.Passphrase, &s.Passphrase},
	} {
		if f.plain == "" {
			continue
		}
		enc, err := crypto.Encrypt(f.plain)
		if err != nil {
			return fmt.Errorf("encrypt credential: %w", err)
		}
		*f.dst = enc
	}
	return nil
}

func ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := database.ListServers(database.DB)
	if err != nil {
		writeErr(w, err)
		return
	}
	if servers == nil {
		servers = []database.Server{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": servers})
}

func GetServer(w http.ResponseWriter, r *http.Request) {
	s, err := database.GetServer(database.DB, chi.URLParam(r, "serverId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func CreateServer(w http.ResponseWriter, r *http.Request) {
	var in ServerInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s := database.Server{ID: uuid.New().String()}
	if err := ApplyServerInput(&s, in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.SaveServer(database.DB, &s); err != nil {
		writeErr(w, err)
		return
	}
	log.Printf("[servers] created %s (%s)", logutil.SanitizeForLog(s.Name), s.ID)
	writeJSON(w, http.StatusCreated, s)
}

func UpdateServer(w http.ResponseWriter, r *http.Request) {
	s, err := database.GetServer(database.DB, chi.URLParam(r, "serverId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var in ServerInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := ApplyServerInput(s, in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.SaveServer(database.DB, s); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func DeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := database.DeleteServer(database.DB, chi.URLParam(r, "serverId")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ProbeServer resolves the stored credentials of a server, connects once and
// runs whoami.
func ProbeServer(w http.ResponseWriter, r *http.Request) {
	if Creds == nil {
		writeError(w, http.StatusServiceUnavailable, "Credential resolver not initialized")
		return
	}
	cfg, err := Creds.Resolve(r.Context(), chi.URLParam(r, "serverId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	applyDefaults(&cfg)

	start := time.Now()
	user, err := sshconn.Probe(r.Context(), cfg, ProbeOptions...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"user":        user,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// ListAliases returns the concrete host aliases from ssh_config.
func ListAliases(w http.ResponseWriter, r *http.Request) {
	if Creds == nil {
		writeError(w, http.StatusServiceUnavailable, "Credential resolver not initialized")
		return
	}
	aliases, err := Creds.Aliases()
	if err != nil {
		writeErr(w, err)
		return
	}
	if aliases == nil {
		aliases = []credentials.Alias{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"aliases": aliases})
}
