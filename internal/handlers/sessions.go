package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shellport/shellport/internal/config"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/sshconn"
)

// inlineConfig is a connection config sent with the request. Timeouts are
// in seconds.
type inlineConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	PrivateKey        string `json:"private_key"`
	Passphrase        string `json:"passphrase"`
	ConnectTimeout    int    `json:"connect_timeout"`
	KeepAliveInterval int    `json:"keep_alive_interval"`
}

func (c inlineConfig) toConfig() sshconn.Config {
	return sshconn.Config{
		Host:              c.Host,
		Port:              c.Port,
		Username:          c.Username,
		Password:          sshconn.Secret(c.Password),
		PrivateKey:        sshconn.Secret(c.PrivateKey),
		Passphrase:        sshconn.Secret(c.Passphrase),
		ConnectTimeout:    time.Duration(c.ConnectTimeout) * time.Second,
		KeepAliveInterval: time.Duration(c.KeepAliveInterval) * time.Second,
	}
}

// connectRequest selects one of three config sources: a stored server, an
// ssh_config alias (with an optional password) or an inline config.
type connectRequest struct {
	ServerID string        `json:"server_id"`
	Alias    string        `json:"alias"`
	Password string        `json:"password"`
	Config   *inlineConfig `json:"config"`
}

func resolveConnectConfig(ctx context.Context, req connectRequest) (sshconn.Config, error) {
	var cfg sshconn.Config
	switch {
	case req.ServerID != "":
		if Creds == nil {
			return cfg, errors.New("credential resolver not initialized")
		}
		return Creds.Resolve(ctx, req.ServerID)
	case req.Alias != "":
		if Creds == nil {
			return cfg, errors.New("credential resolver not initialized")
		}
		cfg, err := Creds.FromAlias(req.Alias)
		if err != nil {
			return cfg, err
		}
		if req.Password != "" {
			cfg.Password = sshconn.Secret(req.Password)
		}
		return cfg, nil
	case req.Config != nil:
		return req.Config.toConfig(), nil
	}
	return cfg, errors.New("one of server_id, alias or config is required")
}

func applyDefaults(cfg *sshconn.Config) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.Cfg.ConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = config.Cfg.KeepAliveInterval
	}
}

// ConnectSession opens (or replaces) the session named in the URL.
func ConnectSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Session ID required")
		return
	}
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}

	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg, err := resolveConnectConfig(r.Context(), req)
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError && req.ServerID == "" && req.Alias == "" {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	if err := Sessions.Connect(r.Context(), id, cfg); err != nil {
		log.Printf("[sessions] connect %s to %s failed: %v", logutil.SanitizeForLog(id), logutil.SanitizeForLog(cfg.Addr()), err)
		writeErr(w, err)
		return
	}
	log.Printf("[sessions] connected %s to %s in %s", logutil.SanitizeForLog(id), logutil.SanitizeForLog(cfg.Addr()), time.Since(start))

	info, _ := Sessions.Get(id)
	writeJSON(w, http.StatusOK, info)
}

func DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	Sessions.Disconnect(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": []interface{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": Sessions.List()})
}

// SessionStatus reports the connection state of id with its recent
// transitions and lifecycle events. Unknown ids report "disconnected".
//
// Query parameters:
//
//	events - number of recent events to return (default 20)
func SessionStatus(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	id := chi.URLParam(r, "id")

	n := 20
	if v := r.URL.Query().Get("events"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid events parameter")
			return
		}
		n = parsed
	}

	resp := map[string]interface{}{
		"id":          id,
		"state":       Sessions.State(id),
		"transitions": Sessions.Transitions(id),
		"events":      Sessions.Events(id, n),
	}
	if info, ok := Sessions.Get(id); ok {
		resp["session"] = info
	}
	writeJSON(w, http.StatusOK, resp)
}
