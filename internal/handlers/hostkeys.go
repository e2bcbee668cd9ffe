package handlers

import (
	"net/http"

	"github.com/shellport/shellport/internal/sshconn"
)

type hostKeyRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Fingerprint string `json:"fingerprint"`
}

func (h *hostKeyRequest) normalize() bool {
	if h.Port == 0 {
		h.Port = sshconn.DefaultPort
	}
	return h.Host != "" && h.Port > 0 && h.Port <= 65535
}

// CheckHostKey fetches the host key of a server and compares it with the
// known_hosts file. Progress lines go out on the ssh-log topic.
func CheckHostKey(w http.ResponseWriter, r *http.Request) {
	if HostKeys == nil {
		writeError(w, http.StatusServiceUnavailable, "Host key checker not initialized")
		return
	}
	var body hostKeyRequest
	if err := decodeJSON(r, &body); err != nil || !body.normalize() {
		writeError(w, http.StatusBadRequest, "host and a valid port are required")
		return
	}
	res, err := HostKeys.Check(r.Context(), body.Host, body.Port)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TrustHostKey appends the host key to known_hosts after confirming it
// still has the fingerprint the user accepted.
func TrustHostKey(w http.ResponseWriter, r *http.Request) {
	if HostKeys == nil {
		writeError(w, http.StatusServiceUnavailable, "Host key checker not initialized")
		return
	}
	var body hostKeyRequest
	if err := decodeJSON(r, &body); err != nil || !body.normalize() || body.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "host, port and fingerprint are required")
		return
	}
	if err := HostKeys.Trust(r.Context(), body.Host, body.Port, body.Fingerprint); err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
