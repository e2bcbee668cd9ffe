package handlers

import (
	"net/http"
	"strconv"

	"github.com/shellport/shellport/internal/logging"
)

const defaultLogLines = 200

// GetServerLogs returns the tail of the service log file.
//
// Query parameters:
//
//	lines - number of lines (default 200, max 5000)
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid lines parameter")
			return
		}
		n = parsed
	}
	if n > 5000 {
		n = 5000
	}
	content, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
