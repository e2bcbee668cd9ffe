package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shellport/shellport/internal/session"
	"github.com/shellport/shellport/internal/sshtest"
)

func TestConnectListStatusDisconnect(t *testing.T) {
	setupServices(t)
	srv := sshtest.Start(t)

	w := httptest.NewRecorder()
	ConnectSession(w, newChiRequest("POST", "/api/v1/sessions/s1", inlineBody(srv, sshtest.Password), map[string]string{"id": "s1"}))
	if w.Code != http.StatusOK {
		t.Fatalf("connect: %d %s", w.Code, w.Body.String())
	}
	var info session.SessionInfo
	decodeBody(t, w, &info)
	if info.ID != "s1" || info.Username != sshtest.User || info.State != session.StateConnected {
		t.Errorf("info = %+v", info)
	}
	if !info.MonitorAvailable || !info.FilesAvailable {
		t.Errorf("auxiliary channels missing: %+v", info)
	}

	w = httptest.NewRecorder()
	ListSessions(w, newChiRequest("GET", "/api/v1/sessions", nil, nil))
	var list struct {
		Sessions []session.SessionInfo `json:"sessions"`
	}
	decodeBody(t, w, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "s1" {
		t.Errorf("list = %+v", list)
	}

	w = httptest.NewRecorder()
	SessionStatus(w, newChiRequest("GET", "/api/v1/sessions/s1/status", nil, map[string]string{"id": "s1"}))
	var status struct {
		State       session.State        `json:"state"`
		Transitions []session.Transition `json:"transitions"`
		Events      []session.Event      `json:"events"`
	}
	decodeBody(t, w, &status)
	if status.State != session.StateConnected || len(status.Transitions) == 0 || len(status.Events) == 0 {
		t.Errorf("status = %+v", status)
	}

	w = httptest.NewRecorder()
	DisconnectSession(w, newChiRequest("DELETE", "/api/v1/sessions/s1", nil, map[string]string{"id": "s1"}))
	if w.Code != http.StatusOK {
		t.Fatalf("disconnect: %d", w.Code)
	}
	if _, ok := Sessions.Get("s1"); ok {
		t.Error("session still registered after disconnect")
	}
	if got := Sessions.State("s1"); got != session.StateDisconnected {
		t.Errorf("state after disconnect = %s", got)
	}
}

func TestConnectSessionBadRequests(t *testing.T) {
	setupServices(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", "{"},
		{"no source", map[string]string{}},
		{"missing host", map[string]interface{}{"config": map[string]interface{}{"username": "u"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			ConnectSession(w, newChiRequest("POST", "/api/v1/sessions/x", tt.body, map[string]string{"id": "x"}))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestConnectSessionUnknownServer(t *testing.T) {
	setupServices(t)
	w := httptest.NewRecorder()
	ConnectSession(w, newChiRequest("POST", "/api/v1/sessions/x", map[string]string{"server_id": "missing"}, map[string]string{"id": "x"}))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestConnectSessionAuthFailure(t *testing.T) {
	setupServices(t)
	srv := sshtest.Start(t)

	w := httptest.NewRecorder()
	ConnectSession(w, newChiRequest("POST", "/api/v1/sessions/x", inlineBody(srv, "wrong"), map[string]string{"id": "x"}))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := Sessions.State("x"); got != session.StateFailed {
		t.Errorf("state = %s", got)
	}
}

func TestSessionStatusUnknownID(t *testing.T) {
	setupServices(t)
	w := httptest.NewRecorder()
	SessionStatus(w, newChiRequest("GET", "/api/v1/sessions/nope/status", nil, map[string]string{"id": "nope"}))
	var body map[string]interface{}
	decodeBody(t, w, &body)
	if body["state"] != string(session.StateDisconnected) {
		t.Errorf("state = %v", body["state"])
	}
	if _, ok := body["session"]; ok {
		t.Error("unknown id reported a live session")
	}

	w = httptest.NewRecorder()
	SessionStatus(w, newChiRequest("GET", "/api/v1/sessions/nope/status?events=-1", nil, map[string]string{"id": "nope"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative events: %d", w.Code)
	}
}
