package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shellport/shellport/internal/audit"
)

func TestGetAuditLogs(t *testing.T) {
	setupServices(t)
	AuditLog.Log(audit.Entry{SessionID: "a", EventType: audit.EventConnected, Host: "h:22"})
	AuditLog.Log(audit.Entry{SessionID: "a", EventType: audit.EventDisconnected, Host: "h:22"})
	AuditLog.Log(audit.Entry{SessionID: "b", EventType: audit.EventConnected, Host: "g:22"})

	w := httptest.NewRecorder()
	GetAuditLogs(w, newChiRequest("GET", "/api/v1/audit", nil, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var all audit.QueryResult
	decodeBody(t, w, &all)
	if all.Total != 3 || len(all.Entries) != 3 {
		t.Errorf("all = %d/%d", all.Total, len(all.Entries))
	}

	w = httptest.NewRecorder()
	GetAuditLogs(w, newChiRequest("GET", "/api/v1/audit?session_id=a&event_type="+audit.EventConnected, nil, nil))
	var filtered audit.QueryResult
	decodeBody(t, w, &filtered)
	if filtered.Total != 1 || filtered.Entries[0].SessionID != "a" {
		t.Errorf("filtered = %+v", filtered)
	}

	w = httptest.NewRecorder()
	GetAuditLogs(w, newChiRequest("GET", "/api/v1/audit?limit=2&offset=1", nil, nil))
	var page audit.QueryResult
	decodeBody(t, w, &page)
	if len(page.Entries) != 2 || page.Limit != 2 || page.Offset != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestGetAuditLogsBadParams(t *testing.T) {
	setupServices(t)
	for _, q := range []string{"limit=0", "limit=x", "offset=-1", "since=yesterday", "until=2020"} {
		w := httptest.NewRecorder()
		GetAuditLogs(w, newChiRequest("GET", "/api/v1/audit?"+q, nil, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", q, w.Code)
		}
	}
}

func TestPurgeAuditLogs(t *testing.T) {
	setupServices(t)
	AuditLog.Log(audit.Entry{SessionID: "a", EventType: audit.EventConnected})

	w := httptest.NewRecorder()
	PurgeAuditLogs(w, newChiRequest("POST", "/api/v1/audit/purge?days=1", nil, nil))
	var body map[string]int64
	decodeBody(t, w, &body)
	if body["deleted"] != 0 {
		t.Errorf("fresh entry purged: %v", body)
	}

	w = httptest.NewRecorder()
	PurgeAuditLogs(w, newChiRequest("POST", "/api/v1/audit/purge?days=0", nil, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("days=0: %d", w.Code)
	}
}

func TestAuditUnavailable(t *testing.T) {
	AuditLog = nil
	w := httptest.NewRecorder()
	GetAuditLogs(w, newChiRequest("GET", "/api/v1/audit", nil, nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}
