package session

import (
	"log"
	"sync"
	"time"

	"github.com/shellport/shellport/internal/logutil"
)

// EventType identifies a connection event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventReplaced        EventType = "replaced"
	EventDisconnected    EventType = "disconnected"
	EventShellEnded      EventType = "shell_ended"
	EventMonitorDisabled EventType = "monitor_disabled"
	EventFilesDisabled   EventType = "files_disabled"
	EventRateLimited     EventType = "rate_limited"
)

// Event is one entry of a session's event log.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

const maxEventsPerSession = 100

// eventLog is a per-session ring buffer of the last events.
type eventLog struct {
	mu     sync.RWMutex
	events map[string][]Event
}

func newEventLog() *eventLog {
	return &eventLog{events: make(map[string][]Event)}
}

func (l *eventLog) add(id string, typ EventType, details string) {
	e := Event{SessionID: id, Type: typ, Details: details, Timestamp: time.Now()}

	l.mu.Lock()
	evs := append(l.events[id], e)
	if len(evs) > maxEventsPerSession {
		evs = evs[len(evs)-maxEventsPerSession:]
	}
	l.events[id] = evs
	l.mu.Unlock()

	log.Printf("[session] event %s/%s: %s", logutil.SanitizeForLog(id), typ, logutil.SanitizeForLog(details))
}

func (l *eventLog) recent(id string, n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	evs := l.events[id]
	if n > 0 && len(evs) > n {
		evs = evs[len(evs)-n:]
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}
