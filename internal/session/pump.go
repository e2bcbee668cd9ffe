package session

import (
	"errors"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shellport/shellport/internal/audit"
	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/logutil"
	"github.com/shellport/shellport/internal/sshconn"
)

const (
	defaultPumpIdle = 10 * time.Millisecond
	pumpBufferSize  = 8192
)

// pump forwards shell output for rec until the shell ends or rec stops
// being the live record for its id.
func (r *Registry) pump(rec *record) {
	defer close(rec.pumpExited)

	dataTopic := events.TerminalData(rec.id)
	exitTopic := events.TerminalExit(rec.id)
	buf := make([]byte, pumpBufferSize)
	var carry []byte

	for {
		if !r.current(rec) {
			return
		}

		rec.shellMu.Lock()
		n, err := rec.shell.TryRead(buf, 0)
		rec.shellMu.Unlock()

		if n > 0 {
			chunk := append(carry, buf[:n]...)
			var complete []byte
			complete, carry = splitIncompleteUTF8(chunk)
			if len(complete) > 0 {
				r.bus.Emit(dataTopic, strings.ToValidUTF8(string(complete), "�"))
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, sshconn.ErrWouldBlock):
			time.Sleep(r.opts.PumpIdle)
		case errors.Is(err, io.EOF):
			if !r.current(rec) {
				return
			}
			if len(carry) > 0 {
				r.bus.Emit(dataTopic, strings.ToValidUTF8(string(carry), "�"))
			}
			r.bus.Emit(exitTopic, nil)
			r.shellEnded(rec, "")
			return
		default:
			if !r.current(rec) {
				return
			}
			log.Printf("[session] %s: shell read failed: %v", logutil.SanitizeForLog(rec.id), err)
			r.bus.Emit(exitTopic, nil)
			r.shellEnded(rec, err.Error())
			return
		}
	}
}

// shellEnded drops rec after its shell finished on its own. A record that
// was already replaced or disconnected is left alone.
func (r *Registry) shellEnded(rec *record, reason string) {
	r.mu.Lock()
	if r.records[rec.id] != rec {
		r.mu.Unlock()
		return
	}
	delete(r.records, rec.id)
	r.mu.Unlock()

	r.closeRecord(rec)
	r.states.set(rec.id, StateDisconnected)
	if reason == "" {
		reason = "remote shell exited"
	}
	r.events.add(rec.id, EventShellEnded, reason)
	r.audit(audit.Entry{
		SessionID: rec.id,
		EventType: audit.EventShellEnded,
		Host:      rec.addr,
		Username:  rec.username,
		Details:   reason,
		Duration:  time.Since(rec.connectedAt),
	})
}

// splitIncompleteUTF8 holds back a trailing partial rune so multi-byte
// characters split across reads are not replaced.
func splitIncompleteUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			rest = make([]byte, len(b)-i)
			copy(rest, b[i:])
			return b[:i], rest
		}
		break
	}
	return b, nil
}
