package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/shellport/shellport/internal/events"
	"github.com/shellport/shellport/internal/logutil"
)

// terminalRateLimit is the number of client messages allowed per second on
// one WebSocket. Messages beyond it are dropped.
const terminalRateLimit = 200

// terminalRateBurst lets short bursts such as pastes through.
const terminalRateBurst = 200

const (
	maxInputMessageSize = 64 * 1024
	maxResizeCols       = 500
	maxResizeRows       = 200

	// terminalOutputBuffer is how many output chunks may queue for a slow
	// client. Chunks beyond it are dropped.
	terminalOutputBuffer = 256
)

// outputQueue buffers shell output for one client. push never blocks so
// the session pump is not held up by a slow browser.
type outputQueue struct {
	ch      chan []byte
	dropped atomic.Int64
}

func newOutputQueue(size int) *outputQueue {
	return &outputQueue{ch: make(chan []byte, size)}
}

func (q *outputQueue) push(b []byte) bool {
	select {
	case q.ch <- b:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

type termMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Data string `json:"data"`
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	refill := int(elapsed.Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens += refill
		tb.lastRefill = now
	}
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

func clampSize(cols, rows int) (int, int) {
	if cols > maxResizeCols {
		cols = maxResizeCols
	}
	if rows > maxResizeRows {
		rows = maxResizeRows
	}
	return cols, rows
}

// TerminalWS attaches a WebSocket to the shell of a connected session.
// Shell output arrives as binary messages. Binary client messages are shell
// input; text messages are JSON control messages:
//
//	{"type":"resize","cols":120,"rows":40}
//	{"type":"input","data":"ls\r"}
//
// The socket is closed normally when the shell exits.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	if Sessions == nil || Bus == nil {
		clientConn.Close(4500, "Session registry not initialized")
		return
	}
	if _, ok := Sessions.Get(id); !ok {
		clientConn.Close(4004, "Session not found")
		return
	}

	clientConn.SetReadLimit(1024 * 1024)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	queue := newOutputQueue(terminalOutputBuffer)
	out := queue.ch
	exited := make(chan struct{})
	var exitOnce sync.Once

	unsubData := Bus.Subscribe(events.TerminalData(id), func(p interface{}) {
		s, ok := p.(string)
		if !ok {
			return
		}
		queue.push([]byte(s))
	})
	defer unsubData()
	unsubExit := Bus.Subscribe(events.TerminalExit(id), func(interface{}) {
		exitOnce.Do(func() { close(exited) })
	})
	defer unsubExit()

	// The shell may have ended between the lookup and the subscription.
	if _, ok := Sessions.Get(id); !ok {
		clientConn.Close(4004, "Session not found")
		return
	}

	log.Printf("[terminal] attached session=%s", logutil.SanitizeForLog(id))
	defer func() {
		if n := queue.dropped.Load(); n > 0 {
			log.Printf("[terminal] session=%s dropped %d output chunks for a slow client", logutil.SanitizeForLog(id), n)
		}
		log.Printf("[terminal] detached session=%s", logutil.SanitizeForLog(id))
	}()

	// Shell output -> Browser
	go func() {
		defer relayCancel()
		for {
			select {
			case data := <-out:
				if err := clientConn.Write(relayCtx, websocket.MessageBinary, data); err != nil {
					return
				}
			case <-exited:
				for {
					select {
					case data := <-out:
						if err := clientConn.Write(relayCtx, websocket.MessageBinary, data); err != nil {
							return
						}
					default:
						clientConn.Close(websocket.StatusNormalClosure, "Shell exited")
						return
					}
				}
			case <-relayCtx.Done():
				return
			}
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Browser -> Shell stdin
	func() {
		defer relayCancel()
		for {
			msgType, data, err := clientConn.Read(relayCtx)
			if err != nil {
				return
			}

			if !limiter.allow() {
				continue
			}

			if msgType == websocket.MessageBinary {
				if len(data) > maxInputMessageSize {
					log.Printf("[terminal] input message too large: session=%s size=%d", logutil.SanitizeForLog(id), len(data))
					continue
				}
				if err := Sessions.Write(id, data); err != nil {
					return
				}
				continue
			}

			var msg termMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					cols, rows := clampSize(msg.Cols, msg.Rows)
					if err := Sessions.Resize(id, cols, rows); err != nil {
						log.Printf("[terminal] resize session=%s: %v", logutil.SanitizeForLog(id), err)
					}
				}
			case "input":
				if len(msg.Data) > 0 && len(msg.Data) <= maxInputMessageSize {
					if err := Sessions.Write(id, []byte(msg.Data)); err != nil {
						return
					}
				}
			}
		}
	}()

	clientConn.Close(websocket.StatusNormalClosure, "")
}
