// Package events is the fire-and-forget topic bus the core uses to push
// terminal output, terminal exit and host-key log lines to whoever listens.
//
// Delivery is synchronous on the emitting goroutine, at most once, and
// silently dropped when a topic has no subscribers. No lock is held while
// handlers run, so a slow handler only delays its own emitter. A panicking
// handler is recovered and logged.
package events

import (
	"log"
	"sync"

	goevents "github.com/kataras/go-events"
)

// Topic helpers for the per-session streams.
func TerminalData(sessionID string) string { return "term-data-" + sessionID }
func TerminalExit(sessionID string) string { return "term-exit-" + sessionID }

// HostKeyLog is the topic for host-key verification progress lines.
const HostKeyLog = "ssh-log"

// Handler receives the payload passed to Emit.
type Handler func(payload interface{})

// Emitter is the publishing side of a Bus, used by packages that only emit.
type Emitter interface {
	Emit(topic string, payload interface{})
}

// Bus routes payloads to subscribers by topic.
type Bus struct {
	// emitMu guards emitter. Listeners reads the emitter's map without
	// taking its own lock.
	emitMu  sync.RWMutex
	emitter goevents.EventEmmiter

	subsMu sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
}

func New() *Bus {
	return &Bus{
		emitter: goevents.New(),
		subs:    make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers h for topic and returns a function that removes it.
// Removing the last handler of a topic forgets the topic.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	b.emitMu.Lock()
	b.subsMu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[uint64]Handler)
		b.subs[topic] = set
	}
	b.nextID++
	id := b.nextID
	set[id] = h
	b.subsMu.Unlock()
	if !ok {
		b.emitter.On(goevents.EventName(topic), b.dispatcher(topic))
	}
	b.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.emitMu.Lock()
			defer b.emitMu.Unlock()
			b.subsMu.Lock()
			empty := false
			if set, ok := b.subs[topic]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.subs, topic)
					empty = true
				}
			}
			b.subsMu.Unlock()
			if empty {
				b.emitter.RemoveAllListeners(goevents.EventName(topic))
			}
		})
	}
}

// Emit delivers payload to the current subscribers of topic.
func (b *Bus) Emit(topic string, payload interface{}) {
	b.emitMu.RLock()
	listeners := b.emitter.Listeners(goevents.EventName(topic))
	b.emitMu.RUnlock()
	for _, l := range listeners {
		l(payload)
	}
}

// Drop removes every subscriber of topic.
func (b *Bus) Drop(topic string) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.subsMu.Lock()
	_, ok := b.subs[topic]
	delete(b.subs, topic)
	b.subsMu.Unlock()
	if ok {
		b.emitter.RemoveAllListeners(goevents.EventName(topic))
	}
}

// SubscriberCount reports how many handlers are attached to topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) dispatcher(topic string) goevents.Listener {
	return func(payload ...interface{}) {
		var p interface{}
		if len(payload) > 0 {
			p = payload[0]
		}

		b.subsMu.RLock()
		handlers := make([]Handler, 0, len(b.subs[topic]))
		for _, h := range b.subs[topic] {
			handlers = append(handlers, h)
		}
		b.subsMu.RUnlock()

		for _, h := range handlers {
			deliver(topic, h, p)
		}
	}
}

func deliver(topic string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] handler for %s panicked: %v", topic, r)
		}
	}()
	h(payload)
}
