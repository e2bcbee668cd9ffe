package events

import (
	"sync"
	"testing"
	"time"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	b := New()
	var got []interface{}
	unsub := b.Subscribe(TerminalData("s1"), func(p interface{}) { got = append(got, p) })

	b.Emit(TerminalData("s1"), "hello")
	b.Emit(TerminalData("s2"), "other session")

	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v, want [hello]", got)
	}

	unsub()
	unsub() // idempotent
	b.Emit(TerminalData("s1"), "after unsubscribe")
	if len(got) != 1 {
		t.Errorf("handler called after unsubscribe: %v", got)
	}
}

func TestEmitWithoutSubscribersIsDropped(t *testing.T) {
	b := New()
	b.Emit(TerminalExit("nobody"), nil)
	if n := b.SubscriberCount(TerminalExit("nobody")); n != 0 {
		t.Errorf("SubscriberCount = %d", n)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New()
	called := false
	b.Subscribe(HostKeyLog, func(interface{}) { panic("boom") })
	b.Subscribe(HostKeyLog, func(interface{}) { called = true })

	b.Emit(HostKeyLog, "line")
	if !called {
		t.Error("second handler was not called")
	}
}

func TestDropRemovesAllAndAllowsResubscribe(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("t", func(interface{}) { count++ })
	b.Subscribe("t", func(interface{}) { count++ })
	if n := b.SubscriberCount("t"); n != 2 {
		t.Fatalf("SubscriberCount = %d", n)
	}

	b.Drop("t")
	b.Emit("t", nil)
	if count != 0 {
		t.Fatalf("handlers called after drop: %d", count)
	}

	b.Subscribe("t", func(interface{}) { count++ })
	b.Emit("t", nil)
	if count != 1 {
		t.Errorf("count after resubscribe = %d, want 1", count)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	b := New()
	var mu sync.Mutex
	total := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("c", func(interface{}) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			defer unsub()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit("c", j)
			}
		}()
	}
	wg.Wait()
}

func TestTopicNames(t *testing.T) {
	if TerminalData("abc") != "term-data-abc" {
		t.Errorf("TerminalData = %q", TerminalData("abc"))
	}
	if TerminalExit("abc") != "term-exit-abc" {
		t.Errorf("TerminalExit = %q", TerminalExit("abc"))
	}
}

func TestBlockedHandlerDoesNotStallOtherTopics(t *testing.T) {
	b := New()
	release := make(chan struct{})
	entered := make(chan struct{})
	b.Subscribe(TerminalData("slow"), func(interface{}) {
		close(entered)
		<-release
	})
	defer close(release)

	go b.Emit(TerminalData("slow"), "stuck")
	<-entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		got := make(chan interface{}, 1)
		unsub := b.Subscribe(TerminalData("fast"), func(p interface{}) { got <- p })
		defer unsub()
		b.Emit(TerminalData("fast"), "ok")
		b.Emit(TerminalData("idle"), "nobody listens")
		if p := <-got; p != "ok" {
			t.Errorf("payload = %v", p)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe/Emit on another topic blocked behind a slow handler")
	}
}

func TestUnsubscribeLastHandlerForgetsTopic(t *testing.T) {
	b := New()
	u1 := b.Subscribe(TerminalData("s"), func(interface{}) {})
	u2 := b.Subscribe(TerminalData("s"), func(interface{}) {})
	u3 := b.Subscribe(TerminalExit("s"), func(interface{}) {})

	u1()
	if n := b.SubscriberCount(TerminalData("s")); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
	u2()
	u3()

	b.emitMu.RLock()
	listeners := b.emitter.Len()
	b.emitMu.RUnlock()
	b.subsMu.RLock()
	topics := len(b.subs)
	b.subsMu.RUnlock()
	if topics != 0 || listeners != 0 {
		t.Errorf("topics = %d, emitter events = %d, want 0/0", topics, listeners)
	}

	count := 0
	b.Subscribe(TerminalData("s"), func(interface{}) { count++ })
	b.Emit(TerminalData("s"), "again")
	if count != 1 {
		t.Errorf("count after resubscribe = %d", count)
	}
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	b := New()
	calls := 0
	var unsub func()
	unsub = b.Subscribe("self", func(interface{}) {
		calls++
		unsub()
	})
	b.Emit("self", nil)
	b.Emit("self", nil)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
