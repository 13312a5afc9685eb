package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindStatus})
	b.Emit(SourceSession, KindStateChange, nil)
	if b.Dropped() != 0 {
		t.Error("nil bus reported drops")
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}

	b.Emit(SourceRouter, KindChatMessage, map[string]any{"text": "hi"})

	for i, ch := range subs {
		ev := recv(t, ch)
		if ev.Source != SourceRouter || ev.Kind != KindChatMessage || ev.Data["text"] != "hi" {
			t.Errorf("subscriber %d got %+v", i, ev)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("subscriber %d: Emit left Timestamp unset", i)
		}
		b.Unsubscribe(ch)
	}
}

func TestFullSubscriberMissesEvents(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, k := range []string{KindTurnStart, KindTurnDelta, KindTurnComplete} {
		b.Emit(SourceChat, k, nil)
	}

	if ev := recv(t, slow); ev.Kind != KindTurnStart {
		t.Errorf("slow got %q first", ev.Kind)
	}
	select {
	case ev := <-slow:
		t.Errorf("slow subscriber got %q past its buffer", ev.Kind)
	default:
	}
	for _, want := range []string{KindTurnStart, KindTurnDelta, KindTurnComplete} {
		if ev := recv(t, fast); ev.Kind != want {
			t.Errorf("fast got %q, want %q", ev.Kind, want)
		}
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	b.Publish(Event{Kind: KindStatus})
	if b.Dropped() != 0 {
		t.Error("publish after unsubscribe counted a drop")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	done := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
		}
		done <- n
	}()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				b.Emit(SourceSession, KindStatus, nil)
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)

	if got := int64(<-done) + b.Dropped(); got != 8*200 {
		t.Errorf("delivered+dropped = %d, want %d", got, 8*200)
	}
}
