package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forest6511/offline/pkg/types"
)

func TestEmitterOnAndOff(t *testing.T) {
	e := NewEmitter(nil)

	var got []types.TaskStatus
	off := e.On(EventTaskStatus, func(ev Event) {
		got = append(got, ev.To)
	})

	e.EmitSync(Event{Type: EventTaskStatus, To: types.StatusDownloading})
	e.EmitSync(Event{Type: EventTaskProgress})
	off()
	e.EmitSync(Event{Type: EventTaskStatus, To: types.StatusCompleted})

	if len(got) != 1 || got[0] != types.StatusDownloading {
		t.Errorf("received %v, want [downloading]", got)
	}
	if n := e.ListenerCount(EventTaskStatus); n != 0 {
		t.Errorf("ListenerCount = %d, want 0", n)
	}
}

func TestEmitterOnce(t *testing.T) {
	e := NewEmitter(nil)

	var calls int32
	e.Once(EventSyncCompleted, func(Event) { atomic.AddInt32(&calls, 1) })

	e.EmitSync(Event{Type: EventSyncCompleted})
	e.EmitSync(Event{Type: EventSyncCompleted})

	if calls != 1 {
		t.Errorf("once listener called %d times, want 1", calls)
	}
}

func TestEmitterSetsTimestamp(t *testing.T) {
	e := NewEmitter(nil)

	var ts time.Time
	e.On(EventTaskCreated, func(ev Event) { ts = ev.Timestamp })
	e.EmitSync(Event{Type: EventTaskCreated})

	if ts.IsZero() {
		t.Error("EmitSync should stamp events without a timestamp")
	}
}

func TestEmitterAsync(t *testing.T) {
	e := NewEmitter(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	e.On(EventStorageEvicted, func(Event) { wg.Done() })
	e.OnAll(func(Event) { wg.Done() })

	e.Emit(Event{Type: EventStorageEvicted, Evicted: []string{"l1"}})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async listeners were not called")
	}
}

func TestEmitterListenerPanic(t *testing.T) {
	e := NewEmitter(nil)

	called := false
	e.On(EventTaskStatus, func(Event) { panic("boom") })
	e.On(EventTaskStatus, func(Event) { called = true })

	e.EmitSync(Event{Type: EventTaskStatus})

	if !called {
		t.Error("a panicking listener must not prevent later listeners")
	}
}

func TestEmitterSubscribe(t *testing.T) {
	e := NewEmitter(nil)

	ch, stop := e.Subscribe(4)
	e.EmitSync(Event{Type: EventTaskCreated})
	e.EmitSync(Event{Type: EventSyncFailed, Category: types.CategoryProgress})

	first := <-ch
	second := <-ch
	if first.Type != EventTaskCreated || second.Type != EventSyncFailed {
		t.Errorf("got %s, %s", first.Type, second.Type)
	}

	stop()
	stop()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after stop")
	}

	// Emitting after stop must not panic on the closed channel.
	e.EmitSync(Event{Type: EventTaskCreated})
}

func TestEmitterClose(t *testing.T) {
	e := NewEmitter(nil)

	called := false
	e.On(EventTaskCreated, func(Event) { called = true })
	e.Close()
	e.EmitSync(Event{Type: EventTaskCreated})
	e.On(EventTaskCreated, func(Event) { called = true })
	e.EmitSync(Event{Type: EventTaskCreated})

	if called {
		t.Error("closed emitter should not deliver events")
	}
}

func TestWaitForEvent(t *testing.T) {
	e := NewEmitter(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Emit(Event{Type: EventTaskStatus, To: types.StatusDownloading})
		e.Emit(Event{Type: EventTaskStatus, To: types.StatusCompleted})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := e.WaitForEvent(ctx, EventTaskStatus, func(ev Event) bool {
		return ev.To == types.StatusCompleted
	})
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if ev.To != types.StatusCompleted {
		t.Errorf("To = %s, want completed", ev.To)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if _, err := e.WaitForEvent(short, EventSyncStarted, nil); err == nil {
		t.Error("expected timeout error")
	}
}
