package execnotify

import "testing"

func TestEmitDeliversEvent(t *testing.T) {
	w := New(nil)
	w.emit(Event{PID: 42, PPID: 1, Name: "sh", Cmdline: "/bin/sh"})

	select {
	case evt := <-w.Events():
		if evt.PID != 42 {
			t.Errorf("PID = %d, want 42", evt.PID)
		}
	default:
		t.Fatal("expected an event on the channel")
	}
}

func TestEmitDropsWhenChannelFull(t *testing.T) {
	w := New(nil)
	w.events = make(chan Event, 1)
	w.emit(Event{PID: 1})
	w.emit(Event{PID: 2}) // dropped, channel already full

	evt := <-w.Events()
	if evt.PID != 1 {
		t.Fatalf("first event PID = %d, want 1", evt.PID)
	}
	select {
	case <-w.Events():
		t.Fatal("expected no second event")
	default:
	}
}
