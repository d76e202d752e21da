package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToAllListeners(t *testing.T) {
	b := NewBus()
	defer b.Close()

	l1 := b.Listen()
	l2 := b.Listen()

	b.Emit(Event{Kind: Started, Text: "hello"})

	for _, l := range []*Listener{l1, l2} {
		select {
		case ev := <-l.Events():
			require.Equal(t, Started, ev.Kind)
			require.Equal(t, "hello", ev.Text)
		case <-time.After(time.Second):
			t.Fatal("listener did not receive event")
		}
	}
}

func TestListenerCloseDetachesFromBus(t *testing.T) {
	b := NewBus()
	defer b.Close()

	l := b.Listen()
	l.Close()

	_, ok := <-l.Events()
	require.False(t, ok, "closed listener's channel must be closed")
}

func TestSlowListenerIsDroppedWithoutBlockingEmit(t *testing.T) {
	b := NewBus()
	b.SetLatency(20 * time.Millisecond)
	defer b.Close()

	slow := b.Listen()
	fast := b.Listen()

	// Fill slow's buffered channel (capacity 16) without ever reading
	// from it, while draining fast after every send, so the dispatch
	// loop is eventually forced to time out delivering to slow and
	// drop it instead of blocking subsequent emits.
	const n = 20
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			b.Emit(Event{Kind: Started, Count: i})
			<-fast.Events()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a slow listener instead of dropping it")
	}

	// Drain whatever slow managed to buffer; its channel must end up closed.
	for {
		_, ok := <-slow.Events()
		if !ok {
			return
		}
	}
}

func TestBusCloseClosesAllListeners(t *testing.T) {
	b := NewBus()
	l := b.Listen()
	b.Close()

	_, ok := <-l.Events()
	require.False(t, ok)

	// Listen/Close after Close must not deadlock.
	l2 := b.Listen()
	l2.Close()
}
