package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow subscriber
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(BatteryEvent(float64(i)))
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	// Oldest events are kept; later ones were dropped.
	if ev := <-cl.Out; ev.Data.(float64) != 0 {
		t.Fatalf("expected first event kept, got %v", ev.Data)
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	h.Broadcast(StateEvent("connected"))
	for i := 0; i < 10; i++ {
		h.Broadcast(BatteryEvent(50))
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got == 11 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got != 11 {
		t.Fatalf("fast subscriber got %d of 11 events while slow was backpressured", got)
	}
}

func TestHub_KickPolicyClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)
	before := metrics.Snap().HubKicks
	h.Broadcast(DisconnectedEvent())
	h.Broadcast(DisconnectedEvent())
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("slow client not kicked")
	}
	if metrics.Snap().HubKicks-before != 1 {
		t.Fatalf("kick not counted")
	}
	// Closed clients are skipped, not kicked again.
	h.Broadcast(DisconnectedEvent())
	if metrics.Snap().HubKicks-before != 1 {
		t.Fatalf("closed client kicked twice")
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	c := NewClient(1)
	h.Add(c)
	if h.Count() != 1 {
		t.Fatalf("count %d", h.Count())
	}
	h.Remove(c)
	h.Remove(c)
	if h.Count() != 0 {
		t.Fatalf("count %d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("kick"); err != nil || p != PolicyKick {
		t.Fatalf("kick: %v %v", p, err)
	}
	if p, err := ParsePolicy("drop"); err != nil || p != PolicyDrop {
		t.Fatalf("drop: %v %v", p, err)
	}
	if _, err := ParsePolicy("block"); err == nil {
		t.Fatalf("expected error")
	}
}
