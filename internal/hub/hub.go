package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-arcreactor/internal/logging"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" or "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("unknown hub policy %q", s)
}

// Event types published to subscribers.
const (
	EventBattery      = "battery"
	EventDisconnected = "disconnected"
	EventState        = "state"
	EventError        = "error"
)

// Event is one device notification as seen by remote subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func BatteryEvent(level float64) Event {
	return Event{Type: EventBattery, Timestamp: time.Now().UTC(), Data: level}
}

func DisconnectedEvent() Event {
	return Event{Type: EventDisconnected, Timestamp: time.Now().UTC()}
}

func StateEvent(state string) Event {
	return Event{Type: EventState, Timestamp: time.Now().UTC(), Data: state}
}

// ErrorEvent reports a rejected subscriber request back to that subscriber.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Timestamp: time.Now().UTC(), Data: msg}
}

type Client struct {
	Out       chan Event
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient builds a client with an outbound buffer of size buf.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan Event, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := len(h.clients)
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("subscribers_first_connected")
	}
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("subscribers_last_disconnected")
	}
}

// Broadcast sends an event to all subscribers honoring the backpressure
// policy. It never blocks.
func (h *Hub) Broadcast(ev Event) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) > 0 {
		max := 0
		sum := 0
		for _, c := range clients {
			l := len(c.Out)
			if l > max {
				max = l
			}
			sum += l
		}
		metrics.SetQueueDepth(max, sum/len(clients))
	}
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- ev:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server removes on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
