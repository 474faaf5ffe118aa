package ws

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

// drain empties a client's send queue and returns the frames received.
func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestHub_RegisterAttachesToActiveSession(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	hub.Migrate("", "session-1")

	client := NewClient(hub, nil)
	hub.Register(client)

	if client.SessionID() != "session-1" {
		t.Errorf("Expected client attached to session-1, got '%s'", client.SessionID())
	}
	if hub.SessionClientCount("session-1") != 1 {
		t.Errorf("Expected 1 attached client, got %d", hub.SessionClientCount("session-1"))
	}
}

func TestHub_PendingPoolAttachedOnNextMigrate(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	// Registered before any session exists: sits in the pending pool.
	client := NewClient(hub, nil)
	hub.Register(client)

	if client.SessionID() != "" {
		t.Errorf("Expected pending client, got session '%s'", client.SessionID())
	}

	hub.Migrate("", "session-1")

	if client.SessionID() != "session-1" {
		t.Errorf("Expected pending client attached on migrate, got '%s'", client.SessionID())
	}
}

func TestHub_MigrateRebindsAttachedConnections(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	hub.Migrate("", "session-1")

	a := NewClient(hub, nil)
	b := NewClient(hub, nil)
	hub.Register(a)
	hub.Register(b)

	hub.Migrate("session-1", "session-2")

	for _, c := range []*Client{a, b} {
		if c.SessionID() != "session-2" {
			t.Errorf("Expected client rebound to session-2, got '%s'", c.SessionID())
		}
	}
	if hub.SessionClientCount("session-1") != 0 {
		t.Error("No clients should remain on the replaced session")
	}
	if hub.CurrentSessionID() != "session-2" {
		t.Errorf("Expected current session session-2, got '%s'", hub.CurrentSessionID())
	}
}

func TestHub_BroadcastReachesOnlyAttachedClients(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	hub.Migrate("", "session-1")

	attached := NewClient(hub, nil)
	hub.Register(attached)

	// Simulate a connection left behind on a dead session id.
	stranger := NewClient(hub, nil)
	hub.Register(stranger)
	stranger.setSessionID("some-old-session")

	hub.Broadcast([]byte(`{"type":"status_update"}`))

	if got := len(drain(attached)); got != 1 {
		t.Errorf("Expected exactly 1 frame for attached client, got %d", got)
	}
	if got := len(drain(stranger)); got != 0 {
		t.Errorf("Expected 0 frames for detached client, got %d", got)
	}
}

func TestHub_SlowClientIsPruned(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	hub.Migrate("", "session-1")
	client := NewClient(hub, nil)
	hub.Register(client)

	// Fill the send buffer so the next delivery cannot be queued.
	for i := 0; i < cap(client.send); i++ {
		client.send <- []byte("x")
	}

	hub.Broadcast([]byte("overflow"))

	if !client.IsClosed() {
		t.Error("Expected slow client to be closed")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected slow client pruned from hub, got %d clients", hub.ClientCount())
	}
}

func TestHub_SendToClosedClientIsSafe(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	client := NewClient(hub, nil)
	hub.Register(client)
	client.Close()

	// Must not panic on the closed send channel.
	hub.SendTo(client, []byte("late frame"))

	if hub.ClientCount() != 0 {
		t.Error("Expected closed client to be unregistered")
	}
}

func TestHub_PruneStaleConnections(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	fresh := NewClient(hub, nil)
	stale := NewClient(hub, nil)
	hub.Register(fresh)
	hub.Register(stale)

	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().Add(-5 * time.Minute)
	stale.mu.Unlock()

	hub.pruneStale(2 * time.Minute)

	if hub.ClientCount() != 1 {
		t.Errorf("Expected 1 client after prune, got %d", hub.ClientCount())
	}
	if !stale.IsClosed() {
		t.Error("Expected stale client to be closed")
	}
	if fresh.IsClosed() {
		t.Error("Fresh client must survive the prune")
	}

	// A heartbeat resets the clock.
	fresh.TouchHeartbeat()
	hub.pruneStale(2 * time.Minute)
	if hub.ClientCount() != 1 {
		t.Error("Recently alive client must not be pruned")
	}
}

func TestHub_ReplacementDeliveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("every attached client sees one frame per replacement", prop.ForAll(
		func(clientCount, rounds int) bool {
			hub := newTestHub()
			defer hub.Close()

			clients := make([]*Client, clientCount)
			for i := range clients {
				clients[i] = NewClient(hub, nil)
				hub.Register(clients[i])
			}

			prev := ""
			for r := 0; r < rounds; r++ {
				next := fmt.Sprintf("session-%d", r)
				hub.Migrate(prev, next)
				hub.Broadcast([]byte(`{"type":"session_updated"}`))
				prev = next
			}

			for _, c := range clients {
				if len(drain(c)) != rounds {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 20),
	))

	properties.Property("migration never loses a connection", prop.ForAll(
		func(rounds int) bool {
			hub := newTestHub()
			defer hub.Close()

			client := NewClient(hub, nil)
			hub.Register(client)

			prev := ""
			for r := 0; r < rounds; r++ {
				next := fmt.Sprintf("session-%d", r)
				hub.Migrate(prev, next)
				if client.SessionID() != next {
					return false
				}
				prev = next
			}
			return hub.ClientCount() == 1
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
