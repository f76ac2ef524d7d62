package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Hub owns all routing state: the user -> connection registry, the presence
// map, active 1:1 call records and group-call sessions. Every connection's
// read goroutine mutates this state through the Hub's methods; the mutex is
// held only for map access, never across a store call or a network write.
type Hub struct {
	mu       sync.Mutex
	clients  map[int64]*Client
	statuses map[int64]bool // last known presence; entries are never deleted
	calls    map[int64]*CallState
	sessions map[string]*GroupCallSession

	store  Directory   // nil when the database is not configured
	events EventSource // nil when the database is not configured
	mailer EmailSender // nil when SMTP is not configured
}

func newHub(store Directory, mailer EmailSender) *Hub {
	return &Hub{
		clients:  make(map[int64]*Client),
		statuses: make(map[int64]bool),
		calls:    make(map[int64]*CallState),
		sessions: make(map[string]*GroupCallSession),
		store:    store,
		mailer:   mailer,
	}
}

// setEventSource wires the scheduled-events store slice in. Kept separate
// from the constructor so tests can stub Directory without events.
func (h *Hub) setEventSource(es EventSource) {
	h.events = es
}

// register maps userID to c, replacing any prior connection for the same id.
// The displaced connection is not closed and gets no eviction notice; it
// simply becomes unreachable through lookup and is reaped by the liveness
// monitor. Last writer wins.
func (h *Hub) register(userID int64, c *Client) {
	h.mu.Lock()
	prev := h.clients[userID]
	h.clients[userID] = c
	h.statuses[userID] = true
	total := len(h.clients)
	h.mu.Unlock()

	c.setUserID(userID)
	if prev != nil && prev != c {
		log.Printf("User %d re-authenticated; previous connection displaced", userID)
	}
	log.Printf("User %d authenticated. Active connections: %d", userID, total)

	h.broadcastStatus(userID, true)
}

// disconnect removes c from the registry if it is still the mapped
// connection for its user, flips presence to offline and broadcasts. Called
// from the read pump on connection close; a displaced connection closing
// must not unregister its replacement.
func (h *Hub) disconnect(c *Client) {
	defer c.close()

	userID := c.UserID()
	if userID == 0 {
		return
	}

	h.mu.Lock()
	current, ok := h.clients[userID]
	if !ok || current != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, userID)
	h.statuses[userID] = false
	h.mu.Unlock()

	log.Printf("User %d disconnected", userID)
	h.leaveAllGroupSessions(c)
	h.broadcastStatus(userID, false)

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.UpdateOnlineStatus(ctx, userID, false); err != nil {
			log.Printf("Error updating offline status for user %d: %v", userID, err)
		}
	}
}

// lookup returns the live connection for userID, or nil.
func (h *Hub) lookup(userID int64) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[userID]
}

// isOnline reports registry presence. A user never seen is offline.
func (h *Hub) isOnline(userID int64) bool {
	return h.lookup(userID) != nil
}

// lastKnownStatus answers from the presence map, which survives reconnects.
func (h *Hub) lastKnownStatus(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statuses[userID]
}

func (h *Hub) setStatus(userID int64, online bool) {
	h.mu.Lock()
	h.statuses[userID] = online
	h.mu.Unlock()
}

// snapshot copies the registry so broadcasts iterate without holding the
// lock; connections removed mid-broadcast are then just failed sends.
func (h *Hub) snapshot() map[int64]*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int64]*Client, len(h.clients))
	for id, c := range h.clients {
		out[id] = c
	}
	return out
}

// prune drops c from the registry without a broadcast, for dead connections
// discovered during a send. The presence flip is the caller's business.
func (h *Hub) prune(userID int64, c *Client) {
	h.mu.Lock()
	if h.clients[userID] == c {
		delete(h.clients, userID)
	}
	h.mu.Unlock()
}

// broadcastStatus fans a status_update for userID out to every connected
// client. Never returns an error; failed sends prune the dead entry.
func (h *Hub) broadcastStatus(userID int64, online bool) {
	data, err := json.Marshal(newStatusUpdate(userID, online))
	if err != nil {
		log.Printf("Error marshalling status update for user %d: %v", userID, err)
		return
	}

	successCount := 0
	failCount := 0
	for id, c := range h.snapshot() {
		if c.trySend(data) {
			successCount++
			continue
		}
		failCount++
		log.Printf("Failed to send status to client %d - connection not draining", id)
		h.prune(id, c)
	}

	log.Printf("Status broadcast complete: user=%d online=%v success=%d fail=%d", userID, online, successCount, failCount)

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.UpdateOnlineStatus(ctx, userID, online); err != nil {
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("operation", "store_update_online_status")
				scope.SetLevel(sentry.LevelWarning)
				sentry.CaptureException(err)
			})
		}
	}
}

// sendToUser delivers v to userID's live connection. A miss or a failed send
// is a normal outcome, reported by the return value, never an error.
func (h *Hub) sendToUser(userID int64, v any) bool {
	c := h.lookup(userID)
	if c == nil {
		return false
	}
	if !c.sendJSON(v) {
		log.Printf("Could not send to user %d, channel full", userID)
		return false
	}
	return true
}

// forwardRaw relays an inbound frame verbatim.
func (h *Hub) forwardRaw(userID int64, raw []byte) bool {
	c := h.lookup(userID)
	if c == nil {
		return false
	}
	return c.trySend(raw)
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) onlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, online := range h.statuses {
		if online {
			n++
		}
	}
	return n
}
