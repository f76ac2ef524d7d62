package main

import (
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHeartbeatIntervalFromEnv(t *testing.T) {
	os.Setenv("HEARTBEAT_INTERVAL_SECONDS", "7")
	defer os.Unsetenv("HEARTBEAT_INTERVAL_SECONDS")
	if got := heartbeatInterval(); got != 7*time.Second {
		t.Errorf("heartbeatInterval() = %v, want 7s", got)
	}

	os.Setenv("HEARTBEAT_INTERVAL_SECONDS", "bogus")
	if got := heartbeatInterval(); got != defaultHeartbeatInterval {
		t.Errorf("heartbeatInterval() = %v, want default %v", got, defaultHeartbeatInterval)
	}
}

// TestSweepReapsUnresponsiveConnection: a connection that missed its probe
// window is terminated, unregistered and its user broadcast offline.
func TestSweepReapsUnresponsiveConnection(t *testing.T) {
	hub := newHub(nil, nil)
	server, ws1 := newTestServerAndClient(t, hub)
	defer server.Close()
	defer ws1.Close()
	authenticate(t, ws1, 1)

	server2, ws2 := newTestServerAndClient(t, hub)
	defer server2.Close()
	defer ws2.Close()
	authenticate(t, ws2, 2)

	// Mark user 2's connection as having missed the previous probe.
	c2 := hub.lookup(2)
	if c2 == nil {
		t.Fatal("User 2 not registered")
	}
	c2.setAlive(false)

	hub.sweepOnce()

	if hub.lookup(2) != nil {
		t.Error("Unresponsive connection should be unregistered")
	}
	if hub.isOnline(2) {
		t.Error("Reaped user should be offline")
	}
	if hub.lookup(1) == nil {
		t.Error("Responsive connection should survive the sweep")
	}

	msg := readStatusUpdateFor(t, ws1, 2, time.Second)
	if msg == nil {
		t.Fatal("Survivor did not see the reaped user go offline")
	}
	if msg["isOnline"] != false {
		t.Errorf("isOnline = %v, want false", msg["isOnline"])
	}
}

// TestSweepMarksSurvivorsUnconfirmed: after a sweep the surviving
// connections are pending until their pong arrives.
func TestSweepMarksSurvivorsUnconfirmed(t *testing.T) {
	hub := newHub(nil, nil)
	server, ws := newTestServerAndClient(t, hub)
	defer server.Close()
	defer ws.Close()

	pong := make(chan struct{}, 1)
	ws.SetPingHandler(func(appData string) error {
		pong <- struct{}{}
		return ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	go func() {
		// Drive the read loop so control frames are processed.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := ws.WriteJSON(map[string]any{"type": "auth", "userId": 5}); err != nil {
		t.Fatalf("Failed to auth: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	c := hub.lookup(5)
	if c == nil {
		t.Fatal("User 5 not registered")
	}

	hub.sweepOnce()
	if c.isAlive() {
		t.Error("Connection should be unconfirmed right after a sweep")
	}

	select {
	case <-pong:
	case <-time.After(time.Second):
		t.Fatal("No ping received from the sweep")
	}

	// The pong flips the connection back to confirmed.
	deadline := time.Now().Add(time.Second)
	for !c.isAlive() {
		if time.Now().After(deadline) {
			t.Fatal("Pong did not mark the connection alive")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A second sweep must not reap it.
	hub.sweepOnce()
	if hub.lookup(5) == nil {
		t.Error("Responsive connection was reaped")
	}
}
