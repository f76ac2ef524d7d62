package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"
)

const defaultHeartbeatInterval = 30 * time.Second

func heartbeatInterval() time.Duration {
	if s := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultHeartbeatInterval
}

// runLiveness probes every registered connection on a fixed interval. Each
// tick first reaps connections that did not answer the previous probe, then
// marks the survivors unconfirmed and pings them. A connection therefore has
// one full interval to pong before it is terminated. Reaping goes through
// the normal disconnect path so presence flips offline exactly once.
func (h *Hub) runLiveness(ctx context.Context) {
	interval := heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Liveness monitor started (interval %s)", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Hub) sweepOnce() {
	reaped := 0
	probed := 0
	for userID, c := range h.snapshot() {
		if !c.isAlive() {
			log.Printf("User %d failed liveness probe, terminating connection", userID)
			c.terminate()
			h.disconnect(c)
			reaped++
			continue
		}
		c.setAlive(false)
		if err := c.ping(); err != nil {
			log.Printf("Error pinging user %d: %v", userID, err)
			c.terminate()
			h.disconnect(c)
			reaped++
			continue
		}
		probed++
	}
	log.Printf("Liveness sweep: %d probed, %d reaped, %d connected", probed, reaped, h.clientCount())
}
