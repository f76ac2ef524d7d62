package main

import (
	"context"
	"log"
	"time"
)

// CallState marks a user as engaged in an active 1:1 call. Its only job is
// busy rejection: a second incoming call while an entry exists is refused.
// Entries are written for both parties on a call request and cleared when
// either party rejects or ends the call.
type CallState struct {
	PeerID    int64
	Kind      string // "audio" or "video"
	StartedAt time.Time
}

func (h *Hub) callActive(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.calls[userID]
	return ok
}

func (h *Hub) setCall(a, b int64, kind string) {
	now := time.Now()
	h.mu.Lock()
	h.calls[a] = &CallState{PeerID: b, Kind: kind, StartedAt: now}
	h.calls[b] = &CallState{PeerID: a, Kind: kind, StartedAt: now}
	h.mu.Unlock()
}

func (h *Hub) clearCall(a, b int64) {
	h.mu.Lock()
	delete(h.calls, a)
	delete(h.calls, b)
	h.mu.Unlock()
}

// callRejection is the error envelope returned to a caller whose request
// cannot be delivered.
type callRejection struct {
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	RecipientID int64  `json:"recipientId"`
	SenderID    int64  `json:"senderId"`
}

// handleCallRequest processes audio_call_request / video_call_request: busy
// check first, then call-state registration and offer forwarding. Offline
// and busy outcomes both answer the caller with a *_call_rejected envelope.
func (h *Hub) handleCallRequest(c *Client, env *Envelope, kind string) {
	senderID := env.Sender()
	if senderID == 0 {
		senderID = c.UserID()
	}
	recipientID := env.Recipient()
	if senderID == 0 || recipientID == 0 {
		log.Printf("Invalid %s call request data: sender=%d recipient=%d", kind, senderID, recipientID)
		return
	}

	rejected := kind + "_call_rejected"
	log.Printf("Processing %s call request from %d to %d", kind, senderID, recipientID)

	if !h.isOnline(recipientID) {
		c.sendJSON(callRejection{Type: rejected, Reason: reasonRecipientOffline, RecipientID: recipientID, SenderID: senderID})
		return
	}
	if h.callActive(recipientID) {
		c.sendJSON(callRejection{Type: rejected, Reason: reasonUserBusy, RecipientID: recipientID, SenderID: senderID})
		return
	}

	h.setCall(senderID, recipientID, kind)

	senderName := env.SenderName
	if senderName == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		senderName = resolveDisplayName(ctx, h.store, senderID)
		cancel()
	}

	delivered := h.sendToUser(recipientID, map[string]any{
		"type":       kind + "_call_request",
		"senderId":   senderID,
		"senderName": senderName,
		"sdp":        env.SDP,
	})
	if !delivered {
		// Connection died between the lookup and the send.
		h.clearCall(senderID, recipientID)
		c.sendJSON(callRejection{Type: rejected, Reason: reasonRecipientUnavailable, RecipientID: recipientID, SenderID: senderID})
		return
	}
	log.Printf("%s call request forwarded to %d", kind, recipientID)
}

// handleCallAccepted forwards the answer SDP back to the caller.
func (h *Hub) handleCallAccepted(env *Envelope, kind string) {
	target := env.Recipient()
	if target == 0 {
		return
	}
	h.sendToUser(target, map[string]any{
		"type":     kind + "_call_accepted",
		"senderId": env.Sender(),
		"sdp":      env.SDP,
	})
}

// handleCallRejected clears call state for both parties and notifies the
// peer if still connected; a missing peer is a silent drop.
func (h *Hub) handleCallRejected(env *Envelope, kind string) {
	senderID := env.Sender()
	target := env.Recipient()
	h.clearCall(senderID, target)

	reason := env.Reason
	if reason == "" {
		reason = "declined"
	}
	h.sendToUser(target, map[string]any{
		"type":     kind + "_call_rejected",
		"senderId": senderID,
		"reason":   reason,
	})
}

// handleCallEnd clears call state for both parties and notifies the peer.
func (h *Hub) handleCallEnd(env *Envelope, kind string) {
	senderID := env.Sender()
	target := env.Recipient()
	h.clearCall(senderID, target)

	h.sendToUser(target, map[string]any{
		"type":     kind + "_call_end",
		"senderId": senderID,
	})
}

// handleJitsiCall forwards a Jitsi room invitation verbatim; an offline
// recipient answers the caller with call_error.
func (h *Hub) handleJitsiCall(c *Client, raw []byte, env *Envelope) {
	recipientID := env.Recipient()
	if recipientID == 0 {
		log.Printf("Jitsi call without recipient from user %d", c.UserID())
		return
	}
	if h.forwardRaw(recipientID, raw) {
		log.Printf("Jitsi call notification delivered to user %d", recipientID)
		return
	}
	c.sendJSON(map[string]any{
		"type":      "call_error",
		"error":     reasonRecipientOffline,
		"timestamp": nowStamp(),
	})
	log.Printf("Jitsi call recipient %d offline", recipientID)
}

// handleCallDismissed covers call_declined and call_missed: forward when
// possible, always tear down call state.
func (h *Hub) handleCallDismissed(raw []byte, env *Envelope) {
	senderID := env.Sender()
	recipientID := env.Recipient()
	h.clearCall(senderID, recipientID)
	if recipientID != 0 {
		h.forwardRaw(recipientID, raw)
	}
}
