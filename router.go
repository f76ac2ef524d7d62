package main

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// route dispatches one decoded inbound message. Every message type the
// client surfaces send is handled here; unknown types are logged and
// dropped, never fatal to the connection.
func (h *Hub) route(c *Client, raw []byte, env *Envelope) {
	switch env.Type {
	case "auth", "authentication", "init":
		h.handleAuth(c, env)

	case "chat_message":
		h.handleChatMessage(c, env)

	case "typing_status":
		h.handleTypingStatus(env)

	case "status_update":
		h.handleStatusUpdate(env)

	case "check_availability", "check_user_availability":
		h.handleCheckAvailability(c, env)

	case "audio_call_request":
		h.handleCallRequest(c, env, "audio")
	case "video_call_request":
		h.handleCallRequest(c, env, "video")
	case "audio_call_accepted":
		h.handleCallAccepted(env, "audio")
	case "video_call_accepted":
		h.handleCallAccepted(env, "video")
	case "audio_call_rejected":
		h.handleCallRejected(env, "audio")
	case "video_call_rejected":
		h.handleCallRejected(env, "video")
	case "audio_call_end":
		h.handleCallEnd(env, "audio")
	case "video_call_end":
		h.handleCallEnd(env, "video")

	case "jitsi_video_call", "jitsi_audio_call":
		h.handleJitsiCall(c, raw, env)

	case "call_declined", "call_missed":
		h.handleCallDismissed(raw, env)

	case "webrtc_message":
		if env.GroupID != "" {
			h.handleGroupSignaling(c, raw, env)
		} else {
			h.handleDirectSignaling(c, raw, env)
		}

	case "offer", "answer", "ice-candidate":
		h.handlePeerSignaling(raw, env)

	case "ice_candidate":
		h.handleLegacyICECandidate(c, env)

	case "group_call_invitation":
		h.handleGroupCallInvitation(c, env)

	case "initGroupCall":
		h.handleInitGroupCall(c, env, groupKindCall)
	case "initGroupVideoCall":
		h.handleInitGroupCall(c, env, groupKindVideo)

	case "joinGroupCall":
		h.handleJoinGroupCall(c, env)

	case "leaveGroupCall":
		h.handleLeaveGroupCall(c, env, groupKindCall)
	case "leaveGroupVideoCall":
		h.handleLeaveGroupCall(c, env, groupKindVideo)

	case "declineGroupCall":
		h.handleDeclineGroupCall(env)

	case "gift_message":
		h.handleGiftMessage(c, raw, env)

	case "user_warning":
		h.handleUserWarning(raw, env)

	case "get_upcoming_events", "getUpcomingEvents":
		h.handleUpcomingEventsRequest(c, env)

	default:
		log.Printf("Unknown message type: %q", env.Type)
	}
}

func (h *Hub) handleAuth(c *Client, env *Envelope) {
	userID := env.Subject()
	if userID == 0 {
		log.Printf("Auth message without a user id")
		c.sendJSON(map[string]any{
			"type":  "error",
			"error": "Missing user id",
		})
		return
	}

	h.register(userID, c)
	c.sendJSON(map[string]any{
		"type":      "auth_success",
		"userId":    userID,
		"timestamp": nowStamp(),
	})

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.UpdateOnlineStatus(ctx, userID, true); err != nil {
			log.Printf("Error updating online status for user %d: %v", userID, err)
		}
	}
}

func (h *Hub) handleChatMessage(c *Client, env *Envelope) {
	senderID := env.Sender()
	recipientID := env.Recipient()
	if senderID == 0 || recipientID == 0 {
		c.sendJSON(map[string]any{
			"type":  "error",
			"error": "Missing required fields",
		})
		return
	}

	messageType := env.MessageType
	if messageType == "" {
		messageType = "text"
	}
	record := &ChatRecord{
		SenderID:    senderID,
		RecipientID: recipientID,
		MessageText: env.MessageText,
		MessageType: messageType,
		ImageURL:    env.ImageURL,
		VideoURL:    env.VideoURL,
		FileURL:     env.FileURL,
		FileName:    env.FileName,
	}

	if h.store == nil {
		c.sendJSON(map[string]any{
			"type":  "error",
			"error": "Message store unavailable",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messageID, createdAt, err := h.store.SaveMessage(ctx, record)
	if err != nil {
		log.Printf("Error saving chat message from %d to %d: %v", senderID, recipientID, err)
		c.sendJSON(map[string]any{
			"type":  "error",
			"error": "Failed to save message",
		})
		return
	}

	c.sendJSON(map[string]any{
		"type":       "message_saved",
		"message_id": messageID,
		"temp_id":    env.TempID,
		"created_at": createdAt.Format(time.RFC3339Nano),
	})

	saved, err := h.store.FetchMessageByID(ctx, messageID)
	if err != nil || saved == nil {
		// Deliver from what we were sent rather than dropping the message.
		log.Printf("Error fetching saved message %d: %v", messageID, err)
		record.ID = messageID
		record.CreatedAt = createdAt
		record.SenderUsername = resolveDisplayName(ctx, h.store, senderID)
		record.SenderAvatar = resolveAvatar(ctx, h.store, senderID)
		saved = record
	}

	delivered := h.sendToUser(recipientID, map[string]any{
		"type":            "chat_message",
		"id":              saved.ID,
		"sender_id":       saved.SenderID,
		"recipient_id":    saved.RecipientID,
		"message_text":    saved.MessageText,
		"message_type":    saved.MessageType,
		"image_url":       saved.ImageURL,
		"video_url":       saved.VideoURL,
		"file_url":        saved.FileURL,
		"file_name":       saved.FileName,
		"created_at":      saved.CreatedAt.Format(time.RFC3339Nano),
		"sender_username": saved.SenderUsername,
		"sender_avatar":   saved.SenderAvatar,
		"is_read":         0,
	})
	if !delivered {
		// The recipient picks it up from history on their next load.
		log.Printf("Recipient %d offline, message %d stored only", recipientID, messageID)
	}
}

func (h *Hub) handleTypingStatus(env *Envelope) {
	senderID := env.Sender()
	recipientID := env.Recipient()
	if senderID == 0 || recipientID == 0 {
		return
	}
	h.sendToUser(recipientID, map[string]any{
		"type":         "typing_status",
		"sender_id":    senderID,
		"recipient_id": recipientID,
		"is_typing":    env.IsTyping,
	})
}

func (h *Hub) handleStatusUpdate(env *Envelope) {
	userID := env.Subject()
	if userID == 0 {
		return
	}
	online := env.IsOnline != nil && *env.IsOnline
	h.setStatus(userID, online)
	h.broadcastStatus(userID, online)
}

func (h *Hub) handleCheckAvailability(c *Client, env *Envelope) {
	target := env.Subject()
	if target == 0 {
		return
	}
	online := h.isOnline(target)

	reply := newStatusUpdate(target, online)
	reply.Timestamp = nowStamp()
	c.sendJSON(reply)

	if online && h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.TouchLastActivity(ctx, target); err != nil {
			log.Printf("Error touching last activity for user %d: %v", target, err)
		}
	}
}

// handleDirectSignaling relays a 1:1 webrtc_message. The receiver id arrives
// in several shapes (number, string, object); FlexID already normalized it.
func (h *Hub) handleDirectSignaling(c *Client, raw []byte, env *Envelope) {
	senderID := env.Sender()
	if senderID == 0 {
		senderID = c.UserID()
	}
	receiverID := env.Receiver()
	if receiverID == 0 {
		log.Printf("webrtc_message without a resolvable receiver (subtype %q)", env.Subtype)
		return
	}

	if env.Subtype == "check_availability" {
		available := h.isOnline(receiverID)
		reply := map[string]any{
			"type":         "user_availability",
			"sender_id":    receiverID,
			"receiver_id":  senderID,
			"is_available": available,
		}
		if available {
			reply["reason"] = nil
		} else {
			reply["reason"] = "user_offline"
		}
		c.sendJSON(reply)
		return
	}

	msg := rewrap(raw)
	msg["receiver_id"] = receiverID
	data, _ := msg["data"].(map[string]any)
	if data == nil {
		data = make(map[string]any)
		msg["data"] = data
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data["caller_name"] = resolveDisplayName(ctx, h.store, senderID)
	data["caller_avatar"] = resolveAvatar(ctx, h.store, senderID)

	if h.sendToUser(receiverID, msg) {
		c.sendJSON(map[string]any{
			"type":         "signaling_delivered",
			"originalType": env.Subtype,
			"to":           receiverID,
		})
	} else {
		c.sendJSON(map[string]any{
			"type":         "signaling_error",
			"originalType": env.Subtype,
			"to":           receiverID,
			"error":        reasonRecipientOffline,
		})
	}
}

// handleGroupSignaling relays a webrtc_message carrying a groupId: either a
// targeted frame ("to" set) or a fan-out to a participant list.
func (h *Hub) handleGroupSignaling(c *Client, raw []byte, env *Envelope) {
	senderID := env.Sender()
	if senderID == 0 {
		senderID = c.UserID()
	}
	groupID := string(env.GroupID)

	msg := rewrap(raw)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg["sender_name"] = resolveDisplayName(ctx, h.store, senderID)
	msg["sender_avatar"] = resolveAvatar(ctx, h.store, senderID)

	if target := env.To.Int64(); target != 0 {
		if h.sendToUser(target, msg) {
			c.sendJSON(map[string]any{
				"type":         "group_signaling_delivered",
				"originalType": env.Subtype,
				"to":           target,
				"groupId":      groupID,
			})
		} else {
			c.sendJSON(map[string]any{
				"type":         "signaling_error",
				"originalType": env.Subtype,
				"to":           target,
				"groupId":      groupID,
				"error":        reasonRecipientOffline,
			})
		}
		return
	}

	delivered := 0
	for _, pid := range env.Participants {
		participantID := pid.Int64()
		if participantID == 0 || participantID == senderID {
			continue
		}
		if h.sendToUser(participantID, msg) {
			delivered++
		}
	}
	c.sendJSON(map[string]any{
		"type":           "group_broadcast_delivered",
		"originalType":   env.Subtype,
		"groupId":        groupID,
		"deliveredCount": delivered,
	})
}

// handlePeerSignaling forwards bare offer/answer/ice-candidate frames
// between peers addressed with top-level from/to.
func (h *Hub) handlePeerSignaling(raw []byte, env *Envelope) {
	target := env.To.Int64()
	if target == 0 {
		log.Printf("%s frame without a target", env.Type)
		return
	}
	msg := rewrap(raw)
	msg["timestamp"] = nowStamp()
	if !h.sendToUser(target, msg) {
		log.Printf("Cannot forward %s: user %d is not connected", env.Type, target)
	}
}

// handleLegacyICECandidate rewraps the flat ice_candidate frame some clients
// still send into the webrtc_message shape the receiving side expects.
func (h *Hub) handleLegacyICECandidate(c *Client, env *Envelope) {
	senderID := env.Sender()
	if senderID == 0 {
		senderID = c.UserID()
	}
	receiverID := env.Receiver()
	if receiverID == 0 {
		return
	}
	h.sendToUser(receiverID, map[string]any{
		"type":        "webrtc_message",
		"subtype":     "ice_candidate",
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"data": map[string]any{
			"candidate": json.RawMessage(env.Candidate),
		},
	})
}

func (h *Hub) handleGiftMessage(c *Client, raw []byte, env *Envelope) {
	senderID := env.Sender()
	if senderID == 0 {
		senderID = c.UserID()
	}
	recipientID := env.Recipient()
	if recipientID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	senderName := resolveDisplayName(ctx, h.store, senderID)

	delivered := h.sendToUser(recipientID, map[string]any{
		"type":        "gift_notification",
		"sender_id":   senderID,
		"sender_name": senderName,
		"data":        env.Data,
		"timestamp":   nowStamp(),
	})
	if delivered {
		return
	}

	if h.mailer == nil || h.store == nil {
		log.Printf("Gift for offline user %d dropped: no delivery channel", recipientID)
		return
	}
	email, err := h.store.GetUserEmail(ctx, recipientID)
	if err != nil || email == "" {
		log.Printf("Gift for offline user %d dropped: no email on file", recipientID)
		return
	}
	if err := h.mailer.SendEmail(email, "Вам отправили подарок!", giftEmailBody(senderName)); err != nil {
		log.Printf("Error sending gift email to user %d: %v", recipientID, err)
	}
}

func (h *Hub) handleUserWarning(raw []byte, env *Envelope) {
	target := env.Subject()
	if target == 0 {
		target = env.Recipient()
	}
	if target == 0 {
		return
	}

	if h.sendToUser(target, map[string]any{
		"type":    "user_warning",
		"warning": rewrap(raw),
	}) {
		log.Printf("Warning delivered to user %d over websocket", target)
		return
	}

	// Offline fall back to email, but only when the payload carries enough
	// to compose the notice.
	if h.mailer == nil || env.Email == "" || env.UserName == "" || env.Reason == "" {
		log.Printf("Warning for offline user %d not emailed: incomplete payload or no mailer", target)
		return
	}
	body := warningEmailBody(env.UserName, env.Reason, env.Details, env.Duration, env.AdminName)
	if err := h.mailer.SendEmail(env.Email, "Предупреждение от администрации", body); err != nil {
		log.Printf("Error sending warning email to %s: %v", env.Email, err)
	}
}

func (h *Hub) handleUpcomingEventsRequest(c *Client, env *Envelope) {
	if h.events == nil {
		c.sendJSON(map[string]any{"type": "upcoming_events", "events": []any{}, "count": 0})
		return
	}
	userID := c.UserID()
	if userID == 0 {
		return
	}
	days := env.Days
	if days <= 0 {
		days = upcomingEventsDays
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := h.events.UpcomingEventsForUser(ctx, userID, days, upcomingEventsLimit)
	if err != nil {
		log.Printf("Error loading upcoming events for user %d: %v", userID, err)
		return
	}
	c.sendJSON(map[string]any{
		"type":   "upcoming_events",
		"events": eventList(events),
		"count":  len(events),
	})
}

// rewrap decodes a frame back into a generic map so it can be forwarded with
// fields added without disturbing what the sender put in it.
func rewrap(raw []byte) map[string]any {
	m := make(map[string]any)
	if err := json.Unmarshal(raw, &m); err != nil {
		log.Printf("Error rewrapping frame: %v", err)
	}
	return m
}
