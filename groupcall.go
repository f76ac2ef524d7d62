package main

import (
	"fmt"
	"log"

	"github.com/google/uuid"
)

const (
	groupKindCall  = "call"
	groupKindVideo = "video"
)

// GroupCallSession is the set of participants currently joined to one named
// group call, in join order. Sessions are created implicitly on first join
// and never deleted; an empty session is inert. Audio and video calls for
// the same group are independent sessions.
type GroupCallSession struct {
	GroupID string
	Kind    string
	RoomID  string
	order   []int64
	members map[int64]ParticipantInfo
}

func (s *GroupCallSession) participants() []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.members[id])
	}
	return out
}

func sessionKey(kind, groupID string) string {
	return kind + ":" + groupID
}

// groupJoin adds userID to the session, creating it on first use. A user may
// be in at most one group call at a time: joining while a member of another
// session leaves that one first. Returns the post-join participant snapshot.
func (h *Hub) groupJoin(c *Client, kind, groupID string, userID int64, info ParticipantInfo) []ParticipantInfo {
	key := sessionKey(kind, groupID)
	if prev := c.groupSession(); prev != "" && prev != key {
		h.groupLeaveKey(c, prev, userID)
	}

	h.mu.Lock()
	s, ok := h.sessions[key]
	if !ok {
		s = &GroupCallSession{
			GroupID: groupID,
			Kind:    kind,
			members: make(map[int64]ParticipantInfo),
		}
		h.sessions[key] = s
	}
	if _, joined := s.members[userID]; !joined {
		s.order = append(s.order, userID)
	}
	s.members[userID] = info
	snapshot := s.participants()
	h.mu.Unlock()

	c.setGroupSession(key, &info)
	return snapshot
}

// groupLeave removes userID from the kind/groupID session. Leaving a session
// the user is not in is a no-op apart from the snapshot it returns.
func (h *Hub) groupLeave(c *Client, kind, groupID string, userID int64) []ParticipantInfo {
	return h.groupLeaveKey(c, sessionKey(kind, groupID), userID)
}

func (h *Hub) groupLeaveKey(c *Client, key string, userID int64) []ParticipantInfo {
	h.mu.Lock()
	s, ok := h.sessions[key]
	var snapshot []ParticipantInfo
	if ok {
		if _, joined := s.members[userID]; joined {
			delete(s.members, userID)
			for i, id := range s.order {
				if id == userID {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		}
		snapshot = s.participants()
	}
	h.mu.Unlock()

	if c != nil && c.groupSession() == key {
		c.setGroupSession("", nil)
	}
	return snapshot
}

// groupParticipants returns an ordered snapshot of the session membership.
func (h *Hub) groupParticipants(kind, groupID string) []ParticipantInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionKey(kind, groupID)]
	if !ok {
		return nil
	}
	return s.participants()
}

// groupMemberIDs returns the session membership ids, join-ordered.
func (h *Hub) groupMemberIDs(kind, groupID string) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionKey(kind, groupID)]
	if !ok {
		return nil
	}
	out := make([]int64, len(s.order))
	copy(out, s.order)
	return out
}

// broadcastToGroup sends v to every connected member of the session.
func (h *Hub) broadcastToGroup(kind, groupID string, v any) int {
	sent := 0
	for _, id := range h.groupMemberIDs(kind, groupID) {
		if h.sendToUser(id, v) {
			sent++
		}
	}
	return sent
}

// leaveAllGroupSessions drops a disconnecting client out of its group call
// and pushes the shrunken participant list to the remaining members.
func (h *Hub) leaveAllGroupSessions(c *Client) {
	key := c.groupSession()
	if key == "" {
		return
	}
	userID := c.UserID()
	remaining := h.groupLeaveKey(c, key, userID)

	h.mu.Lock()
	s, ok := h.sessions[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	leftType := "participantLeft"
	if s.Kind == groupKindVideo {
		leftType = "videoParticipantLeft"
	}
	h.broadcastToGroup(s.Kind, s.GroupID, map[string]any{
		"type":         leftType,
		"groupId":      s.GroupID,
		"userId":       userID,
		"participants": remaining,
	})
}

// handleGroupCallInvitation fans a call invitation out to every connected
// client except the initiator and reports the delivered count back.
func (h *Hub) handleGroupCallInvitation(c *Client, env *Envelope) {
	groupID := string(env.GroupID)
	initiatorID := env.InitiatorID.Int64()
	if groupID == "" || initiatorID == 0 {
		log.Printf("Group call invitation missing groupId or initiatorId")
		return
	}

	roomID := env.RoomID
	if roomID == "" {
		roomID = fmt.Sprintf("group_%s_%s", groupID, uuid.NewString())
	}

	callType := env.CallType
	if callType == "" {
		if env.IsAudioOnly {
			callType = "audio"
		} else {
			callType = "video"
		}
	}

	invitation := map[string]any{
		"type":            "group_call_invitation",
		"roomId":          roomID,
		"groupId":         groupID,
		"groupName":       orDefault(env.GroupName, "Групповой звонок"),
		"groupAvatar":     orDefault(env.GroupAvatar, defaultGroupAvatar),
		"groupCover":      orDefault(env.GroupCover, defaultGroupCover),
		"initiatorId":     initiatorID,
		"initiatorName":   orDefault(env.InitiatorName, defaultDisplayName),
		"initiatorAvatar": orDefault(env.InitiatorAvatar, defaultAvatarPath),
		"callType":        callType,
		"isAudioOnly":     callType == "audio",
		"joinUrl":         orDefault(env.JoinURL, fmt.Sprintf("join-room.php?room=%s&group=%s", roomID, groupID)),
	}

	invitationsSent := 0
	for id, target := range h.snapshot() {
		if id == initiatorID {
			continue
		}
		if target.sendJSON(invitation) {
			invitationsSent++
		} else {
			log.Printf("Could not deliver group call invitation to user %d", id)
		}
	}
	log.Printf("Group call invitation for group %s: %d invitations sent", groupID, invitationsSent)

	h.sendToUser(initiatorID, map[string]any{
		"type":            "group_call_initiated",
		"roomId":          roomID,
		"groupId":         groupID,
		"invitationsSent": invitationsSent,
	})
}

// handleInitGroupCall starts a group call: the initiator joins the session
// and each listed participant gets an incoming-call notice. The initiator is
// told how many notices landed.
func (h *Hub) handleInitGroupCall(c *Client, env *Envelope, kind string) {
	groupID := string(env.GroupID)
	if groupID == "" || env.Initiator == nil {
		log.Printf("Group %s call init missing groupId or initiator", kind)
		return
	}
	initiatorID := env.Initiator.ID.Int64()
	log.Printf("Processing group %s call initiation: group=%s initiator=%d participants=%d",
		kind, groupID, initiatorID, len(env.Participants))

	if ic := h.lookup(initiatorID); ic != nil {
		h.groupJoin(ic, kind, groupID, initiatorID, *env.Initiator)
	}

	incomingType := "incomingGroupCall"
	statusType := "callNotificationStatus"
	if kind == groupKindVideo {
		incomingType = "incomingGroupVideoCall"
		statusType = "videoCallNotificationStatus"
	}

	sent := 0
	for _, pid := range env.Participants {
		participantID := pid.Int64()
		if participantID == initiatorID {
			continue
		}
		if h.sendToUser(participantID, map[string]any{
			"type":      incomingType,
			"groupId":   groupID,
			"groupName": env.GroupName,
			"initiator": env.Initiator,
		}) {
			sent++
		} else {
			log.Printf("Participant %d is not connected", participantID)
		}
	}

	h.sendToUser(initiatorID, map[string]any{
		"type":    statusType,
		"sent":    sent,
		"total":   len(env.Participants) - 1,
		"groupId": groupID,
	})
}

// handleJoinGroupCall adds the joining user to the session, cross-notifies
// the join, then pushes the full participant snapshot to every member.
func (h *Hub) handleJoinGroupCall(c *Client, env *Envelope) {
	groupID := string(env.GroupID)
	userID := env.Subject()
	if userID == 0 {
		userID = c.UserID()
	}
	if groupID == "" || userID == 0 {
		log.Printf("Group call join missing groupId or userId")
		return
	}

	joiningClient := h.lookup(userID)
	if joiningClient == nil {
		joiningClient = c
	}

	info := ParticipantInfo{ID: FlexID(userID)}
	if env.UserInfo != nil {
		info = *env.UserInfo
	} else if cached := joiningClient.participantInfo(); cached != nil {
		info = *cached
	}
	participants := h.groupJoin(joiningClient, groupKindCall, groupID, userID, info)

	for _, p := range participants {
		memberID := p.ID.Int64()
		if memberID == userID {
			continue
		}
		h.sendToUser(memberID, map[string]any{
			"type":     "participantJoined",
			"groupId":  groupID,
			"userInfo": info,
		})
		joiningClient.sendJSON(map[string]any{
			"type":     "participantJoined",
			"groupId":  groupID,
			"userInfo": p,
		})
	}

	h.broadcastToGroup(groupKindCall, groupID, map[string]any{
		"type":         "callParticipantsUpdate",
		"groupId":      groupID,
		"participants": participants,
	})
}

// handleLeaveGroupCall removes the user and tells the remaining members.
// Leaving twice is harmless: the second call broadcasts an unchanged list.
func (h *Hub) handleLeaveGroupCall(c *Client, env *Envelope, kind string) {
	groupID := string(env.GroupID)
	userID := env.Subject()
	if userID == 0 {
		userID = c.UserID()
	}
	if groupID == "" || userID == 0 {
		return
	}
	log.Printf("Processing leave group %s call: group=%s user=%d", kind, groupID, userID)

	leavingClient := h.lookup(userID)
	remaining := h.groupLeave(leavingClient, kind, groupID, userID)

	leftType := "participantLeft"
	if kind == groupKindVideo {
		leftType = "videoParticipantLeft"
	}
	h.broadcastToGroup(kind, groupID, map[string]any{
		"type":         leftType,
		"groupId":      groupID,
		"userId":       userID,
		"participants": remaining,
	})
}

// handleDeclineGroupCall notifies the initiator only.
func (h *Hub) handleDeclineGroupCall(env *Envelope) {
	initiatorID := env.InitiatorID.Int64()
	if initiatorID == 0 {
		return
	}
	h.sendToUser(initiatorID, map[string]any{
		"type":    "callDeclined",
		"groupId": string(env.GroupID),
		"userId":  env.Subject(),
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
