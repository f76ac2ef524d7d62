package main

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGroupJoinAndLeaveOrdering(t *testing.T) {
	hub := newHub(nil, nil)
	c1 := fakeClient()
	c2 := fakeClient()
	c3 := fakeClient()
	hub.register(1, c1)
	hub.register(2, c2)
	hub.register(3, c3)

	hub.groupJoin(c1, groupKindCall, "g1", 1, ParticipantInfo{ID: 1, Name: "one"})
	hub.groupJoin(c2, groupKindCall, "g1", 2, ParticipantInfo{ID: 2, Name: "two"})
	snapshot := hub.groupJoin(c3, groupKindCall, "g1", 3, ParticipantInfo{ID: 3, Name: "three"})

	if len(snapshot) != 3 {
		t.Fatalf("Expected 3 participants, got %d", len(snapshot))
	}
	// Join order is preserved.
	for i, want := range []int64{1, 2, 3} {
		if snapshot[i].ID.Int64() != want {
			t.Errorf("participant[%d] = %d, want %d", i, snapshot[i].ID.Int64(), want)
		}
	}

	remaining := hub.groupLeave(c2, groupKindCall, "g1", 2)
	if len(remaining) != 2 {
		t.Fatalf("Expected 2 participants after leave, got %d", len(remaining))
	}
	if remaining[0].ID.Int64() != 1 || remaining[1].ID.Int64() != 3 {
		t.Errorf("Unexpected order after leave: %v", remaining)
	}

	// Leaving again is a no-op.
	remaining = hub.groupLeave(c2, groupKindCall, "g1", 2)
	if len(remaining) != 2 {
		t.Errorf("Second leave changed membership: %d participants", len(remaining))
	}
}

func TestGroupJoinMovesBetweenSessions(t *testing.T) {
	hub := newHub(nil, nil)
	c := fakeClient()
	hub.register(1, c)

	hub.groupJoin(c, groupKindCall, "g1", 1, ParticipantInfo{ID: 1})
	hub.groupJoin(c, groupKindCall, "g2", 1, ParticipantInfo{ID: 1})

	if got := len(hub.groupParticipants(groupKindCall, "g1")); got != 0 {
		t.Errorf("User should have left g1 on joining g2, but g1 has %d members", got)
	}
	if got := len(hub.groupParticipants(groupKindCall, "g2")); got != 1 {
		t.Errorf("g2 should have 1 member, got %d", got)
	}
	if c.groupSession() != sessionKey(groupKindCall, "g2") {
		t.Errorf("Client session key = %q", c.groupSession())
	}
}

func TestAudioAndVideoSessionsIndependent(t *testing.T) {
	hub := newHub(nil, nil)
	c1 := fakeClient()
	c2 := fakeClient()
	hub.register(1, c1)
	hub.register(2, c2)

	hub.groupJoin(c1, groupKindCall, "g1", 1, ParticipantInfo{ID: 1})
	hub.groupJoin(c2, groupKindVideo, "g1", 2, ParticipantInfo{ID: 2})

	if got := len(hub.groupParticipants(groupKindCall, "g1")); got != 1 {
		t.Errorf("Audio session members = %d, want 1", got)
	}
	if got := len(hub.groupParticipants(groupKindVideo, "g1")); got != 1 {
		t.Errorf("Video session members = %d, want 1", got)
	}
}

func TestDisconnectLeavesGroupSession(t *testing.T) {
	hub := newHub(nil, nil)
	c1 := fakeClient()
	c2 := fakeClient()
	hub.register(1, c1)
	hub.register(2, c2)

	hub.groupJoin(c1, groupKindVideo, "g1", 1, ParticipantInfo{ID: 1})
	hub.groupJoin(c2, groupKindVideo, "g1", 2, ParticipantInfo{ID: 2})
	drain(c1)
	drain(c2)

	hub.disconnect(c2)

	if got := len(hub.groupParticipants(groupKindVideo, "g1")); got != 1 {
		t.Fatalf("Session should have 1 member after disconnect, got %d", got)
	}

	// The remaining member is told, with the shrunken list.
	found := false
	deadline := time.After(time.Second)
	for !found {
		select {
		case data := <-c1.send:
			msg := decodeFrame(t, data)
			if msg["type"] == "videoParticipantLeft" {
				found = true
				if int64(msg["userId"].(float64)) != 2 {
					t.Errorf("userId = %v, want 2", msg["userId"])
				}
				participants, _ := msg["participants"].([]any)
				if len(participants) != 1 {
					t.Errorf("participants = %v, want 1 entry", msg["participants"])
				}
			}
		case <-deadline:
			t.Fatal("Remaining member never received videoParticipantLeft")
		}
	}
}

func TestJoinGroupCallOverWire(t *testing.T) {
	hub := newHub(nil, nil)
	server, ws1 := newTestServerAndClient(t, hub)
	defer server.Close()
	defer ws1.Close()
	authenticate(t, ws1, 1)

	server2, ws2 := newTestServerAndClient(t, hub)
	defer server2.Close()
	defer ws2.Close()
	authenticate(t, ws2, 2)

	if err := ws1.WriteJSON(map[string]any{
		"type":     "joinGroupCall",
		"groupId":  "55",
		"userId":   1,
		"userInfo": map[string]any{"id": 1, "name": "one"},
	}); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}
	update := readMessageOfType(t, ws1, "callParticipantsUpdate", time.Second)
	if update == nil {
		t.Fatal("No callParticipantsUpdate after first join")
	}

	// groupId arrives as a number from some clients; it must land in the
	// same session as the string form.
	if err := ws2.WriteJSON(map[string]any{
		"type":     "joinGroupCall",
		"groupId":  55,
		"userId":   2,
		"userInfo": map[string]any{"id": 2, "name": "two"},
	}); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}

	joined := readMessageOfType(t, ws1, "participantJoined", time.Second)
	if joined == nil {
		t.Fatal("First member not told about the new participant")
	}
	update = readMessageOfType(t, ws2, "callParticipantsUpdate", time.Second)
	if update == nil {
		t.Fatal("No callParticipantsUpdate after second join")
	}
	participants, _ := update["participants"].([]any)
	if len(participants) != 2 {
		t.Errorf("participants = %d entries, want 2", len(participants))
	}

	// Leave and verify the remaining member gets the new list.
	if err := ws2.WriteJSON(map[string]any{
		"type":    "leaveGroupCall",
		"groupId": "55",
		"userId":  2,
	}); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	left := readMessageOfType(t, ws1, "participantLeft", time.Second)
	if left == nil {
		t.Fatal("Remaining member not told about the leave")
	}
	participants, _ = left["participants"].([]any)
	if len(participants) != 1 {
		t.Errorf("participants after leave = %d entries, want 1", len(participants))
	}
}

func TestInitGroupCallNotifications(t *testing.T) {
	hub := newHub(nil, nil)
	server, ws1 := newTestServerAndClient(t, hub)
	defer server.Close()
	defer ws1.Close()
	authenticate(t, ws1, 1)

	server2, ws2 := newTestServerAndClient(t, hub)
	defer server2.Close()
	defer ws2.Close()
	authenticate(t, ws2, 2)

	// Participant 3 is offline; only user 2 can be notified.
	if err := ws1.WriteJSON(map[string]any{
		"type":         "initGroupCall",
		"groupId":      "9",
		"groupName":    "friends",
		"initiator":    map[string]any{"id": 1, "name": "one"},
		"participants": []any{1, 2, 3},
	}); err != nil {
		t.Fatalf("Failed to init: %v", err)
	}

	incoming := readMessageOfType(t, ws2, "incomingGroupCall", time.Second)
	if incoming == nil {
		t.Fatal("User 2 did not receive incomingGroupCall")
	}
	if incoming["groupName"] != "friends" {
		t.Errorf("groupName = %v, want friends", incoming["groupName"])
	}

	status := readMessageOfType(t, ws1, "callNotificationStatus", time.Second)
	if status == nil {
		t.Fatal("Initiator did not receive callNotificationStatus")
	}
	if status["sent"] != float64(1) {
		t.Errorf("sent = %v, want 1", status["sent"])
	}
	if status["total"] != float64(2) {
		t.Errorf("total = %v, want 2 (participants minus initiator)", status["total"])
	}
}

func TestGroupCallInvitationFanout(t *testing.T) {
	hub := newHub(nil, nil)
	server, ws1 := newTestServerAndClient(t, hub)
	defer server.Close()
	defer ws1.Close()
	authenticate(t, ws1, 1)

	server2, ws2 := newTestServerAndClient(t, hub)
	defer server2.Close()
	defer ws2.Close()
	authenticate(t, ws2, 2)

	if err := ws1.WriteJSON(map[string]any{
		"type":        "group_call_invitation",
		"groupId":     "12",
		"initiatorId": 1,
		"callType":    "audio",
	}); err != nil {
		t.Fatalf("Failed to send invitation: %v", err)
	}

	invite := readMessageOfType(t, ws2, "group_call_invitation", time.Second)
	if invite == nil {
		t.Fatal("Other client did not receive the invitation")
	}
	roomID, _ := invite["roomId"].(string)
	if roomID == "" {
		t.Error("Invitation missing generated roomId")
	}
	if invite["isAudioOnly"] != true {
		t.Errorf("isAudioOnly = %v, want true", invite["isAudioOnly"])
	}

	initiated := readMessageOfType(t, ws1, "group_call_initiated", time.Second)
	if initiated == nil {
		t.Fatal("Initiator did not receive group_call_initiated")
	}
	if initiated["invitationsSent"] != float64(1) {
		t.Errorf("invitationsSent = %v, want 1", initiated["invitationsSent"])
	}
	if initiated["roomId"] != roomID {
		t.Errorf("roomId mismatch between invitation and confirmation")
	}
}

func TestDeclineGroupCall(t *testing.T) {
	hub := newHub(nil, nil)
	c1 := fakeClient()
	hub.register(1, c1)
	drain(c1)

	env := &Envelope{Type: "declineGroupCall", GroupID: "4", InitiatorID: 1, UserID: 2}
	hub.handleDeclineGroupCall(env)

	msg := readFrame(t, c1)
	if msg["type"] != "callDeclined" {
		t.Errorf("type = %v, want callDeclined", msg["type"])
	}
	if msg["groupId"] != "4" {
		t.Errorf("groupId = %v, want 4", msg["groupId"])
	}
	if int64(msg["userId"].(float64)) != 2 {
		t.Errorf("userId = %v, want 2", msg["userId"])
	}
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	msg := make(map[string]any)
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode frame: %v", err)
	}
	return msg
}
