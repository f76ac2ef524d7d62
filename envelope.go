package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FlexID is a user identifier as it appears on the wire. Clients are not
// consistent: the same field arrives as a JSON number, a numeric string, or
// (for webrtc receiver_id) a whole object carrying an "id" or "senderId"
// field. All of them normalize to the numeric id; anything unparseable
// normalizes to 0, which the router treats as "not addressed".
type FlexID int64

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = FlexID(n)
	case '{':
		var obj struct {
			ID       FlexID `json:"id"`
			SenderID FlexID `json:"senderId"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.SenderID != 0 {
			*f = obj.SenderID
		} else {
			*f = obj.ID
		}
	default:
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			// Floats show up from some clients; truncate.
			var fl float64
			if err2 := json.Unmarshal(data, &fl); err2 != nil {
				return err
			}
			n = int64(fl)
		}
		*f = FlexID(n)
	}
	return nil
}

func (f FlexID) Int64() int64 { return int64(f) }

// FlexString accepts a JSON string or number (group ids arrive both ways).
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = FlexString(n.String())
	return nil
}

// ParticipantInfo is the display metadata a client declares when joining a
// group call. It travels back out verbatim in participant list updates.
type ParticipantInfo struct {
	ID     FlexID `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Envelope is the wire format for every inbound message: a flat JSON object
// with a required "type" and type-dependent extra fields. Field aliases
// (sender_id vs senderId, recipient_id vs recipientId and so on) mirror what
// the various client surfaces actually send.
type Envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	UserID       FlexID `json:"userId,omitempty"`
	UserIDSnake  FlexID `json:"user_id,omitempty"`
	SenderID     FlexID `json:"sender_id,omitempty"`
	SenderIDAlt  FlexID `json:"senderId,omitempty"`
	RecipientID  FlexID `json:"recipient_id,omitempty"`
	RecipientAlt FlexID `json:"recipientId,omitempty"`
	ReceiverID   FlexID `json:"receiver_id,omitempty"`
	From         FlexID `json:"from,omitempty"`
	To           FlexID `json:"to,omitempty"`

	SenderName string          `json:"senderName,omitempty"`
	SDP        json.RawMessage `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
	Reason     string          `json:"reason,omitempty"`

	IsTyping bool  `json:"is_typing,omitempty"`
	IsOnline *bool `json:"isOnline,omitempty"`

	// Chat payload.
	MessageText string `json:"message_text,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
	FileURL     string `json:"file_url,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	TempID      string `json:"temp_id,omitempty"`

	// Group calls.
	GroupID         FlexString       `json:"groupId,omitempty"`
	RoomID          string           `json:"roomId,omitempty"`
	GroupName       string           `json:"groupName,omitempty"`
	GroupAvatar     string           `json:"groupAvatar,omitempty"`
	GroupCover      string           `json:"groupCover,omitempty"`
	InitiatorID     FlexID           `json:"initiatorId,omitempty"`
	InitiatorName   string           `json:"initiatorName,omitempty"`
	InitiatorAvatar string           `json:"initiatorAvatar,omitempty"`
	Initiator       *ParticipantInfo `json:"initiator,omitempty"`
	Participants    []FlexID         `json:"participants,omitempty"`
	UserInfo        *ParticipantInfo `json:"userInfo,omitempty"`
	CallType        string           `json:"callType,omitempty"`
	IsAudioOnly     bool             `json:"isAudioOnly,omitempty"`
	JoinURL         string           `json:"joinUrl,omitempty"`

	// User warnings.
	Email     string `json:"email,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Details   string `json:"details,omitempty"`
	Duration  int    `json:"duration,omitempty"`
	AdminName string `json:"adminName,omitempty"`

	Days int `json:"days,omitempty"`
}

// Sender returns the sender id, whichever alias carried it.
func (e *Envelope) Sender() int64 {
	for _, id := range []FlexID{e.SenderID, e.SenderIDAlt, e.From} {
		if id != 0 {
			return id.Int64()
		}
	}
	return 0
}

// Recipient returns the recipient id, whichever alias carried it.
func (e *Envelope) Recipient() int64 {
	for _, id := range []FlexID{e.RecipientID, e.RecipientAlt, e.To} {
		if id != 0 {
			return id.Int64()
		}
	}
	return 0
}

// Receiver resolves the webrtc receiver: receiver_id first (already
// normalized from its object form by FlexID), then the recipient aliases.
func (e *Envelope) Receiver() int64 {
	if e.ReceiverID != 0 {
		return e.ReceiverID.Int64()
	}
	return e.Recipient()
}

// Subject returns the user id for presence-style messages.
func (e *Envelope) Subject() int64 {
	if e.UserID != 0 {
		return e.UserID.Int64()
	}
	return e.UserIDSnake.Int64()
}

func decodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Machine-readable reason codes sent back on routing misses.
const (
	reasonRecipientOffline     = "recipient_offline"
	reasonRecipientUnavailable = "recipient_unavailable"
	reasonUserBusy             = "user_busy"
)

// Placeholder metadata used when the store cannot resolve a user.
const (
	defaultDisplayName = "Пользователь"
	defaultAvatarPath  = "assets/images/default-avatar.png"
	defaultGroupAvatar = "assets/images/group/default-avatar.jpg"
	defaultGroupCover  = "assets/images/group/default-cover.jpg"
)

func nowStamp() string {
	return time.Now().Format(time.RFC3339Nano)
}

// statusUpdate is broadcast to every open connection on any presence change.
type statusUpdate struct {
	Type      string `json:"type"`
	UserID    int64  `json:"userId"`
	IsOnline  bool   `json:"isOnline"`
	Timestamp string `json:"timestamp,omitempty"`
}

func newStatusUpdate(userID int64, online bool) statusUpdate {
	return statusUpdate{Type: "status_update", UserID: userID, IsOnline: online}
}
