package protocol

import (
	"sort"
	"strings"
)

// FrameType enumerates the inbound chat intents.
type FrameType string

const (
	// FrameTypeNew opens (or reuses) a room and carries its first message.
	FrameTypeNew FrameType = "chat_new"
	// FrameTypeMessage carries an ordinary message for an existing room.
	FrameTypeMessage FrameType = "chat_message"
	// FrameTypeRead marks the sender's last-view point for a room.
	FrameTypeRead FrameType = "chat_read"
)

// RoomNameSeparator joins the two participant usernames of a room name.
const RoomNameSeparator = "-"

// UserInfo describes a message sender, attached to room announcements
// before delivery to the newly invited party.
type UserInfo struct {
	Username        string `json:"username"`
	Name            string `json:"name"`
	DisplayImageURL string `json:"img_url"`
}

// Frame is the single wire unit, both inbound and outbound. Outbound
// delivery re-broadcasts the inbound frame verbatim; UserInfo is only set
// on announcements forwarded to the room's other party.
type Frame struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Type     FrameType `json:"type"`
	Body     string    `json:"body"`
	UserInfo *UserInfo `json:"user_info,omitempty"`
}

// Valid reports whether the frame carries every required field. The
// protocol is best-effort: invalid frames are dropped without a reply, so
// this is the only gate before dispatch. Every type, including read
// receipts, requires a non-empty body.
func (f Frame) Valid() bool {
	return f.From != "" && f.To != "" && f.Type != "" && f.Body != ""
}

// Known reports whether the frame type belongs to the closed dispatch set.
func (f Frame) Known() bool {
	switch f.Type {
	case FrameTypeNew, FrameTypeMessage, FrameTypeRead:
		return true
	}
	return false
}

// RoomName returns the canonical room name for two usernames: sorted and
// joined with the separator, so both directions map to one room.
func RoomName(user0, user1 string) string {
	names := []string{user0, user1}
	sort.Strings(names)
	return strings.Join(names, RoomNameSeparator)
}

// SplitRoomName breaks a room name into its two participant usernames.
func SplitRoomName(name string) (string, string, bool) {
	parts := strings.SplitN(name, RoomNameSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// OtherParticipant derives the remaining username after removing user from
// the room name. The second return is false when user is not a participant.
func OtherParticipant(name, user string) (string, bool) {
	first, second, ok := SplitRoomName(name)
	if !ok {
		return "", false
	}
	switch user {
	case first:
		return second, true
	case second:
		return first, true
	}
	return "", false
}

// Participant reports whether user is one of the room name's two components.
func Participant(name, user string) bool {
	_, ok := OtherParticipant(name, user)
	return ok
}
