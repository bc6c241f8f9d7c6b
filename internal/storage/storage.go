package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports an absent user, room, or membership.
	ErrNotFound = errors.New("record not found")
	// ErrSameUser rejects a room whose two participants are one user.
	ErrSameUser = errors.New("room participants cannot be the same user")
	// ErrDuplicateRoom reports a unique-constraint hit on the room name.
	// Concurrent first-contact from both sides races on creation; the
	// constraint is the arbiter and the loser falls back to fetch.
	ErrDuplicateRoom = errors.New("room already exists")
)

// Policy controls who may open a new room with a user. Consulted only at
// room-creation time, never per message.
type Policy string

const (
	PolicyAll    Policy = "all"
	PolicyFollow Policy = "follow"
	PolicyBlock  Policy = "block"
)

// User represents a persisted account record.
type User struct {
	ID        string
	Username  string
	Name      string
	ImageURL  string
	Password  string
	Policy    Policy
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Room is a two-party conversation context. Its name is canonical for the
// participant pair, enforced unique by the store.
type Room struct {
	ID   uint
	Name string
}

// Membership is one user's relationship to one room: read-state plus a
// block flag. LastView is only ever advanced by its owner.
type Membership struct {
	ID       uint
	UserID   string
	RoomID   uint
	LastView time.Time
	Block    bool
}

// Message is an append-only chat entry.
type Message struct {
	ID        uint
	UserID    string
	RoomID    uint
	Content   string
	CreatedAt time.Time
}

// RoomSummary annotates a room with its most recent message and the
// calling user's unread state. Produced in one query per call.
type RoomSummary struct {
	RoomID             uint   `json:"room_id"`
	Name               string `json:"name"`
	LastMessageID      uint   `json:"last_msg"`
	LastMessageContent string `json:"last_msg_content"`
	LastMessageUserID  string `json:"last_msg_user_id"`
	Unread             bool   `json:"unread"`
}

// Store defines persistence operations used by the broker.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	SetMessagingPolicy(ctx context.Context, userID string, policy Policy) error

	AddFollow(ctx context.Context, followerID, followeeID string) error
	RemoveFollow(ctx context.Context, followerID, followeeID string) error
	Follows(ctx context.Context, followerID, followeeID string) (bool, error)

	// CreateRoom creates the room for the two users plus both membership
	// rows in one transaction. The initiator's membership is never
	// blocked; the target's is blocked when their policy is PolicyBlock,
	// or PolicyFollow without a follow edge back to the initiator.
	CreateRoom(ctx context.Context, initiator, target *User) (*Room, error)
	// CreateRoomByName derives the target from the room name's two
	// components after removing the initiator's username.
	CreateRoomByName(ctx context.Context, initiator *User, name string) (*Room, error)
	GetRoomByName(ctx context.Context, name string) (*Room, error)
	DeleteRoom(ctx context.Context, roomID uint) error

	GetMembership(ctx context.Context, userID string, roomID uint) (*Membership, error)
	SetBlock(ctx context.Context, userID string, roomID uint, block bool) error
	UpdateLastView(ctx context.Context, userID string, roomID uint) error

	CreateMessage(ctx context.Context, msg *Message) error
	ListRoomMessages(ctx context.Context, roomID uint, limit int) ([]Message, error)

	// ListUserRooms returns every room where the user's membership is not
	// blocked and at least one message exists, newest conversation first.
	ListUserRooms(ctx context.Context, userID string) ([]RoomSummary, error)
	// HasUnread short-circuits without materializing the full room list.
	HasUnread(ctx context.Context, userID string) (bool, error)
}
