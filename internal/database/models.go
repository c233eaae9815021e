package database

import "time"

type User struct {
	Id           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Room is a two-party conversation. User1Id is always the smaller account id.
type Room struct {
	Id            int
	ExternalId    string
	User1Id       int
	User2Id       int
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// RoomSummary is a room as seen from one of its participants.
type RoomSummary struct {
	Room
	OtherUserId       int
	OtherUsername     string
	LastMessageCipher string
	UnreadCount       int
}

type Message struct {
	Id             string
	RoomId         int
	SenderId       int
	SenderUsername string
	Ciphertext     string
	IsRead         bool
	CreatedAt      time.Time
}

type Session struct {
	Key       string
	UserId    int
	Backend   string
	AuthHash  string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type CreateAccountParams struct {
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	ExternalId string
	User1Id    int
	User2Id    int
}
