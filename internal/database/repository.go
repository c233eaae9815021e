package database

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrRoomExists is returned by CreateRoom when a room for the
	// participant pair is already present.
	ErrRoomExists = errors.New("room already exists")
)

type AccountRepository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id int) (User, error)
	GetAccountByUsername(ctx context.Context, username string) (User, error)
}

type SessionRepository interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, key string) (Session, error)
	DeleteSession(ctx context.Context, key string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

type GoChatRepository interface {
	AccountRepository
	Ping(ctx context.Context) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByPair(ctx context.Context, user1Id, user2Id int) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	GetRoomById(ctx context.Context, id int) (Room, error)
	ListRoomsForAccount(ctx context.Context, accountId int) ([]RoomSummary, error)
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	GetMessages(ctx context.Context, roomId, limit int) ([]Message, error)
	MarkMessageRead(ctx context.Context, id string) error
	MarkRoomRead(ctx context.Context, roomId, readerId int) (int64, error)
}
