package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetAccountByUsername(ctx context.Context, username string) (User, error) {
	args := m.Called(username)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomByPair(ctx context.Context, user1Id, user2Id int) (Room, error) {
	args := m.Called(user1Id, user2Id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomById(ctx context.Context, id int) (Room, error) {
	args := m.Called(id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) ListRoomsForAccount(ctx context.Context, accountId int) ([]RoomSummary, error) {
	args := m.Called(accountId)
	if rooms, ok := args.Get(0).([]RoomSummary); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessages(ctx context.Context, roomId, limit int) ([]Message, error) {
	args := m.Called(roomId, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) MarkMessageRead(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockGoChatRepository) MarkRoomRead(ctx context.Context, roomId, readerId int) (int64, error) {
	args := m.Called(roomId, readerId)
	return args.Get(0).(int64), args.Error(1)
}
