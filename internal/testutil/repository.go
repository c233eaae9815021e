package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-dmchat/internal/database"
)

const (
	MethodCreateMessage = "CreateMessage"
	MethodCreateRoom    = "CreateRoom"
	MethodGetMessages   = "GetMessages"
	MethodPing          = "Ping"
)

// FakeRepository is an in-memory database.GoChatRepository. SetErr makes
// a method fail.
type FakeRepository struct {
	mu       sync.Mutex
	accounts map[int]database.User
	rooms    map[int]database.Room
	messages []database.Message
	nextId   int
	errs     map[string]error
}

var _ database.GoChatRepository = (*FakeRepository)(nil)

func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		accounts: make(map[int]database.User),
		rooms:    make(map[int]database.Room),
		errs:     make(map[string]error),
	}
}

// SetErr makes method return err until it is reset with a nil err.
func (f *FakeRepository) SetErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *FakeRepository) id() int {
	f.nextId++
	return f.nextId
}

func (f *FakeRepository) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[MethodPing]
}

func (f *FakeRepository) CreateAccount(_ context.Context, params database.CreateAccountParams) (database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.accounts {
		if u.Username == params.Username {
			return database.User{}, &pq.Error{Code: "23505", Constraint: "accounts_username_key"}
		}
	}

	now := time.Now().UTC()
	u := database.User{
		Id:           f.id(),
		Username:     params.Username,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.accounts[u.Id] = u
	return u, nil
}

// SetPasswordHash replaces a stored credential, as a password change would.
func (f *FakeRepository) SetPasswordHash(id int, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.accounts[id]
	u.PasswordHash = hash
	f.accounts[id] = u
}

func (f *FakeRepository) GetAccountById(_ context.Context, id int) (database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.accounts[id]
	if !ok {
		return database.User{}, database.ErrNotFound
	}
	return u, nil
}

func (f *FakeRepository) GetAccountByUsername(_ context.Context, username string) (database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.accounts {
		if u.Username == username {
			return u, nil
		}
	}
	return database.User{}, database.ErrNotFound
}

func (f *FakeRepository) CreateRoom(_ context.Context, params database.CreateRoomParams) (database.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[MethodCreateRoom]; err != nil {
		return database.Room{}, err
	}

	for _, r := range f.rooms {
		if r.User1Id == params.User1Id && r.User2Id == params.User2Id {
			return database.Room{}, database.ErrRoomExists
		}
	}
	for _, r := range f.rooms {
		if r.ExternalId == params.ExternalId {
			return database.Room{}, &pq.Error{Code: "23505", Constraint: "rooms_external_id_key"}
		}
	}

	now := time.Now().UTC()
	r := database.Room{
		Id:            f.id(),
		ExternalId:    params.ExternalId,
		User1Id:       params.User1Id,
		User2Id:       params.User2Id,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	f.rooms[r.Id] = r
	return r, nil
}

func (f *FakeRepository) GetRoomByPair(_ context.Context, user1Id, user2Id int) (database.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.User1Id == user1Id && r.User2Id == user2Id {
			return r, nil
		}
	}
	return database.Room{}, database.ErrNotFound
}

func (f *FakeRepository) GetRoomByExternalId(_ context.Context, externalId string) (database.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.ExternalId == externalId {
			return r, nil
		}
	}
	return database.Room{}, database.ErrNotFound
}

func (f *FakeRepository) GetRoomById(_ context.Context, id int) (database.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok {
		return database.Room{}, database.ErrNotFound
	}
	return r, nil
}

func (f *FakeRepository) ListRoomsForAccount(_ context.Context, accountId int) ([]database.RoomSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []database.RoomSummary
	for _, r := range f.rooms {
		if r.User1Id != accountId && r.User2Id != accountId {
			continue
		}
		other := r.User1Id
		if other == accountId {
			other = r.User2Id
		}

		s := database.RoomSummary{
			Room:          r,
			OtherUserId:   other,
			OtherUsername: f.accounts[other].Username,
		}
		for _, m := range f.messages {
			if m.RoomId != r.Id {
				continue
			}
			s.LastMessageCipher = m.Ciphertext
			if m.SenderId != accountId && !m.IsRead {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (f *FakeRepository) CreateMessage(_ context.Context, msg database.Message) (database.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[MethodCreateMessage]; err != nil {
		return database.Message{}, err
	}

	r, ok := f.rooms[msg.RoomId]
	if !ok {
		return database.Message{}, database.ErrNotFound
	}

	msg.IsRead = false
	msg.SenderUsername = f.accounts[msg.SenderId].Username
	f.messages = append(f.messages, msg)

	r.LastMessageAt = msg.CreatedAt
	f.rooms[r.Id] = r
	return msg, nil
}

func (f *FakeRepository) GetMessage(_ context.Context, id string) (database.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.Id == id {
			return m, nil
		}
	}
	return database.Message{}, database.ErrNotFound
}

func (f *FakeRepository) GetMessages(_ context.Context, roomId, limit int) ([]database.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[MethodGetMessages]; err != nil {
		return nil, err
	}

	var out []database.Message
	for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if f.messages[i].RoomId == roomId {
			out = append(out, f.messages[i])
		}
	}
	return out, nil
}

// Messages returns a copy of every stored message of a room in insertion order.
func (f *FakeRepository) Messages(roomId int) []database.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []database.Message
	for _, m := range f.messages {
		if m.RoomId == roomId {
			out = append(out, m)
		}
	}
	return out
}

// SetCiphertext overwrites a stored message body.
func (f *FakeRepository) SetCiphertext(id, ciphertext string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].Id == id {
			f.messages[i].Ciphertext = ciphertext
		}
	}
}

func (f *FakeRepository) MarkMessageRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].Id == id {
			f.messages[i].IsRead = true
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *FakeRepository) MarkRoomRead(_ context.Context, roomId, readerId int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for i := range f.messages {
		m := &f.messages[i]
		if m.RoomId == roomId && m.SenderId != readerId && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}
