// Package store persists rooms and messages. Message bodies are encrypted
// before they reach the repository and decrypted on the way out.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/encryption"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 100
	MaxMessageRunes     = 5000

	previewRunes             = 50
	maxExternalIdAttempts    = 5
	roomExternalIdConstraint = "rooms_external_id_key"
)

var ErrSameUser = errors.New("cannot create a room with yourself")

type Store struct {
	db            database.GoChatRepository
	codec         *encryption.Codec
	log           *log.Logger
	newExternalId func() (string, error)
	newMessageId  func() string
	now           func() time.Time
}

func New(db database.GoChatRepository, codec *encryption.Codec, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Store{
		db:            db,
		codec:         codec,
		log:           logger,
		newExternalId: shortid.Generate,
		newMessageId:  uuid.NewString,
		now:           time.Now,
	}
}

// GetOrCreateRoom returns the room shared by users a and b, creating it on
// first contact. The pair is unordered: (a, b) and (b, a) yield the same room.
func (s *Store) GetOrCreateRoom(ctx context.Context, a, b int) (database.Room, error) {
	if a == b {
		return database.Room{}, ErrSameUser
	}

	user1, user2 := a, b
	if user1 > user2 {
		user1, user2 = user2, user1
	}

	room, err := s.db.GetRoomByPair(ctx, user1, user2)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return database.Room{}, fmt.Errorf("%w: get room: %v", types.ErrPersistence, err)
	}

	for attempt := 0; attempt < maxExternalIdAttempts; attempt++ {
		externalId, err := s.newExternalId()
		if err != nil {
			return database.Room{}, fmt.Errorf("generate room id: %w", err)
		}

		room, err = s.db.CreateRoom(ctx, database.CreateRoomParams{
			ExternalId: externalId,
			User1Id:    user1,
			User2Id:    user2,
		})
		switch {
		case err == nil:
			return room, nil
		case errors.Is(err, database.ErrRoomExists):
			// lost a race with the other participant
			room, err = s.db.GetRoomByPair(ctx, user1, user2)
			if err != nil {
				return database.Room{}, fmt.Errorf("%w: get room: %v", types.ErrPersistence, err)
			}
			return room, nil
		case database.IsUniqueViolation(err, roomExternalIdConstraint):
			s.log.Printf("room id collision on attempt %d, retrying", attempt+1)
			continue
		default:
			return database.Room{}, fmt.Errorf("%w: create room: %v", types.ErrPersistence, err)
		}
	}

	return database.Room{}, fmt.Errorf("%w: could not allocate a unique room id", types.ErrPersistence)
}

func (s *Store) ResolveRoom(ctx context.Context, externalId string) (database.Room, error) {
	if externalId == "" {
		return database.Room{}, types.ErrRoomNotFound
	}

	room, err := s.db.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Room{}, types.ErrRoomNotFound
		}
		return database.Room{}, fmt.Errorf("%w: resolve room: %v", types.ErrPersistence, err)
	}

	return room, nil
}

func IsParticipant(room database.Room, userId int) bool {
	return userId != 0 && (room.User1Id == userId || room.User2Id == userId)
}

func OtherParticipant(room database.Room, userId int) int {
	if room.User1Id == userId {
		return room.User2Id
	}
	return room.User1Id
}

// ValidateContent trims content and checks it is non-empty and within
// MaxMessageRunes.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: empty message", types.ErrMalformedMessage)
	}
	if utf8.RuneCountInString(content) > MaxMessageRunes {
		return "", fmt.Errorf("%w: message exceeds %d characters", types.ErrMalformedMessage, MaxMessageRunes)
	}

	return content, nil
}

// CreateMessage encrypts and stores a message and advances the room's
// last activity time. Access is not checked here.
func (s *Store) CreateMessage(ctx context.Context, room database.Room, sender database.User, content string) (types.Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return types.Message{}, err
	}

	ciphertext, err := s.codec.Encrypt(content)
	if err != nil {
		return types.Message{}, fmt.Errorf("%w: encrypt: %v", types.ErrPersistence, err)
	}

	msg, err := s.db.CreateMessage(ctx, database.Message{
		Id:         s.newMessageId(),
		RoomId:     room.Id,
		SenderId:   sender.Id,
		Ciphertext: ciphertext,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	return types.Message{
		Id:             msg.Id,
		RoomId:         msg.RoomId,
		SenderId:       sender.Id,
		SenderUsername: sender.Username,
		Content:        content,
		IsRead:         false,
		Timestamp:      msg.CreatedAt,
	}, nil
}

// ListMessages returns up to limit of the room's most recent messages,
// oldest first. A message that cannot be decrypted is returned with
// encryption.Placeholder as its content.
func (s *Store) ListMessages(ctx context.Context, room database.Room, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}

	rows, err := s.db.GetMessages(ctx, room.Id, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", types.ErrPersistence, err)
	}

	messages := make([]types.Message, len(rows))
	for i, m := range rows {
		// rows are newest first
		messages[len(rows)-1-i] = types.Message{
			Id:             m.Id,
			RoomId:         m.RoomId,
			SenderId:       m.SenderId,
			SenderUsername: m.SenderUsername,
			Content:        s.decrypt("message "+m.Id, m.Ciphertext),
			IsRead:         m.IsRead,
			Timestamp:      m.CreatedAt,
		}
	}

	return messages, nil
}

// decrypt never fails; label identifies the message in the log.
func (s *Store) decrypt(label, ciphertext string) string {
	content, err := s.codec.Decrypt(ciphertext)
	if err != nil {
		s.log.Printf("%s: %v", label, err)
		return encryption.Placeholder
	}
	return content
}

// GetMessage returns the message with its room, for access checks.
func (s *Store) GetMessage(ctx context.Context, messageId string) (database.Message, error) {
	m, err := s.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Message{}, err
		}
		return database.Message{}, fmt.Errorf("%w: get message: %v", types.ErrPersistence, err)
	}
	return m, nil
}

// MarkRead flags a message as read. Marking a read message again is a no-op.
func (s *Store) MarkRead(ctx context.Context, messageId string) error {
	if err := s.db.MarkMessageRead(ctx, messageId); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: mark read: %v", types.ErrPersistence, err)
	}
	return nil
}

// MarkRoomRead marks the messages readerId has received in room as read.
func (s *Store) MarkRoomRead(ctx context.Context, room database.Room, readerId int) (int64, error) {
	n, err := s.db.MarkRoomRead(ctx, room.Id, readerId)
	if err != nil {
		return 0, fmt.Errorf("%w: mark room read: %v", types.ErrPersistence, err)
	}
	return n, nil
}

// ListRooms returns userId's rooms, most recently active first.
func (s *Store) ListRooms(ctx context.Context, userId int) ([]types.Room, error) {
	summaries, err := s.db.ListRoomsForAccount(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("%w: list rooms: %v", types.ErrPersistence, err)
	}

	rooms := make([]types.Room, 0, len(summaries))
	for _, r := range summaries {
		var preview string
		if r.LastMessageCipher != "" {
			preview = truncate(s.decrypt("last message of room "+r.ExternalId, r.LastMessageCipher), previewRunes)
		}

		rooms = append(rooms, types.Room{
			Id:         r.Id,
			ExternalId: r.ExternalId,
			OtherUser: types.User{
				Id:       r.OtherUserId,
				Username: r.OtherUsername,
			},
			LastMessage:   preview,
			UnreadCount:   r.UnreadCount,
			CreatedAt:     r.CreatedAt,
			LastMessageAt: r.LastMessageAt,
		})
	}

	return rooms, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
