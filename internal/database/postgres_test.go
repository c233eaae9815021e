package database

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/npezzotti/go-dmchat/internal/database/migrations"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PgGoChatRepository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &PgGoChatRepository{conn: conn}, mock
}

var roomCols = []string{"id", "external_id", "user1_id", "user2_id", "created_at", "last_message_at"}

func TestCreateRoom(t *testing.T) {
	now := time.Now().UTC()

	tcases := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		want    Room
		wantErr error
	}{
		{
			name: "inserted",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta("INSERT INTO rooms")).
					WithArgs("abc123", 1, 2, sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(roomCols).AddRow(7, "abc123", 1, 2, now, now))
			},
			want: Room{Id: 7, ExternalId: "abc123", User1Id: 1, User2Id: 2, CreatedAt: now, LastMessageAt: now},
		},
		{
			name: "pair already exists",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta("INSERT INTO rooms")).
					WithArgs("abc123", 1, 2, sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows(roomCols))
			},
			wantErr: ErrRoomExists,
		},
		{
			name: "external id collision",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(regexp.QuoteMeta("INSERT INTO rooms")).
					WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "rooms_external_id_key"})
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			tc.setup(mock)

			room, err := repo.CreateRoom(context.Background(), CreateRoomParams{
				ExternalId: "abc123",
				User1Id:    1,
				User2Id:    2,
			})

			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.name == "external id collision":
				assert.True(t, IsUniqueViolation(err, "rooms_external_id_key"))
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, room)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetRoomByExternalIdNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM rooms WHERE external_id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRoomByExternalId(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessage(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	msg := Message{
		Id:         "5f1d8a0e-8c1a-4a5e-9a43-1f2d3c4b5a69",
		RoomId:     3,
		SenderId:   1,
		Ciphertext: "Y2lwaGVy",
		CreatedAt:  created,
	}

	t.Run("commits insert and room bump", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
			WithArgs(msg.Id, msg.RoomId, msg.SenderId, msg.Ciphertext, created).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE rooms SET last_message_at")).
			WithArgs(msg.RoomId, created).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, err := repo.CreateMessage(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, msg.Id, got.Id)
		assert.False(t, got.IsRead)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on insert failure", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := repo.CreateMessage(context.Background(), msg)
		assert.EqualError(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when room is gone", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE rooms SET last_message_at")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := repo.CreateMessage(context.Background(), msg)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetMessages(t *testing.T) {
	repo, mock := newMockRepo(t)
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	mock.ExpectQuery("SELECT m.id, .* WHERE m.room_id = \\$1 ORDER BY m.created_at DESC").
		WithArgs(3, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "sender_id", "username", "ciphertext", "is_read", "created_at"}).
			AddRow("b", 3, 2, "bob", "c2", false, t2).
			AddRow("a", 3, 1, "alice", "c1", true, t1))

	msgs, err := repo.GetMessages(context.Background(), 3, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Id)
	assert.Equal(t, "bob", msgs[0].SenderUsername)
	assert.True(t, msgs[1].IsRead)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMessageRead(t *testing.T) {
	tcases := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "unread message",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_read = true WHERE id = $1")).
					WithArgs("m1").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "already read",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_read = true WHERE id = $1")).
					WithArgs("m1").
					WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
					WithArgs("m1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			},
		},
		{
			name: "unknown message",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_read = true WHERE id = $1")).
					WithArgs("m1").
					WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
					WithArgs("m1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			tc.setup(mock)

			err := repo.MarkMessageRead(context.Background(), "m1")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkRoomRead(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET is_read = true WHERE room_id = $1 AND sender_id <> $2")).
		WithArgs(3, 1).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.MarkRoomRead(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRoomsForAccount(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT .* FROM rooms r").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows(append(roomCols, "other_id", "other_username", "ciphertext", "unread")).
			AddRow(4, "room4", 1, 5, now, now, 5, "eve", "c4", 2).
			AddRow(3, "room3", 1, 2, now, now, 2, "bob", nil, 0))

	rooms, err := repo.ListRoomsForAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "eve", rooms[0].OtherUsername)
	assert.Equal(t, "c4", rooms[0].LastMessageCipher)
	assert.Equal(t, 2, rooms[0].UnreadCount)
	assert.Empty(t, rooms[1].LastMessageCipher)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM sessions WHERE session_key").
		WithArgs("k", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredSessions(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM sessions WHERE expires_at <= $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pq.Error{Code: uniqueViolation, Constraint: "rooms_external_id_key"}

	assert.True(t, IsUniqueViolation(err, "rooms_external_id_key"))
	assert.True(t, IsUniqueViolation(err, ""))
	assert.False(t, IsUniqueViolation(err, "accounts_username_key"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}, ""))
	assert.False(t, IsUniqueViolation(errors.New("boom"), ""))
}

func TestMigrate(t *testing.T) {
	repo, _ := newMockRepo(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	t.Run("success", func(t *testing.T) {
		var gotDir string
		gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
			gotDir = dir
			return nil
		}
		assert.NoError(t, repo.Migrate(context.Background()))
		assert.Equal(t, ".", gotDir)
	})

	t.Run("failure is wrapped", func(t *testing.T) {
		gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
			return errors.New("bad migration")
		}
		err := repo.Migrate(context.Background())
		assert.ErrorContains(t, err, "apply migrations")
	})
}

func TestMigrationIndexes(t *testing.T) {
	schema, err := fs.ReadFile(migrations.FS, "00001_init.sql")
	require.NoError(t, err)

	up, _, found := strings.Cut(string(schema), "-- +goose Down")
	require.True(t, found)

	tcases := []struct {
		name  string
		index string
	}{
		{name: "history by room", index: "ON messages (room_id, created_at DESC)"},
		{name: "messages by sender", index: "ON messages (sender_id)"},
		{name: "unread by room", index: "ON messages (room_id, sender_id) WHERE NOT is_read"},
		{name: "room list order", index: "ON rooms (last_message_at DESC)"},
		{name: "session sweep", index: "ON sessions (expires_at)"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, up, tc.index)
		})
	}
}
