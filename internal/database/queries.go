package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const roomColumns = "id, external_id, user1_id, user2_id, created_at, last_message_at"

const (
	messageSelect = "SELECT m.id, m.room_id, m.sender_id, a.username, m.ciphertext, m.is_read, m.created_at " +
		"FROM messages m JOIN accounts a ON a.id = m.sender_id "
)

func (db *PgGoChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(
		ctx,
		"INSERT INTO accounts (username, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, username, password_hash, created_at, updated_at",
		params.Username,
		params.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgGoChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, username, password_hash, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	return scanUser(row)
}

func (db *PgGoChatRepository) GetAccountByUsername(ctx context.Context, username string) (User, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, username, password_hash, created_at, updated_at FROM accounts "+
			"WHERE username = $1 LIMIT 1",
		username,
	)

	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, notFound(err)
}

// CreateRoom inserts a room for the canonical pair in params. If the pair
// already has a room, ErrRoomExists is returned and nothing is written.
func (db *PgGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(
		ctx,
		"INSERT INTO rooms (external_id, user1_id, user2_id, created_at, last_message_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (user1_id, user2_id) DO NOTHING "+
			"RETURNING "+roomColumns,
		params.ExternalId,
		params.User1Id,
		params.User2Id,
		now,
	)

	room, err := scanRoom(row)
	if err == ErrNotFound {
		return Room{}, ErrRoomExists
	}

	return room, err
}

func (db *PgGoChatRepository) GetRoomByPair(ctx context.Context, user1Id, user2Id int) (Room, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE user1_id = $1 AND user2_id = $2 LIMIT 1",
		user1Id,
		user2Id,
	)

	return scanRoom(row)
}

func (db *PgGoChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanRoom(row)
}

func (db *PgGoChatRepository) GetRoomById(ctx context.Context, id int) (Room, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE id = $1 LIMIT 1",
		id,
	)

	return scanRoom(row)
}

func scanRoom(row *sql.Row) (Room, error) {
	var r Room
	err := row.Scan(
		&r.Id,
		&r.ExternalId,
		&r.User1Id,
		&r.User2Id,
		&r.CreatedAt,
		&r.LastMessageAt,
	)

	return r, notFound(err)
}

func (db *PgGoChatRepository) ListRoomsForAccount(ctx context.Context, accountId int) ([]RoomSummary, error) {
	query := `
		SELECT
				r.id,
				r.external_id,
				r.user1_id,
				r.user2_id,
				r.created_at,
				r.last_message_at,
				a.id,
				a.username,
				(SELECT m.ciphertext FROM messages m
					WHERE m.room_id = r.id ORDER BY m.created_at DESC LIMIT 1),
				(SELECT COUNT(*) FROM messages m
					WHERE m.room_id = r.id AND m.sender_id <> $1 AND NOT m.is_read)
		FROM rooms r
		JOIN accounts a ON a.id = CASE WHEN r.user1_id = $1 THEN r.user2_id ELSE r.user1_id END
		WHERE r.user1_id = $1 OR r.user2_id = $1
		ORDER BY r.last_message_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []RoomSummary
	for rows.Next() {
		var (
			s    RoomSummary
			last sql.NullString
		)
		if err := rows.Scan(
			&s.Id,
			&s.ExternalId,
			&s.User1Id,
			&s.User2Id,
			&s.CreatedAt,
			&s.LastMessageAt,
			&s.OtherUserId,
			&s.OtherUsername,
			&last,
			&s.UnreadCount,
		); err != nil {
			return nil, err
		}
		s.LastMessageCipher = last.String
		rooms = append(rooms, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rooms, nil
}

// CreateMessage stores msg and advances the room's last_message_at in a
// single transaction.
func (db *PgGoChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(
		ctx,
		"INSERT INTO messages (id, room_id, sender_id, ciphertext, is_read, created_at) "+
			"VALUES ($1, $2, $3, $4, false, $5)",
		msg.Id,
		msg.RoomId,
		msg.SenderId,
		msg.Ciphertext,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	var res sql.Result
	res, err = tx.ExecContext(
		ctx,
		"UPDATE rooms SET last_message_at = $2 WHERE id = $1",
		msg.RoomId,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return Message{}, err
	}
	if n != 1 {
		err = fmt.Errorf("room %d: %w", msg.RoomId, ErrNotFound)
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	msg.IsRead = false
	return msg, nil
}

func (db *PgGoChatRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx, messageSelect+"WHERE m.id = $1 LIMIT 1", id)

	var m Message
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.SenderId,
		&m.SenderUsername,
		&m.Ciphertext,
		&m.IsRead,
		&m.CreatedAt,
	)

	return m, notFound(err)
}

// GetMessages returns the newest limit messages of a room, newest first.
func (db *PgGoChatRepository) GetMessages(ctx context.Context, roomId, limit int) ([]Message, error) {
	rows, err := db.conn.QueryContext(
		ctx,
		messageSelect+"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.RoomId,
			&m.SenderId,
			&m.SenderUsername,
			&m.Ciphertext,
			&m.IsRead,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (db *PgGoChatRepository) MarkMessageRead(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE messages SET is_read = true WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		// either unknown or already read
		var exists bool
		if err := db.conn.QueryRowContext(
			ctx,
			"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)",
			id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}

	return nil
}

// MarkRoomRead marks every unread message in the room not sent by readerId
// as read and returns how many were updated.
func (db *PgGoChatRepository) MarkRoomRead(ctx context.Context, roomId, readerId int) (int64, error) {
	res, err := db.conn.ExecContext(
		ctx,
		"UPDATE messages SET is_read = true WHERE room_id = $1 AND sender_id <> $2 AND NOT is_read",
		roomId,
		readerId,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
