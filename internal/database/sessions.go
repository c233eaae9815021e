package database

import (
	"context"
	"time"
)

func (db *PgGoChatRepository) SaveSession(ctx context.Context, s Session) error {
	_, err := db.conn.ExecContext(
		ctx,
		"INSERT INTO sessions (session_key, account_id, backend, auth_hash, csrf_token, created_at, expires_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) "+
			"ON CONFLICT (session_key) DO UPDATE SET "+
			"account_id = EXCLUDED.account_id, backend = EXCLUDED.backend, auth_hash = EXCLUDED.auth_hash, "+
			"csrf_token = EXCLUDED.csrf_token, expires_at = EXCLUDED.expires_at",
		s.Key,
		s.UserId,
		s.Backend,
		s.AuthHash,
		s.CSRFToken,
		s.CreatedAt,
		s.ExpiresAt,
	)

	return err
}

func (db *PgGoChatRepository) GetSession(ctx context.Context, key string) (Session, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT session_key, account_id, backend, auth_hash, csrf_token, created_at, expires_at "+
			"FROM sessions WHERE session_key = $1 AND expires_at > $2 LIMIT 1",
		key,
		time.Now().UTC(),
	)

	var s Session
	err := row.Scan(
		&s.Key,
		&s.UserId,
		&s.Backend,
		&s.AuthHash,
		&s.CSRFToken,
		&s.CreatedAt,
		&s.ExpiresAt,
	)

	return s, notFound(err)
}

func (db *PgGoChatRepository) DeleteSession(ctx context.Context, key string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE session_key = $1", key)
	return err
}

func (db *PgGoChatRepository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= $1", time.Now().UTC())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
