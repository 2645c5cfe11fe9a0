package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_anonymous)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, user.ID, user.Email, user.PasswordHash, user.Anonymous)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_anonymous, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &email, &user.PasswordHash, &user.Anonymous, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	user.Email = email.String
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	var stored sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_anonymous, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &stored, &user.PasswordHash, &user.Anonymous, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	user.Email = stored.String
	return user, nil
}

// LinkUserEmail attaches credentials to an existing (anonymous) user,
// keeping its id stable.
func (s *PostgresStore) LinkUserEmail(ctx context.Context, userID, email, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET email=$2, password_hash=$3, is_anonymous=FALSE
		WHERE id=$1
	`, userID, email, passwordHash)
	if err != nil {
		return fmt.Errorf("link user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("link user email: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.password_hash, u.is_anonymous, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &email, &user.PasswordHash, &user.Anonymous, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	user.Email = email.String
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// GetRecord reads the remote roster document for an identity. The
// second result is false when no document exists yet.
func (s *PostgresStore) GetRecord(ctx context.Context, uid string) (PartyRecord, bool, error) {
	var record PartyRecord
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, doc, env, updated_at FROM party_records WHERE uid=$1
	`, uid).Scan(&record.UID, &doc, &record.Env, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PartyRecord{}, false, nil
	}
	if err != nil {
		return PartyRecord{}, false, fmt.Errorf("read party record: %w", err)
	}
	record.Doc = json.RawMessage(doc)
	return record, true, nil
}

// SaveRecord upserts the remote roster document for an identity.
// updated_at is assigned by the database, never by the caller.
func (s *PostgresStore) SaveRecord(ctx context.Context, uid string, doc json.RawMessage, env string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO party_records (uid, doc, env, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (uid) DO UPDATE SET doc=EXCLUDED.doc, env=EXCLUDED.env, updated_at=NOW()
	`, uid, []byte(doc), env)
	if err != nil {
		return fmt.Errorf("save party record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
