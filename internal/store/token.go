package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token is the persisted OAuth credential pair.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scope        string
}

// NeedsRefresh reports whether the access token expires within buffer.
func (t *Token) NeedsRefresh(buffer time.Duration) bool {
	return !time.Now().Add(buffer).Before(t.ExpiresAt)
}

// SaveToken persists the token, replacing any existing one.
func (s *Store) SaveToken(ctx context.Context, token *Token) error {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	query := `
	INSERT OR REPLACE INTO auth_token
	(id, access_token, refresh_token, token_type, expires_at, scope)
	VALUES (1, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		token.AccessToken,
		token.RefreshToken,
		tokenType,
		formatTime(token.ExpiresAt),
		token.Scope,
	)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Token returns the persisted token, or nil if none is stored.
func (s *Store) Token(ctx context.Context) (*Token, error) {
	var token Token
	var expiresAt string

	err := s.conn.QueryRowContext(ctx, `
	SELECT access_token, refresh_token, token_type, expires_at, scope
	FROM auth_token WHERE id = 1
	`).Scan(
		&token.AccessToken,
		&token.RefreshToken,
		&token.TokenType,
		&expiresAt,
		&token.Scope,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		token.ExpiresAt = t
	}

	return &token, nil
}

// ClearToken removes the persisted token. Idempotent.
func (s *Store) ClearToken(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM auth_token WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}

// SetMeta stores a key/value pair in sync_meta.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT OR REPLACE INTO sync_meta (key, value, updated_at)
	VALUES (?, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query, key, value,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// Meta returns the value for key, or "" if unset.
func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return value, nil
}
