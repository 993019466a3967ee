package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLTokenStorage persists tokens in the user_tokens table. Works with
// any database/sql pool; production wiring uses the pgx stdlib driver.
type SQLTokenStorage struct {
	db *sql.DB
}

// NewSQLTokenStorage wraps an open pool.
func NewSQLTokenStorage(db *sql.DB) *SQLTokenStorage {
	return &SQLTokenStorage{db: db}
}

func (s *SQLTokenStorage) GetValidToken(ctx context.Context, userEmail, serverName string) (*StoredToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, token_type, refresh_token, scopes, expires_at, metadata, updated_at
		FROM user_tokens
		WHERE user_email = $1 AND server_name = $2`,
		userEmail, serverName)

	tok := &StoredToken{UserEmail: userEmail, ServerName: serverName}
	var (
		refreshToken sql.NullString
		scopes       sql.NullString
		expiresAt    sql.NullTime
		metadata     sql.NullString
	)
	if err := row.Scan(&tok.Token, &tok.TokenType, &refreshToken, &scopes, &expiresAt, &metadata, &tok.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("querying token for %s/%s: %w", userEmail, serverName, err)
	}
	tok.RefreshToken = refreshToken.String
	if scopes.Valid && scopes.String != "" {
		tok.Scopes = strings.Split(scopes.String, " ")
	}
	if expiresAt.Valid {
		tok.ExpiresAt = expiresAt.Time
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &tok.Metadata)
	}
	if tok.Expired(time.Now()) {
		return nil, ErrNoToken
	}
	return tok, nil
}

func (s *SQLTokenStorage) StoreToken(ctx context.Context, token *StoredToken) error {
	var expiresAt sql.NullTime
	if !token.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: token.ExpiresAt, Valid: true}
	}
	var metadata sql.NullString
	if token.Metadata != nil {
		b, err := json.Marshal(token.Metadata)
		if err != nil {
			return fmt.Errorf("serializing token metadata for %s/%s: %w", token.UserEmail, token.ServerName, err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_tokens (user_email, server_name, token, token_type, refresh_token, scopes, expires_at, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (user_email, server_name)
		DO UPDATE SET
			token = EXCLUDED.token,
			token_type = EXCLUDED.token_type,
			refresh_token = EXCLUDED.refresh_token,
			scopes = EXCLUDED.scopes,
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		token.UserEmail, token.ServerName, token.Token, token.TokenType,
		token.RefreshToken, strings.Join(token.Scopes, " "), expiresAt, metadata)
	if err != nil {
		return fmt.Errorf("storing token for %s/%s: %w", token.UserEmail, token.ServerName, err)
	}
	return nil
}

func (s *SQLTokenStorage) DeleteToken(ctx context.Context, userEmail, serverName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_tokens WHERE user_email = $1 AND server_name = $2`,
		userEmail, serverName)
	if err != nil {
		return fmt.Errorf("deleting token for %s/%s: %w", userEmail, serverName, err)
	}
	return nil
}

func (s *SQLTokenStorage) AuthStatus(ctx context.Context, userEmail string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_name FROM user_tokens
		WHERE user_email = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY server_name`,
		userEmail)
	if err != nil {
		return nil, fmt.Errorf("querying auth status for %s: %w", userEmail, err)
	}
	defer rows.Close()

	var servers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning auth status row: %w", err)
		}
		servers = append(servers, name)
	}
	return servers, rows.Err()
}

func (s *SQLTokenStorage) DeleteUserTokens(ctx context.Context, userEmail string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_tokens WHERE user_email = $1`, userEmail)
	if err != nil {
		return 0, fmt.Errorf("deleting tokens for %s: %w", userEmail, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
