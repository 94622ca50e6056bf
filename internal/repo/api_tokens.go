package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"taskhub/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for the provided bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// InsertToken stores an issued token. TokenHash must already contain the hashed value.
func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, tok domain.APIToken) error {
	if tok.ID == "" {
		return errors.New("id required")
	}
	if tok.UserID == 0 {
		return errors.New("user_id required")
	}
	if tok.TokenHash == "" {
		return errors.New("token_hash required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_tokens(id,user_id,name,token_hash,created_at,expires_at) VALUES (?,?,?,?,?,?)`,
		tok.ID, tok.UserID, tok.Name, tok.TokenHash, tok.CreatedAt, tok.ExpiresAt)
	return err
}

// GetTokenByHash returns a stored token by its hashed value.
func (r Repo) GetTokenByHash(ctx context.Context, hash string) (domain.APIToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,user_id,name,token_hash,created_at,expires_at FROM api_tokens WHERE token_hash=? LIMIT 1`, hash)
	var tok domain.APIToken
	err := row.Scan(&tok.ID, &tok.UserID, &tok.Name, &tok.TokenHash, &tok.CreatedAt, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIToken{}, ErrNotFound
	}
	if err != nil {
		return domain.APIToken{}, err
	}
	return tok, nil
}

// DeleteUserTokens revokes every token of a user and reports how many were removed.
func (r Repo) DeleteUserTokens(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_tokens WHERE user_id=?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredTokens drops tokens whose expiry is before now (RFC3339).
func (r Repo) DeleteExpiredTokens(ctx context.Context, tx *sql.Tx, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_tokens WHERE expires_at < ?`, now)
	return err
}
