// ABOUTME: Authentication table access: the store only hands back a verdict-shaped user record.
// ABOUTME: Password hashes are sha256 hex; comparison happens in the mediator with constant-time compare.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// User is the authentication record consumed by the mediator: a
// password hash, a sudo role bit, and the user's access tags.
type User struct {
	Username     string
	PasswordHash string
	Sudo         bool
	AccessTags   []string
}

// HashPassword returns the stored form of a password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// GetUser fetches one authentication row. Returns ErrNotFound for
// unknown usernames.
func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	var (
		u    User
		sudo int
		tags string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, is_sudo, access_tags FROM authentication WHERE username = ?",
		username,
	).Scan(&u.Username, &u.PasswordHash, &sudo, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.Sudo = sudo != 0
	u.AccessTags = splitTags(tags)
	return u, nil
}

// UpsertUser creates or replaces an authentication row.
func (s *Store) UpsertUser(ctx context.Context, username, passwordHash string, sudo bool, accessTags []string) error {
	sudoInt := 0
	if sudo {
		sudoInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authentication (username, password_hash, is_sudo, access_tags)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
			password_hash = excluded.password_hash,
			is_sudo = excluded.is_sudo,
			access_tags = excluded.access_tags`,
		username, passwordHash, sudoInt, strings.Join(accessTags, ","))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
