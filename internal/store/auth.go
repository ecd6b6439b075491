package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"
)

const authSessionTTL = 24 * time.Hour

// CreateAuthSession issues a new API session token.
func (s *Store) CreateAuthSession() (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO auth_sessions (id, created_at, expires_at) VALUES (?, ?, ?)`,
		token, now, now.Add(authSessionTTL),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ValidAuthSession reports whether token names a live session. Expired
// sessions are deleted on sight.
func (s *Store) ValidAuthSession(token string) (bool, error) {
	var expiresAt time.Time
	err := s.db.QueryRow(
		`SELECT expires_at FROM auth_sessions WHERE id = ?`, token,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if time.Now().After(expiresAt) {
		_ = s.DeleteAuthSession(token)
		return false, nil
	}
	return true, nil
}

// DeleteAuthSession removes a session token.
func (s *Store) DeleteAuthSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE id = ?`, token)
	return err
}

// CleanupExpiredSessions removes all expired auth sessions.
func (s *Store) CleanupExpiredSessions() error {
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE expires_at < ?`, time.Now())
	return err
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
