package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Session kinds. Admin sessions come from login, device sessions from
// enrollment.
const (
	KindAdmin  = "admin"
	KindDevice = "device"
)

var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrBadToken       = errors.New("invalid or expired token")
	ErrTokenUsed      = errors.New("enrollment token already used")
	ErrTokenExpired   = errors.New("enrollment token expired")
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Kind      string
	SubjectID string
	Name      string
}

// CreateDefaultAdmin seeds the admin account on first boot. An empty
// password skips seeding; an existing account is left alone.
func (s *Store) CreateDefaultAdmin(username, password string) error {
	if password == "" {
		return nil
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM admins WHERE username = ?`, username).Scan(&n); err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if n > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO admins (id, username, password_hash, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), username, string(hash), username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	log.Printf("[AUTH] created default admin %q", username)
	return nil
}

// Login verifies admin credentials and mints a session token.
func (s *Store) Login(username, password string) (string, *Principal, error) {
	var id, hash, name string
	err := s.db.QueryRow(`
		SELECT id, password_hash, display_name FROM admins WHERE username = ?`, username).
		Scan(&id, &hash, &name)
	if err == sql.ErrNoRows {
		return "", nil, ErrBadCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("load admin: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", nil, ErrBadCredentials
	}
	token, err := s.createSession(KindAdmin, id, 24*time.Hour)
	if err != nil {
		return "", nil, err
	}
	return token, &Principal{Kind: KindAdmin, SubjectID: id, Name: name}, nil
}

// CreateDeviceSession mints a long-lived token for an enrolled device.
func (s *Store) CreateDeviceSession(deviceID string) (string, error) {
	return s.createSession(KindDevice, deviceID, 0)
}

func (s *Store) createSession(kind, subjectID string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)
	var expires any
	if ttl > 0 {
		expires = time.Now().UTC().Add(ttl)
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (token, kind, subject_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		token, kind, subjectID, time.Now().UTC(), expires)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// Authenticate resolves a bearer token to its principal.
func (s *Store) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrBadToken
	}
	var kind, subjectID string
	var expires sql.NullTime
	err := s.db.QueryRow(`
		SELECT kind, subject_id, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&kind, &subjectID, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrBadToken
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if expires.Valid && time.Now().After(expires.Time) {
		s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token)
		return nil, ErrBadToken
	}

	p := &Principal{Kind: kind, SubjectID: subjectID}
	switch kind {
	case KindAdmin:
		s.db.QueryRow(`SELECT display_name FROM admins WHERE id = ?`, subjectID).Scan(&p.Name)
	case KindDevice:
		p.Name = s.deviceName(subjectID)
	}
	return p, nil
}

// RevokeDeviceSessions drops all sessions of an unenrolled device.
func (s *Store) RevokeDeviceSessions(deviceID string) {
	s.db.Exec(`DELETE FROM sessions WHERE kind = ? AND subject_id = ?`, KindDevice, deviceID)
}

// CreateEnrollToken mints a one-time enrollment token for a group.
func (s *Store) CreateEnrollToken(groupID, groupName, deviceName string, ttl time.Duration) (string, error) {
	// 18 alphanumeric characters, inside the accepted 16 to 20 range.
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate enroll token: %w", err)
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	token := string(buf)

	var expires any
	if ttl != 0 {
		expires = time.Now().UTC().Add(ttl)
	}
	_, err := s.db.Exec(`
		INSERT INTO enroll_tokens (token, group_id, group_name, device_name, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		token, groupID, groupName, deviceName, time.Now().UTC(), expires)
	if err != nil {
		return "", fmt.Errorf("store enroll token: %w", err)
	}
	return token, nil
}

// enrollTokenInfo is the redeemable state of one enrollment token.
type enrollTokenInfo struct {
	GroupID    string
	GroupName  string
	DeviceName string
}

// RedeemEnrollToken consumes a token, marking it used. Used and expired
// tokens fail with distinct errors so the handler can map status codes.
func (s *Store) RedeemEnrollToken(token, deviceID string) (*enrollTokenInfo, error) {
	var info enrollTokenInfo
	var expires, used sql.NullTime
	err := s.db.QueryRow(`
		SELECT group_id, group_name, device_name, expires_at, used_at
		FROM enroll_tokens WHERE token = ?`, token).
		Scan(&info.GroupID, &info.GroupName, &info.DeviceName, &expires, &used)
	if err == sql.ErrNoRows {
		return nil, ErrBadToken
	}
	if err != nil {
		return nil, fmt.Errorf("load enroll token: %w", err)
	}
	if used.Valid {
		return nil, ErrTokenUsed
	}
	if expires.Valid && time.Now().After(expires.Time) {
		return nil, ErrTokenExpired
	}
	_, err = s.db.Exec(`
		UPDATE enroll_tokens SET used_at = ?, used_by = ? WHERE token = ?`,
		time.Now().UTC(), deviceID, token)
	if err != nil {
		return nil, fmt.Errorf("mark enroll token used: %w", err)
	}
	return &info, nil
}
