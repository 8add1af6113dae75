// Package store holds the authenticated session state and the HTTP client
// for the policy store API.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const sessionFile = "session.json"

// sessionState is persisted to dataDir/session.json after enrollment or
// login and updated on every token refresh.
type sessionState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	GroupName    string    `json:"group_name,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Session is the process-wide authentication state. A zero token means no
// session; operations that need one fail fast without touching the network.
type Session struct {
	mu    sync.Mutex
	path  string // "" disables persistence
	state sessionState
}

// NewSession creates an in-memory session with no persistence.
func NewSession() *Session {
	return &Session{}
}

// LoadSession reads the persisted session from dataDir, returning an empty
// session if none exists yet.
func LoadSession(dataDir string) *Session {
	s := &Session{path: filepath.Join(dataDir, sessionFile)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return s
	}
	s.state = state
	return s
}

// Token returns the current access token, "" when unauthenticated.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AccessToken
}

// Authenticated reports whether a usable access token is present.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// DeviceID returns the enrolled device's ID, "" before enrollment.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DeviceID
}

// GroupID returns the device's group association, "" when ungrouped.
func (s *Session) GroupID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GroupID
}

// GroupName returns the display name of the device's group.
func (s *Session) GroupName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GroupName
}

// SetTokens stores new access/refresh tokens and persists the session.
func (s *Session) SetTokens(access, refresh string, expires time.Time) error {
	s.mu.Lock()
	s.state.AccessToken = access
	s.state.RefreshToken = refresh
	s.state.ExpiresAt = expires
	s.mu.Unlock()
	return s.save()
}

// SetDevice records the enrolled device identity and group association.
func (s *Session) SetDevice(deviceID, groupID, groupName string) error {
	s.mu.Lock()
	s.state.DeviceID = deviceID
	s.state.GroupID = groupID
	s.state.GroupName = groupName
	s.mu.Unlock()
	return s.save()
}

// Clear wipes all session state, in memory and on disk.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.state = sessionState{}
	path := s.path
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Session) save() error {
	s.mu.Lock()
	path := s.path
	state := s.state
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
