package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Push signals relayed from the policy store. Payload values ride in
	// Metadata; receivers treat them as a hint and reconcile with a fetch.
	SettingsUpdatedPush EventType = "settings_updated_push"
	LockChangedPush     EventType = "lock_changed_push"
	RequestDecidedPush  EventType = "request_decided_push"

	// Engine events raised locally.
	PolicyRefreshed EventType = "policy_refreshed"
	SyncFailed      EventType = "sync_failed"
	RequestDecided  EventType = "request_decided"
	SettingLocked   EventType = "setting_locked"
	SettingUnlocked EventType = "setting_unlocked"
)

// Event is the payload published through the bus.
type Event struct {
	Type       EventType         `json:"type"`
	DeviceID   string            `json:"device_id,omitempty"`
	SettingKey string            `json:"setting_key,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
