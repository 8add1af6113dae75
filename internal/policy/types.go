package policy

import (
	"strings"
	"time"
)

// SettingLock describes the lock state of a single setting key.
// An unlocked entry carries no holder or timestamp.
type SettingLock struct {
	SettingKey string     `json:"setting_key"`
	IsLocked   bool       `json:"is_locked"`
	LockedBy   string     `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
}

// DeviceSettings is the device-side view of its own policy: setting values
// plus the lock map that gates local writes.
type DeviceSettings struct {
	Settings     map[string]any         `json:"settings"`
	Locks        map[string]SettingLock `json:"locks"`
	LastSyncedAt *time.Time             `json:"last_synced_at,omitempty"`
}

// IsLocked reports whether the given key is locked by an admin.
func (s *DeviceSettings) IsLocked(key string) bool {
	return s != nil && s.Locks[key].IsLocked
}

// LockedBy returns who locked the key, or "" if it is not locked.
func (s *DeviceSettings) LockedBy(key string) string {
	if s == nil {
		return ""
	}
	return s.Locks[key].LockedBy
}

// Lock returns the lock entry for a key, if one exists.
func (s *DeviceSettings) Lock(key string) (SettingLock, bool) {
	if s == nil {
		return SettingLock{}, false
	}
	l, ok := s.Locks[key]
	return l, ok
}

// LockedCount returns how many settings are currently locked.
func (s *DeviceSettings) LockedCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, l := range s.Locks {
		if l.IsLocked {
			n++
		}
	}
	return n
}

// MemberDevice is the admin-side view of one managed device: identity,
// presence, and the full settings+locks document.
type MemberDevice struct {
	DeviceID       string                 `json:"device_id"`
	DeviceName     string                 `json:"device_name"`
	OwnerUserID    string                 `json:"owner_user_id"`
	OwnerName      string                 `json:"owner_name"`
	OwnerEmail     string                 `json:"owner_email"`
	IsOnline       bool                   `json:"is_online"`
	LastSeen       *time.Time             `json:"last_seen,omitempty"`
	Settings       map[string]any         `json:"settings"`
	Locks          map[string]SettingLock `json:"locks"`
	LastSyncedAt   *time.Time             `json:"last_synced_at,omitempty"`
	LastModifiedBy string                 `json:"last_modified_by,omitempty"`
}

// IsLocked reports whether a setting on this device is locked.
func (d *MemberDevice) IsLocked(key string) bool {
	return d != nil && d.Locks[key].IsLocked
}

// LockedCount returns the number of locked settings on this device.
func (d *MemberDevice) LockedCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, l := range d.Locks {
		if l.IsLocked {
			n++
		}
	}
	return n
}

// ChangeType classifies an audit record.
type ChangeType string

const (
	ChangeValue    ChangeType = "VALUE_CHANGED"
	ChangeLocked   ChangeType = "LOCKED"
	ChangeUnlocked ChangeType = "UNLOCKED"
	ChangeReset    ChangeType = "RESET"
)

// ParseChangeType maps a server-supplied change type string to a ChangeType.
// Unknown values degrade to VALUE_CHANGED.
func ParseChangeType(s string) ChangeType {
	switch ChangeType(strings.ToUpper(s)) {
	case ChangeValue, ChangeType("CHANGED"):
		return ChangeValue
	case ChangeLocked:
		return ChangeLocked
	case ChangeUnlocked:
		return ChangeUnlocked
	case ChangeReset:
		return ChangeReset
	default:
		return ChangeValue
	}
}

// SettingChange is one immutable audit-trail entry.
type SettingChange struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"device_id,omitempty"`
	SettingKey    string     `json:"setting_key"`
	OldValue      any        `json:"old_value,omitempty"`
	NewValue      any        `json:"new_value,omitempty"`
	ChangedBy     string     `json:"changed_by"`
	ChangedByName string     `json:"changed_by_name"`
	ChangedAt     time.Time  `json:"changed_at"`
	ChangeType    ChangeType `json:"change_type"`
}

// SettingsTemplate is a named, reusable bundle of settings and locks.
// A freshly constructed template carries a client-side placeholder ID that
// the server replaces on save.
type SettingsTemplate struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Settings       map[string]any `json:"settings"`
	LockedSettings []string       `json:"locked_settings"`
	CreatedBy      string         `json:"created_by"`
	CreatedByName  string         `json:"created_by_name"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	IsShared       bool           `json:"is_shared"`
}

// ShouldLock reports whether applying this template locks the given key.
func (t *SettingsTemplate) ShouldLock(key string) bool {
	for _, k := range t.LockedSettings {
		if k == key {
			return true
		}
	}
	return false
}

// RequestStatus is the lifecycle state of an unlock request. PENDING is the
// only non-terminal status.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusDenied    RequestStatus = "denied"
	StatusWithdrawn RequestStatus = "withdrawn"
)

// ParseRequestStatus maps a server status string to a RequestStatus.
// Unknown values degrade to pending.
func ParseRequestStatus(s string) RequestStatus {
	switch RequestStatus(strings.ToLower(s)) {
	case StatusApproved:
		return StatusApproved
	case StatusDenied:
		return StatusDenied
	case StatusWithdrawn:
		return StatusWithdrawn
	default:
		return StatusPending
	}
}

// Terminal reports whether the status permits no further transitions.
func (s RequestStatus) Terminal() bool { return s != StatusPending }

// UnlockRequest is a device owner's petition to unlock one setting.
type UnlockRequest struct {
	ID              string        `json:"id"`
	DeviceID        string        `json:"device_id"`
	SettingKey      string        `json:"setting_key"`
	Reason          string        `json:"reason"`
	Status          RequestStatus `json:"status"`
	RequestedBy     string        `json:"requested_by"`
	RequestedByName string        `json:"requested_by_name,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	RespondedBy     string        `json:"responded_by,omitempty"`
	RespondedByName string        `json:"responded_by_name,omitempty"`
	Response        string        `json:"response,omitempty"`
	RespondedAt     *time.Time    `json:"responded_at,omitempty"`
}

// CanWithdraw reports whether the owner may still withdraw this request.
func (r *UnlockRequest) CanWithdraw() bool { return r.Status == StatusPending }

// RequestSummary counts unlock requests by status.
type RequestSummary struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Denied    int `json:"denied"`
	Withdrawn int `json:"withdrawn"`
}

// Total is the sum across all statuses.
func (s RequestSummary) Total() int {
	return s.Pending + s.Approved + s.Denied + s.Withdrawn
}

// Summarize tallies a request list into a summary.
func Summarize(requests []UnlockRequest) RequestSummary {
	var sum RequestSummary
	for _, r := range requests {
		switch r.Status {
		case StatusPending:
			sum.Pending++
		case StatusApproved:
			sum.Approved++
		case StatusDenied:
			sum.Denied++
		case StatusWithdrawn:
			sum.Withdrawn++
		}
	}
	return sum
}

// RequestFilter narrows an unlock-request listing by status.
type RequestFilter string

const (
	FilterAll       RequestFilter = "all"
	FilterPending   RequestFilter = "pending"
	FilterApproved  RequestFilter = "approved"
	FilterDenied    RequestFilter = "denied"
	FilterWithdrawn RequestFilter = "withdrawn"
)

// ServerParam returns the status query parameter for this filter,
// "" meaning no filter.
func (f RequestFilter) ServerParam() string {
	if f == FilterAll || f == "" {
		return ""
	}
	return string(f)
}

// DeviceResult is the per-device outcome of a bulk operation.
type DeviceResult struct {
	DeviceID        string         `json:"device_id"`
	DeviceName      string         `json:"device_name"`
	AppliedSettings map[string]any `json:"applied_settings,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// BulkResult aggregates independent per-device outcomes. Partial failure is
// the expected shape, not an error.
type BulkResult struct {
	Successful []DeviceResult `json:"successful"`
	Failed     []DeviceResult `json:"failed"`
}

func (b BulkResult) SuccessCount() int { return len(b.Successful) }
func (b BulkResult) FailureCount() int { return len(b.Failed) }
func (b BulkResult) TotalCount() int   { return len(b.Successful) + len(b.Failed) }
func (b BulkResult) AllSuccessful() bool {
	return len(b.Failed) == 0
}

// ManagedStatus is the device-derived view of its own management state,
// computed from the cached policy rather than fetched independently.
type ManagedStatus struct {
	IsManaged           bool       `json:"is_managed"`
	GroupName           string     `json:"group_name,omitempty"`
	GroupID             string     `json:"group_id,omitempty"`
	LockedSettingsCount int        `json:"locked_settings_count"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
}

// DevicePolicy is the settings+locks bundle handed to a device at
// enrollment time.
type DevicePolicy struct {
	Settings  map[string]any `json:"settings"`
	Locks     []string       `json:"locks"`
	GroupID   string         `json:"group_id,omitempty"`
	GroupName string         `json:"group_name,omitempty"`
}

// IsLocked reports whether the policy locks the given key.
func (p *DevicePolicy) IsLocked(key string) bool {
	if p == nil {
		return false
	}
	for _, k := range p.Locks {
		if k == key {
			return true
		}
	}
	return false
}

// Value returns the policy value for a key, if present.
func (p *DevicePolicy) Value(key string) (any, bool) {
	if p == nil {
		return nil, false
	}
	v, ok := p.Settings[key]
	return v, ok
}

// Organization identifies the managing party of an enrolled device.
type Organization struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email,omitempty"`
	SupportPhone string `json:"support_phone,omitempty"`
}

