// Package api defines the wire shapes exchanged with the policy store and
// the push frames it fans out. Transport concerns (auth headers, routing)
// live elsewhere; these structs are the logical contract.
package api

import "encoding/json"

// SettingValue is one setting as the server stores it: value plus inline
// lock state.
type SettingValue struct {
	Value     any    `json:"value"`
	IsLocked  bool   `json:"is_locked,omitempty"`
	LockedBy  string `json:"locked_by,omitempty"`
	LockedAt  string `json:"locked_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// LockInfo is the standalone lock entry in the locks map.
type LockInfo struct {
	IsLocked bool   `json:"is_locked"`
	LockedBy string `json:"locked_by,omitempty"`
	LockedAt string `json:"locked_at,omitempty"`
}

// DeviceSettingsResponse is GET settings(deviceId). Admin-only fields are
// optional; the device-facing endpoint omits them.
type DeviceSettingsResponse struct {
	DeviceID       string                  `json:"device_id"`
	DeviceName     string                  `json:"device_name,omitempty"`
	OwnerUserID    string                  `json:"owner_user_id,omitempty"`
	OwnerName      string                  `json:"owner_name,omitempty"`
	OwnerEmail     string                  `json:"owner_email,omitempty"`
	IsOnline       bool                    `json:"is_online,omitempty"`
	LastSeen       string                  `json:"last_seen,omitempty"`
	Settings       map[string]SettingValue `json:"settings"`
	Locks          map[string]LockInfo     `json:"locks,omitempty"`
	LastSyncedAt   string                  `json:"last_synced_at,omitempty"`
	LastModifiedBy string                  `json:"last_modified_by,omitempty"`
}

// SettingsValues extracts plain key→value pairs from the settings map.
func (r *DeviceSettingsResponse) SettingsValues() map[string]any {
	values := make(map[string]any, len(r.Settings))
	for k, v := range r.Settings {
		values[k] = v.Value
	}
	return values
}

// AllLocks merges the standalone locks map with lock state embedded in the
// settings map. Standalone entries win on conflict.
func (r *DeviceSettingsResponse) AllLocks() map[string]LockInfo {
	locks := make(map[string]LockInfo)
	for k, v := range r.Settings {
		if v.IsLocked {
			locks[k] = LockInfo{IsLocked: true, LockedBy: v.LockedBy, LockedAt: v.LockedAt}
		}
	}
	for k, l := range r.Locks {
		locks[k] = l
	}
	return locks
}

// UpdateSettingsRequest is PATCH settings(deviceId).
type UpdateSettingsRequest struct {
	Settings   map[string]any `json:"settings"`
	NotifyUser bool           `json:"notify_user"`
}

// UpdateSettingsResponse partitions the requested keys into updated, locked
// (rejected), and invalid, and echoes the resulting setting values.
type UpdateSettingsResponse struct {
	Updated  []string                `json:"updated"`
	Locked   []string                `json:"locked"`
	Invalid  []string                `json:"invalid"`
	Settings map[string]SettingValue `json:"settings,omitempty"`
}

// AppliedSettings returns the values for exactly the updated keys.
func (r *UpdateSettingsResponse) AppliedSettings() map[string]any {
	applied := make(map[string]any, len(r.Updated))
	for _, key := range r.Updated {
		if v, ok := r.Settings[key]; ok {
			applied[key] = v.Value
		}
	}
	return applied
}

// LockSettingsRequest is POST lock(deviceId).
type LockSettingsRequest struct {
	SettingKeys []string `json:"setting_keys"`
	Lock        bool     `json:"lock"`
}

// LockSettingsResponse reports how many keys actually changed state.
type LockSettingsResponse struct {
	Success       bool   `json:"success"`
	LockedCount   int    `json:"locked_count"`
	UnlockedCount int    `json:"unlocked_count"`
	Error         string `json:"error,omitempty"`
}

// BulkUpdateRequest is POST bulkUpdate.
type BulkUpdateRequest struct {
	DeviceIDs   []string       `json:"device_ids"`
	Settings    map[string]any `json:"settings"`
	Locks       []string       `json:"locks,omitempty"`
	NotifyUsers bool           `json:"notify_users"`
}

// BulkDeviceResult is the independent outcome for one device in a bulk
// operation.
type BulkDeviceResult struct {
	DeviceID        string         `json:"device_id"`
	DeviceName      string         `json:"device_name,omitempty"`
	AppliedSettings map[string]any `json:"applied_settings,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// BulkUpdateResponse collects per-device outcomes; one device's failure
// never affects its siblings.
type BulkUpdateResponse struct {
	Successful []BulkDeviceResult `json:"successful"`
	Failed     []BulkDeviceResult `json:"failed"`
}

// Template is the wire form of a settings template.
type Template struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Settings       map[string]any `json:"settings"`
	LockedSettings []string       `json:"locked_settings"`
	CreatedBy      string         `json:"created_by"`
	CreatedByName  string         `json:"created_by_name"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
	IsShared       bool           `json:"is_shared"`
}

// TemplatesResponse is GET templates.
type TemplatesResponse struct {
	Templates []Template `json:"templates"`
}

// SaveTemplateRequest creates (empty ID) or updates (non-empty ID) a
// template.
type SaveTemplateRequest struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Settings       map[string]any `json:"settings"`
	LockedSettings []string       `json:"locked_settings"`
	IsShared       bool           `json:"is_shared"`
}

// SaveTemplateResponse carries the saved template with its server-assigned
// ID.
type SaveTemplateResponse struct {
	Success  bool      `json:"success"`
	Template *Template `json:"template,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// SettingChangeRecord is one audit entry on the wire.
type SettingChangeRecord struct {
	ID            string `json:"id"`
	SettingKey    string `json:"setting_key"`
	OldValue      any    `json:"old_value,omitempty"`
	NewValue      any    `json:"new_value,omitempty"`
	ChangedBy     string `json:"changed_by"`
	ChangedByName string `json:"changed_by_name"`
	ChangedAt     string `json:"changed_at"`
	ChangeType    string `json:"change_type"`
}

// HistoryResponse is GET history(deviceId), ordered by recency descending.
type HistoryResponse struct {
	Changes    []SettingChangeRecord `json:"changes"`
	TotalCount int                   `json:"total_count"`
}

// MemberDeviceInfo is the summary entry in a group device listing.
type MemberDeviceInfo struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	LastSeenAt  string `json:"last_seen_at,omitempty"`
}

// MemberDevicesResponse is GET group member devices.
type MemberDevicesResponse struct {
	Devices []MemberDeviceInfo `json:"devices"`
}

// UpdateSettingRequest is the device-originated single-key write.
type UpdateSettingRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// UpdateSettingResponse reports the outcome of a device-originated write.
// IsLocked marks a server-side lock conflict.
type UpdateSettingResponse struct {
	Success  bool   `json:"success"`
	IsLocked bool   `json:"is_locked,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CreateUnlockRequestRequest is POST unlockRequests.
type CreateUnlockRequestRequest struct {
	DeviceID   string `json:"device_id"`
	SettingKey string `json:"setting_key"`
	Reason     string `json:"reason"`
}

// UnlockRequestRecord is one unlock request on the wire.
type UnlockRequestRecord struct {
	ID              string `json:"id"`
	DeviceID        string `json:"device_id"`
	SettingKey      string `json:"setting_key"`
	Reason          string `json:"reason"`
	Status          string `json:"status"`
	RequestedBy     string `json:"requested_by"`
	RequestedByName string `json:"requested_by_name,omitempty"`
	CreatedAt       string `json:"created_at"`
	RespondedBy     string `json:"responded_by,omitempty"`
	RespondedByName string `json:"responded_by_name,omitempty"`
	Response        string `json:"response,omitempty"`
	RespondedAt     string `json:"responded_at,omitempty"`
}

// UnlockRequestsResponse is GET unlockRequests.
type UnlockRequestsResponse struct {
	Requests []UnlockRequestRecord `json:"requests"`
}

// AckResponse is the generic success/error envelope for mutations that
// return no payload.
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DecideUnlockRequestRequest is the admin decision on a pending request.
type DecideUnlockRequestRequest struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
}

// DeviceInfo describes the enrolling device.
type DeviceInfo struct {
	DeviceID     string `json:"device_id"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
}

// EnrollRequest is POST enroll.
type EnrollRequest struct {
	Token  string     `json:"token"`
	Device DeviceInfo `json:"device"`
}

// OrganizationInfo is the managing organization on the wire.
type OrganizationInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContactEmail string `json:"contact_email,omitempty"`
	SupportPhone string `json:"support_phone,omitempty"`
}

// PolicyPayload is the initial settings+locks bundle handed out at
// enrollment.
type PolicyPayload struct {
	Settings  map[string]any `json:"settings"`
	Locks     []string       `json:"locks"`
	GroupID   string         `json:"group_id,omitempty"`
	GroupName string         `json:"group_name,omitempty"`
}

// EnrollResponse carries session tokens, organization info, and the initial
// policy.
type EnrollResponse struct {
	Success      bool             `json:"success"`
	UserID       string           `json:"user_id,omitempty"`
	Email        string           `json:"email,omitempty"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token,omitempty"`
	Organization OrganizationInfo `json:"organization"`
	Policy       PolicyPayload    `json:"policy"`
	Error        string           `json:"error,omitempty"`
}

// RegisterPushRequest associates a push token with a device. Push delivery
// is group-scoped; the server rejects registrations for ungrouped devices.
type RegisterPushRequest struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
	GroupID  string `json:"group_id"`
}

// ─── Push frames ──────────────────────────────────────────────────────────

// Push frame types. A frame is a signal, never a source of truth: receivers
// reconcile with a full fetch.
const (
	FrameSettingsUpdated = "settings-updated"
	FrameLockChanged     = "lock-changed"
	FrameRequestDecided  = "unlock-request-decided"
)

// Frame is the envelope for messages sent over the push socket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SettingsUpdatedPayload is the payload for "settings-updated" frames.
type SettingsUpdatedPayload struct {
	UpdatedSettings map[string]any `json:"updated_settings"`
	UpdatedBy       string         `json:"updated_by"`
}

// LockChangedPayload is the payload for "lock-changed" frames.
type LockChangedPayload struct {
	SettingKey string `json:"setting_key"`
	IsLocked   bool   `json:"is_locked"`
	AdminName  string `json:"admin_name,omitempty"`
}

// RequestDecidedPayload is the payload for "unlock-request-decided" frames.
type RequestDecidedPayload struct {
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	AdminName       string `json:"admin_name,omitempty"`
	ResponseMessage string `json:"response_message,omitempty"`
	RespondedAt     string `json:"responded_at,omitempty"`
}

// NewFrame marshals a payload into a typed frame.
func NewFrame(frameType string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: data}, nil
}
