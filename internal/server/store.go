package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tether/internal/api"
	"tether/internal/policy"
)

// ErrDeviceNotFound is returned when a device ID is unknown.
var ErrDeviceNotFound = errors.New("device not found")

// Store wraps the database with the policy-store operations.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// deviceRow is the devices table shape.
type deviceRow struct {
	ID             string
	Name           string
	OwnerUserID    string
	OwnerName      string
	OwnerEmail     string
	GroupID        string
	GroupName      string
	LastSeen       sql.NullTime
	LastSyncedAt   sql.NullTime
	LastModifiedBy string
}

func (s *Store) device(deviceID string) (*deviceRow, error) {
	var d deviceRow
	err := s.db.QueryRow(`
		SELECT id, name, owner_user_id, owner_name, owner_email, group_id, group_name,
		       last_seen, last_synced_at, last_modified_by
		FROM devices WHERE id = ?`, deviceID).Scan(
		&d.ID, &d.Name, &d.OwnerUserID, &d.OwnerName, &d.OwnerEmail,
		&d.GroupID, &d.GroupName, &d.LastSeen, &d.LastSyncedAt, &d.LastModifiedBy)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &d, nil
}

// CreateDevice registers a newly enrolled device.
func (s *Store) CreateDevice(deviceID, name, groupID, groupName string) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (id, name, group_id, group_name, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		deviceID, name, groupID, groupName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// DeleteDevice removes a device and all dependent rows.
func (s *Store) DeleteDevice(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchDevice records device activity.
func (s *Store) TouchDevice(deviceID string) {
	s.db.Exec(`UPDATE devices SET last_seen = ? WHERE id = ?`, time.Now().UTC(), deviceID)
}

// MemberDevices lists the devices of one group.
func (s *Store) MemberDevices(groupID string) (*api.MemberDevicesResponse, error) {
	rows, err := s.db.Query(`
		SELECT id, name, last_seen FROM devices WHERE group_id = ? ORDER BY name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	resp := &api.MemberDevicesResponse{Devices: []api.MemberDeviceInfo{}}
	for rows.Next() {
		var id, name string
		var lastSeen sql.NullTime
		if err := rows.Scan(&id, &name, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		info := api.MemberDeviceInfo{DeviceID: id, DisplayName: name}
		if lastSeen.Valid {
			info.LastSeenAt = lastSeen.Time.UTC().Format(time.RFC3339)
		}
		resp.Devices = append(resp.Devices, info)
	}
	return resp, rows.Err()
}

// DeviceSettings assembles the full settings+locks document for a device.
func (s *Store) DeviceSettings(deviceID string) (*api.DeviceSettingsResponse, error) {
	d, err := s.device(deviceID)
	if err != nil {
		return nil, err
	}

	resp := &api.DeviceSettingsResponse{
		DeviceID:       d.ID,
		DeviceName:     d.Name,
		OwnerUserID:    d.OwnerUserID,
		OwnerName:      d.OwnerName,
		OwnerEmail:     d.OwnerEmail,
		Settings:       map[string]api.SettingValue{},
		Locks:          map[string]api.LockInfo{},
		LastModifiedBy: d.LastModifiedBy,
	}
	if d.LastSeen.Valid {
		resp.LastSeen = d.LastSeen.Time.UTC().Format(time.RFC3339)
		resp.IsOnline = time.Since(d.LastSeen.Time) < 5*time.Minute
	}
	if d.LastSyncedAt.Valid {
		resp.LastSyncedAt = d.LastSyncedAt.Time.UTC().Format(time.RFC3339)
	}

	rows, err := s.db.Query(`
		SELECT key, value, updated_at, updated_by FROM settings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, raw, updatedBy string
		var updatedAt time.Time
		if err := rows.Scan(&key, &raw, &updatedAt, &updatedBy); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		resp.Settings[key] = api.SettingValue{
			Value:     value,
			UpdatedAt: updatedAt.UTC().Format(time.RFC3339),
			UpdatedBy: updatedBy,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lockRows, err := s.db.Query(`
		SELECT key, locked_by_name, locked_at FROM locks WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load locks: %w", err)
	}
	defer lockRows.Close()
	for lockRows.Next() {
		var key, lockedBy string
		var lockedAt time.Time
		if err := lockRows.Scan(&key, &lockedBy, &lockedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		resp.Locks[key] = api.LockInfo{
			IsLocked: true,
			LockedBy: lockedBy,
			LockedAt: lockedAt.UTC().Format(time.RFC3339),
		}
	}
	return resp, lockRows.Err()
}

// IsLocked reports whether a key is locked on a device.
func (s *Store) IsLocked(deviceID, key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM locks WHERE device_id = ? AND key = ?`, deviceID, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check lock: %w", err)
	}
	return n > 0, nil
}

// UpdateSettings applies admin changes, partitioning the keys into updated,
// locked, and invalid. Locked and invalid keys never reach storage; each
// applied key gets an audit row.
func (s *Store) UpdateSettings(deviceID string, changes map[string]any, actorID, actorName string) (*api.UpdateSettingsResponse, error) {
	if _, err := s.device(deviceID); err != nil {
		return nil, err
	}

	resp := &api.UpdateSettingsResponse{
		Updated:  []string{},
		Locked:   []string{},
		Invalid:  []string{},
		Settings: map[string]api.SettingValue{},
	}
	now := time.Now().UTC()

	for key, value := range changes {
		if !policy.KnownKey(key) {
			resp.Invalid = append(resp.Invalid, key)
			continue
		}
		locked, err := s.IsLocked(deviceID, key)
		if err != nil {
			return nil, err
		}
		if locked {
			// A locked key must be unlocked before any value write.
			resp.Locked = append(resp.Locked, key)
			continue
		}

		old, _ := s.settingValue(deviceID, key)
		raw, err := json.Marshal(value)
		if err != nil {
			resp.Invalid = append(resp.Invalid, key)
			continue
		}
		_, err = s.db.Exec(`
			INSERT INTO settings (device_id, key, value, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(device_id, key) DO UPDATE SET
				value = excluded.value, updated_at = excluded.updated_at,
				updated_by = excluded.updated_by`,
			deviceID, key, string(raw), now, actorName)
		if err != nil {
			return nil, fmt.Errorf("write setting %s: %w", key, err)
		}
		resp.Updated = append(resp.Updated, key)
		resp.Settings[key] = api.SettingValue{
			Value:     value,
			UpdatedAt: now.Format(time.RFC3339),
			UpdatedBy: actorName,
		}
		s.InsertChange(deviceID, key, old, value, actorID, actorName, policy.ChangeValue)
	}

	if len(resp.Updated) > 0 {
		s.db.Exec(`UPDATE devices SET last_modified_by = ?, last_synced_at = ? WHERE id = ?`,
			actorName, now, deviceID)
	}
	return resp, nil
}

// UpdateOwnSetting is the device-originated single-key write. A locked key
// is rejected with the lock flag set.
func (s *Store) UpdateOwnSetting(deviceID, key string, value any) (*api.UpdateSettingResponse, error) {
	if _, err := s.device(deviceID); err != nil {
		return nil, err
	}
	if !policy.KnownKey(key) {
		return &api.UpdateSettingResponse{Success: false, Error: "unknown setting key"}, nil
	}
	locked, err := s.IsLocked(deviceID, key)
	if err != nil {
		return nil, err
	}
	if locked {
		return &api.UpdateSettingResponse{Success: false, IsLocked: true, Error: "setting is locked"}, nil
	}

	old, _ := s.settingValue(deviceID, key)
	raw, err := json.Marshal(value)
	if err != nil {
		return &api.UpdateSettingResponse{Success: false, Error: "unencodable value"}, nil
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO settings (device_id, key, value, updated_at, updated_by)
		VALUES (?, ?, ?, ?, 'owner')
		ON CONFLICT(device_id, key) DO UPDATE SET
			value = excluded.value, updated_at = excluded.updated_at,
			updated_by = excluded.updated_by`,
		deviceID, key, string(raw), now)
	if err != nil {
		return nil, fmt.Errorf("write setting %s: %w", key, err)
	}
	s.InsertChange(deviceID, key, old, value, deviceID, "owner", policy.ChangeValue)
	s.TouchDevice(deviceID)
	return &api.UpdateSettingResponse{Success: true}, nil
}

// SetLocks locks or unlocks keys, counting only effective transitions: a key
// already in the requested state does not count and gets no audit row.
func (s *Store) SetLocks(deviceID string, keys []string, lock bool, actorID, actorName string) (*api.LockSettingsResponse, error) {
	if _, err := s.device(deviceID); err != nil {
		return nil, err
	}
	resp := &api.LockSettingsResponse{Success: true}
	now := time.Now().UTC()

	for _, key := range keys {
		if lock {
			res, err := s.db.Exec(`
				INSERT INTO locks (device_id, key, locked_by, locked_by_name, locked_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(device_id, key) DO NOTHING`,
				deviceID, key, actorID, actorName, now)
			if err != nil {
				return nil, fmt.Errorf("lock %s: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				resp.LockedCount++
				s.InsertChange(deviceID, key, nil, nil, actorID, actorName, policy.ChangeLocked)
			}
		} else {
			res, err := s.db.Exec(`DELETE FROM locks WHERE device_id = ? AND key = ?`, deviceID, key)
			if err != nil {
				return nil, fmt.Errorf("unlock %s: %w", key, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				resp.UnlockedCount++
				s.InsertChange(deviceID, key, nil, nil, actorID, actorName, policy.ChangeUnlocked)
			}
		}
	}
	return resp, nil
}

// BulkUpdate fans one settings+locks change out to many devices. Outcomes
// are independent per device.
func (s *Store) BulkUpdate(req api.BulkUpdateRequest, actorID, actorName string) *api.BulkUpdateResponse {
	resp := &api.BulkUpdateResponse{
		Successful: []api.BulkDeviceResult{},
		Failed:     []api.BulkDeviceResult{},
	}
	for _, deviceID := range req.DeviceIDs {
		name := s.deviceName(deviceID)
		updated, err := s.UpdateSettings(deviceID, req.Settings, actorID, actorName)
		if err != nil {
			resp.Failed = append(resp.Failed, api.BulkDeviceResult{
				DeviceID: deviceID, DeviceName: name, Error: err.Error(),
			})
			continue
		}
		if len(req.Locks) > 0 {
			if _, err := s.SetLocks(deviceID, req.Locks, true, actorID, actorName); err != nil {
				resp.Failed = append(resp.Failed, api.BulkDeviceResult{
					DeviceID: deviceID, DeviceName: name, Error: err.Error(),
				})
				continue
			}
		}
		resp.Successful = append(resp.Successful, api.BulkDeviceResult{
			DeviceID:        deviceID,
			DeviceName:      name,
			AppliedSettings: updated.AppliedSettings(),
		})
	}
	return resp
}

func (s *Store) deviceName(deviceID string) string {
	var name string
	s.db.QueryRow(`SELECT name FROM devices WHERE id = ?`, deviceID).Scan(&name)
	return name
}

func (s *Store) settingValue(deviceID, key string) (any, bool) {
	var raw string
	err := s.db.QueryRow(`
		SELECT value FROM settings WHERE device_id = ? AND key = ?`, deviceID, key).Scan(&raw)
	if err != nil {
		return nil, false
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw, true
	}
	return value, true
}

// InsertChange appends one audit row. Audit failures are logged by callers
// that care; the write itself never blocks the main operation.
func (s *Store) InsertChange(deviceID, key string, oldValue, newValue any, actorID, actorName string, kind policy.ChangeType) {
	oldRaw, _ := json.Marshal(oldValue)
	newRaw, _ := json.Marshal(newValue)
	s.db.Exec(`
		INSERT INTO setting_changes
			(id, device_id, setting_key, old_value, new_value, changed_by, changed_by_name, changed_at, change_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), deviceID, key, string(oldRaw), string(newRaw),
		actorID, actorName, time.Now().UTC(), string(kind))
}

// SavePushToken upserts the device's push token. One token per device; a
// re-registration replaces the previous one.
func (s *Store) SavePushToken(deviceID, token, platform, groupID string) error {
	_, err := s.db.Exec(`
		INSERT INTO push_tokens (device_id, token, platform, group_id, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			token = excluded.token,
			platform = excluded.platform,
			group_id = excluded.group_id,
			registered_at = excluded.registered_at`,
		deviceID, token, platform, groupID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save push token: %w", err)
	}
	return nil
}

// History reads one page of a device's audit trail, newest first.
func (s *Store) History(deviceID string, limit, offset int) (*api.HistoryResponse, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM setting_changes WHERE device_id = ?`, deviceID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count changes: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, setting_key, old_value, new_value, changed_by, changed_by_name, changed_at, change_type
		FROM setting_changes WHERE device_id = ?
		ORDER BY changed_at DESC, id DESC LIMIT ? OFFSET ?`, deviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	defer rows.Close()

	resp := &api.HistoryResponse{Changes: []api.SettingChangeRecord{}, TotalCount: total}
	for rows.Next() {
		var rec api.SettingChangeRecord
		var oldRaw, newRaw sql.NullString
		var changedAt time.Time
		if err := rows.Scan(&rec.ID, &rec.SettingKey, &oldRaw, &newRaw,
			&rec.ChangedBy, &rec.ChangedByName, &changedAt, &rec.ChangeType); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		rec.ChangedAt = changedAt.UTC().Format(time.RFC3339)
		if oldRaw.Valid {
			json.Unmarshal([]byte(oldRaw.String), &rec.OldValue)
		}
		if newRaw.Valid {
			json.Unmarshal([]byte(newRaw.String), &rec.NewValue)
		}
		resp.Changes = append(resp.Changes, rec)
	}
	return resp, rows.Err()
}
