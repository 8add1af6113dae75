// Package admin implements the admin-facing settings manager: inspecting,
// modifying, locking, templating, and auditing managed devices.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tether/internal/api"
	"tether/internal/observe"
	"tether/internal/policy"
	"tether/internal/store"
)

// StoreClient is the slice of the policy store API the manager needs.
type StoreClient interface {
	GetMemberDevices(ctx context.Context, groupID string) (*api.MemberDevicesResponse, error)
	GetDeviceSettings(ctx context.Context, deviceID string) (*api.DeviceSettingsResponse, error)
	UpdateDeviceSettings(ctx context.Context, deviceID string, changes map[string]any, notifyUser bool) (*api.UpdateSettingsResponse, error)
	LockSettings(ctx context.Context, deviceID string, keys []string, lock bool) (*api.LockSettingsResponse, error)
	BulkUpdate(ctx context.Context, req api.BulkUpdateRequest) (*api.BulkUpdateResponse, error)
	GetHistory(ctx context.Context, deviceID string, limit, offset int) (*api.HistoryResponse, error)
	GetTemplates(ctx context.Context) (*api.TemplatesResponse, error)
	SaveTemplate(ctx context.Context, req api.SaveTemplateRequest) (*api.SaveTemplateResponse, error)
	DeleteTemplate(ctx context.Context, templateID string) error
}

// Manager owns the admin-side view of managed devices. All state is private
// and exposed through observable values; the manager is constructed per
// admin session and discarded on logout.
type Manager struct {
	client    StoreClient
	session   *store.Session
	adminName string

	CurrentDevice *observe.Value[*policy.MemberDevice]
	MemberDevices *observe.Value[[]policy.MemberDevice]
	Templates     *observe.Value[[]policy.SettingsTemplate]
	Loading       *observe.Value[bool]
	LastError     *observe.Value[string]
}

// NewManager creates a manager bound to one admin session.
func NewManager(client StoreClient, session *store.Session, adminName string) *Manager {
	return &Manager{
		client:        client,
		session:       session,
		adminName:     adminName,
		CurrentDevice: observe.NewValue[*policy.MemberDevice](nil),
		MemberDevices: observe.NewValue([]policy.MemberDevice(nil)),
		Templates:     observe.NewValue([]policy.SettingsTemplate(nil)),
		Loading:       observe.NewValue(false),
		LastError:     observe.NewValue(""),
	}
}

// GetMemberDevices lists a group's devices, replacing the cached list.
func (m *Manager) GetMemberDevices(ctx context.Context, groupID string) ([]policy.MemberDevice, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.GetMemberDevices(ctx, groupID)
	if err != nil {
		return nil, m.fail("fetch member devices", err)
	}

	devices := make([]policy.MemberDevice, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		lastSeen := policy.ParseTime(d.LastSeenAt)
		devices = append(devices, policy.MemberDevice{
			DeviceID:   d.DeviceID,
			DeviceName: d.DisplayName,
			// Presence is inferred: the listing endpoint only reports
			// last-seen timestamps.
			IsOnline: lastSeen != nil,
			LastSeen: lastSeen,
			Settings: map[string]any{},
			Locks:    map[string]policy.SettingLock{},
		})
	}
	m.MemberDevices.Set(devices)
	log.Printf("[ADMIN] fetched %d member devices for group %s", len(devices), groupID)
	return devices, nil
}

// GetDeviceSettings fetches a device's full settings+locks document. Fields
// the settings endpoint omits (display name, online state) are filled in
// from the cached member listing rather than overwritten with blanks.
func (m *Manager) GetDeviceSettings(ctx context.Context, deviceID string) (*policy.MemberDevice, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.GetDeviceSettings(ctx, deviceID)
	if err != nil {
		return nil, m.fail("fetch device settings", err)
	}

	var cached *policy.MemberDevice
	members := m.MemberDevices.Get()
	for i := range members {
		if members[i].DeviceID == deviceID {
			cached = &members[i]
			break
		}
	}

	device := &policy.MemberDevice{
		DeviceID:       resp.DeviceID,
		DeviceName:     resp.DeviceName,
		OwnerUserID:    resp.OwnerUserID,
		OwnerName:      resp.OwnerName,
		OwnerEmail:     resp.OwnerEmail,
		IsOnline:       resp.IsOnline,
		LastSeen:       policy.ParseTime(resp.LastSeen),
		Settings:       resp.SettingsValues(),
		Locks:          locksToDomain(resp.AllLocks()),
		LastSyncedAt:   policy.ParseTime(resp.LastSyncedAt),
		LastModifiedBy: resp.LastModifiedBy,
	}
	if cached != nil {
		if device.DeviceName == "" {
			device.DeviceName = cached.DeviceName
		}
		if !device.IsOnline {
			device.IsOnline = cached.IsOnline
		}
		if device.LastSeen == nil {
			device.LastSeen = cached.LastSeen
		}
	}

	m.CurrentDevice.Set(device)
	log.Printf("[ADMIN] fetched settings for device %s (%d locked)", deviceID, device.LockedCount())
	return device, nil
}

// UpdateDeviceSettings applies changes to a device. The server partitions
// the keys; if nothing was applied the call fails naming the rejected keys,
// otherwise it returns exactly the applied subset, merged additively into
// the cached device.
func (m *Manager) UpdateDeviceSettings(ctx context.Context, deviceID string, changes map[string]any, notifyUser bool) (map[string]any, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.UpdateDeviceSettings(ctx, deviceID, changes, notifyUser)
	if err != nil {
		return nil, m.fail("update device settings", err)
	}

	if len(resp.Updated) == 0 {
		if len(resp.Locked) > 0 {
			err := &policy.LockedError{Keys: resp.Locked}
			m.LastError.Set(err.Error())
			return nil, err
		}
		if len(resp.Invalid) > 0 {
			err := &policy.ValidationError{Field: "settings", Message: "invalid keys: " + joinKeys(resp.Invalid)}
			m.LastError.Set(err.Error())
			return nil, err
		}
	}

	applied := resp.AppliedSettings()
	if len(applied) == 0 {
		// Older servers omit the settings echo; fall back to the request
		// values for the keys reported updated.
		applied = make(map[string]any, len(resp.Updated))
		for _, key := range resp.Updated {
			if v, ok := changes[key]; ok {
				applied[key] = v
			}
		}
	}

	if current := m.CurrentDevice.Get(); current != nil && current.DeviceID == deviceID {
		merged := cloneDevice(current)
		for k, v := range applied {
			merged.Settings[k] = v
		}
		m.CurrentDevice.Set(merged)
	}

	log.Printf("[ADMIN] updated %d settings for device %s (locked=%d invalid=%d)",
		len(resp.Updated), deviceID, len(resp.Locked), len(resp.Invalid))
	return applied, nil
}

// LockSettings locks the given keys, returning how many actually changed
// state. The cached lock map is patched additively.
func (m *Manager) LockSettings(ctx context.Context, deviceID string, keys []string) (int, error) {
	return m.setLocks(ctx, deviceID, keys, true)
}

// UnlockSettings unlocks the given keys, returning how many actually
// changed state.
func (m *Manager) UnlockSettings(ctx context.Context, deviceID string, keys []string) (int, error) {
	return m.setLocks(ctx, deviceID, keys, false)
}

func (m *Manager) setLocks(ctx context.Context, deviceID string, keys []string, lock bool) (int, error) {
	if !m.session.Authenticated() {
		return 0, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.LockSettings(ctx, deviceID, keys, lock)
	if err != nil {
		return 0, m.fail("lock settings", err)
	}
	if !resp.Success {
		err := &policy.DomainRejection{Message: resp.Error}
		m.LastError.Set(err.Error())
		return 0, err
	}

	if current := m.CurrentDevice.Get(); current != nil && current.DeviceID == deviceID {
		patched := cloneDevice(current)
		now := time.Now().UTC()
		for _, key := range keys {
			if lock {
				// Holder and time are provisional until the next fetch.
				patched.Locks[key] = policy.SettingLock{
					SettingKey: key, IsLocked: true, LockedBy: m.adminName, LockedAt: &now,
				}
			} else {
				patched.Locks[key] = policy.SettingLock{SettingKey: key, IsLocked: false}
			}
		}
		m.CurrentDevice.Set(patched)
	}

	count := resp.LockedCount
	if !lock {
		count = resp.UnlockedCount
	}
	log.Printf("[ADMIN] %s %d settings on device %s", lockVerb(lock), count, deviceID)
	return count, nil
}

// GetHistory reads a page of the device's audit trail. The server orders
// entries by recency descending.
func (m *Manager) GetHistory(ctx context.Context, deviceID string, limit, offset int) ([]policy.SettingChange, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.GetHistory(ctx, deviceID, limit, offset)
	if err != nil {
		return nil, m.fail("fetch settings history", err)
	}

	changes := make([]policy.SettingChange, 0, len(resp.Changes))
	for _, c := range resp.Changes {
		changes = append(changes, policy.SettingChange{
			ID:            c.ID,
			DeviceID:      deviceID,
			SettingKey:    c.SettingKey,
			OldValue:      c.OldValue,
			NewValue:      c.NewValue,
			ChangedBy:     c.ChangedBy,
			ChangedByName: c.ChangedByName,
			ChangedAt:     policy.ParseTimeOrNow(c.ChangedAt),
			ChangeType:    policy.ParseChangeType(c.ChangeType),
		})
	}
	return changes, nil
}

// BulkUpdateDevices fans settings out to many devices. Each device's
// outcome is independent; the aggregate result is returned even when some
// devices failed.
func (m *Manager) BulkUpdateDevices(ctx context.Context, deviceIDs []string, settings map[string]any, locks []string, notifyUsers bool) (*policy.BulkResult, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.BulkUpdate(ctx, api.BulkUpdateRequest{
		DeviceIDs:   deviceIDs,
		Settings:    settings,
		Locks:       locks,
		NotifyUsers: notifyUsers,
	})
	if err != nil {
		return nil, m.fail("bulk update devices", err)
	}

	result := &policy.BulkResult{
		Successful: make([]policy.DeviceResult, 0, len(resp.Successful)),
		Failed:     make([]policy.DeviceResult, 0, len(resp.Failed)),
	}
	for _, d := range resp.Successful {
		result.Successful = append(result.Successful, policy.DeviceResult{
			DeviceID: d.DeviceID, DeviceName: d.DeviceName, AppliedSettings: d.AppliedSettings,
		})
	}
	for _, d := range resp.Failed {
		result.Failed = append(result.Failed, policy.DeviceResult{
			DeviceID: d.DeviceID, DeviceName: d.DeviceName, Error: d.Error,
		})
	}
	log.Printf("[ADMIN] bulk update: %d successful, %d failed", result.SuccessCount(), result.FailureCount())
	return result, nil
}

// ClearCurrentDevice drops the cached per-device view.
func (m *Manager) ClearCurrentDevice() {
	m.CurrentDevice.Set(nil)
}

// ClearError resets the error flag.
func (m *Manager) ClearError() {
	m.LastError.Set("")
}

// begin flips the loading flag on and clears the error state; the returned
// func restores the flag on every exit path.
func (m *Manager) begin() func() {
	m.Loading.Set(true)
	m.LastError.Set("")
	return func() { m.Loading.Set(false) }
}

// fail records and wraps a store failure. Cancellation passes through
// untouched.
func (m *Manager) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	m.LastError.Set(err.Error())
	log.Printf("[ADMIN] %s: %v", op, err)
	return fmt.Errorf("%s: %w", op, err)
}

func locksToDomain(locks map[string]api.LockInfo) map[string]policy.SettingLock {
	out := make(map[string]policy.SettingLock, len(locks))
	for key, l := range locks {
		out[key] = policy.SettingLock{
			SettingKey: key,
			IsLocked:   l.IsLocked,
			LockedBy:   l.LockedBy,
			LockedAt:   policy.ParseTime(l.LockedAt),
		}
	}
	return out
}

func cloneDevice(d *policy.MemberDevice) *policy.MemberDevice {
	clone := *d
	clone.Settings = make(map[string]any, len(d.Settings))
	for k, v := range d.Settings {
		clone.Settings[k] = v
	}
	clone.Locks = make(map[string]policy.SettingLock, len(d.Locks))
	for k, v := range d.Locks {
		clone.Locks[k] = v
	}
	return &clone
}

func lockVerb(lock bool) string {
	if lock {
		return "locked"
	}
	return "unlocked"
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k
	}
	return out
}
