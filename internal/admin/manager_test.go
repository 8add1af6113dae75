package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"tether/internal/api"
	"tether/internal/policy"
	"tether/internal/store"
)

// fakeClient counts calls and returns canned responses.
type fakeClient struct {
	calls int

	devices   *api.MemberDevicesResponse
	settings  *api.DeviceSettingsResponse
	update    *api.UpdateSettingsResponse
	lock      *api.LockSettingsResponse
	bulk      *api.BulkUpdateResponse
	history   *api.HistoryResponse
	templates *api.TemplatesResponse
	saved     *api.SaveTemplateResponse

	lastSaveReq api.SaveTemplateRequest
	lastBulkReq api.BulkUpdateRequest
	err         error
}

func (f *fakeClient) GetMemberDevices(ctx context.Context, groupID string) (*api.MemberDevicesResponse, error) {
	f.calls++
	return f.devices, f.err
}
func (f *fakeClient) GetDeviceSettings(ctx context.Context, deviceID string) (*api.DeviceSettingsResponse, error) {
	f.calls++
	return f.settings, f.err
}
func (f *fakeClient) UpdateDeviceSettings(ctx context.Context, deviceID string, changes map[string]any, notifyUser bool) (*api.UpdateSettingsResponse, error) {
	f.calls++
	return f.update, f.err
}
func (f *fakeClient) LockSettings(ctx context.Context, deviceID string, keys []string, lock bool) (*api.LockSettingsResponse, error) {
	f.calls++
	return f.lock, f.err
}
func (f *fakeClient) BulkUpdate(ctx context.Context, req api.BulkUpdateRequest) (*api.BulkUpdateResponse, error) {
	f.calls++
	f.lastBulkReq = req
	return f.bulk, f.err
}
func (f *fakeClient) GetHistory(ctx context.Context, deviceID string, limit, offset int) (*api.HistoryResponse, error) {
	f.calls++
	return f.history, f.err
}
func (f *fakeClient) GetTemplates(ctx context.Context) (*api.TemplatesResponse, error) {
	f.calls++
	return f.templates, f.err
}
func (f *fakeClient) SaveTemplate(ctx context.Context, req api.SaveTemplateRequest) (*api.SaveTemplateResponse, error) {
	f.calls++
	f.lastSaveReq = req
	return f.saved, f.err
}
func (f *fakeClient) DeleteTemplate(ctx context.Context, templateID string) error {
	f.calls++
	return f.err
}

func authedSession(t *testing.T) *store.Session {
	t.Helper()
	s := store.NewSession()
	if err := s.SetTokens("test-token", "", time.Time{}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOperationsFailFastWithoutSession(t *testing.T) {
	fc := &fakeClient{}
	m := NewManager(fc, store.NewSession(), "Dana")
	ctx := context.Background()

	if _, err := m.GetMemberDevices(ctx, "g1"); !errors.Is(err, policy.ErrNotAuthenticated) {
		t.Errorf("GetMemberDevices error = %v", err)
	}
	if _, err := m.UpdateDeviceSettings(ctx, "d1", map[string]any{"secret_mode": true}, false); !errors.Is(err, policy.ErrNotAuthenticated) {
		t.Errorf("UpdateDeviceSettings error = %v", err)
	}
	if _, err := m.LockSettings(ctx, "d1", []string{"secret_mode"}); !errors.Is(err, policy.ErrNotAuthenticated) {
		t.Errorf("LockSettings error = %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("unauthenticated manager made %d network calls", fc.calls)
	}
}

func TestUpdateAllLockedReturnsLockedError(t *testing.T) {
	fc := &fakeClient{update: &api.UpdateSettingsResponse{
		Updated: []string{},
		Locked:  []string{"tracking_enabled", "secret_mode"},
	}}
	m := NewManager(fc, authedSession(t), "Dana")

	_, err := m.UpdateDeviceSettings(context.Background(), "d1",
		map[string]any{"tracking_enabled": false, "secret_mode": true}, false)
	var lockErr *policy.LockedError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if len(lockErr.Keys) != 2 {
		t.Errorf("LockedError names %d keys, want 2", len(lockErr.Keys))
	}
	if m.Loading.Get() {
		t.Error("loading flag stuck after failed update")
	}
}

func TestUpdateMixedPartitionMergesApplied(t *testing.T) {
	fc := &fakeClient{update: &api.UpdateSettingsResponse{
		Updated: []string{"tracking_enabled"},
		Locked:  []string{"secret_mode"},
		Settings: map[string]api.SettingValue{
			"tracking_enabled": {Value: false},
		},
	}}
	m := NewManager(fc, authedSession(t), "Dana")
	m.CurrentDevice.Set(&policy.MemberDevice{
		DeviceID: "d1",
		Settings: map[string]any{"tracking_enabled": true, "sos_enabled": true},
		Locks:    map[string]policy.SettingLock{},
	})

	applied, err := m.UpdateDeviceSettings(context.Background(), "d1",
		map[string]any{"tracking_enabled": false, "secret_mode": true}, false)
	if err != nil {
		t.Fatalf("mixed partition should succeed, got %v", err)
	}
	if len(applied) != 1 || applied["tracking_enabled"] != false {
		t.Errorf("applied = %v, want only tracking_enabled=false", applied)
	}

	cur := m.CurrentDevice.Get()
	if cur.Settings["tracking_enabled"] != false {
		t.Error("applied value not merged into cache")
	}
	if cur.Settings["sos_enabled"] != true {
		t.Error("untouched cached setting was lost")
	}
}

func TestLockThenPartialUnlockPatchesCache(t *testing.T) {
	fc := &fakeClient{lock: &api.LockSettingsResponse{Success: true, LockedCount: 2}}
	m := NewManager(fc, authedSession(t), "Dana")
	m.CurrentDevice.Set(&policy.MemberDevice{
		DeviceID: "d1",
		Settings: map[string]any{},
		Locks:    map[string]policy.SettingLock{},
	})
	ctx := context.Background()

	if _, err := m.LockSettings(ctx, "d1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	cur := m.CurrentDevice.Get()
	if !cur.IsLocked("a") || !cur.IsLocked("b") {
		t.Fatal("both keys should be locked in cache")
	}
	if cur.Locks["a"].LockedBy != "Dana" {
		t.Errorf("lock holder = %q, want Dana", cur.Locks["a"].LockedBy)
	}

	fc.lock = &api.LockSettingsResponse{Success: true, UnlockedCount: 1}
	n, err := m.UnlockSettings(ctx, "d1", []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unlocked count = %d, want 1", n)
	}
	cur = m.CurrentDevice.Get()
	if !cur.IsLocked("a") {
		t.Error("key a should stay locked")
	}
	if cur.IsLocked("b") {
		t.Error("key b should be unlocked")
	}
}

func TestApplyTemplateUnknownIDMakesNoCalls(t *testing.T) {
	fc := &fakeClient{}
	m := NewManager(fc, authedSession(t), "Dana")

	_, err := m.ApplyTemplate(context.Background(), "no-such-template", []string{"d1"}, true)
	if !errors.Is(err, policy.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("cache miss made %d network calls, want 0", fc.calls)
	}
}

func TestApplyTemplateFansOutAsBulk(t *testing.T) {
	fc := &fakeClient{bulk: &api.BulkUpdateResponse{
		Successful: []api.BulkDeviceResult{
			{DeviceID: "d1", AppliedSettings: map[string]any{"secret_mode": true}},
		},
		Failed: []api.BulkDeviceResult{
			{DeviceID: "d2", Error: "device not found"},
		},
	}}
	m := NewManager(fc, authedSession(t), "Dana")
	m.Templates.Set([]policy.SettingsTemplate{{
		ID:             "t1",
		Name:           "Strict",
		Settings:       map[string]any{"secret_mode": true},
		LockedSettings: []string{"secret_mode"},
	}})

	result, err := m.ApplyTemplate(context.Background(), "t1", []string{"d1", "d2"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessCount() != 1 || result.FailureCount() != 1 {
		t.Errorf("result = %+v", result)
	}
	if fc.calls != 1 {
		t.Errorf("expected a single bulk call, got %d", fc.calls)
	}
	if fc.lastBulkReq.Settings["secret_mode"] != true {
		t.Errorf("bulk settings = %v", fc.lastBulkReq.Settings)
	}
	if len(fc.lastBulkReq.Locks) != 1 || fc.lastBulkReq.Locks[0] != "secret_mode" {
		t.Errorf("bulk locks = %v", fc.lastBulkReq.Locks)
	}
	if !fc.lastBulkReq.NotifyUsers {
		t.Error("notify flag not forwarded")
	}
	if len(fc.lastBulkReq.DeviceIDs) != 2 {
		t.Errorf("bulk devices = %v", fc.lastBulkReq.DeviceIDs)
	}
}

func TestSaveTemplateReplacesPlaceholderID(t *testing.T) {
	fc := &fakeClient{saved: &api.SaveTemplateResponse{
		Success: true,
		Template: &api.Template{
			ID:       "srv-123",
			Name:     "Strict",
			Settings: map[string]any{"secret_mode": true},
		},
	}}
	m := NewManager(fc, authedSession(t), "Dana")

	tmpl := NewTemplate("Strict", "", map[string]any{"secret_mode": true}, nil, false)
	if tmpl.ID == "" {
		t.Fatal("placeholder ID missing")
	}

	saved, err := m.SaveTemplate(context.Background(), tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if fc.lastSaveReq.ID != "" {
		t.Errorf("placeholder ID leaked to server: %q", fc.lastSaveReq.ID)
	}
	if saved.ID != "srv-123" {
		t.Errorf("saved ID = %q, want server-assigned", saved.ID)
	}
	if len(m.Templates.Get()) != 1 {
		t.Error("saved template not cached")
	}
}

func TestGetDeviceSettingsFillsFromMemberList(t *testing.T) {
	lastSeen := time.Now().UTC().Format(time.RFC3339)
	fc := &fakeClient{
		devices: &api.MemberDevicesResponse{Devices: []api.MemberDeviceInfo{
			{DeviceID: "d1", DisplayName: "Kitchen Tablet", LastSeenAt: lastSeen},
		}},
		settings: &api.DeviceSettingsResponse{
			DeviceID: "d1",
			Settings: map[string]api.SettingValue{"secret_mode": {Value: false}},
		},
	}
	m := NewManager(fc, authedSession(t), "Dana")
	ctx := context.Background()

	if _, err := m.GetMemberDevices(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	dev, err := m.GetDeviceSettings(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if dev.DeviceName != "Kitchen Tablet" {
		t.Errorf("device name not filled from member list: %q", dev.DeviceName)
	}
	if dev.LastSeen == nil {
		t.Error("last seen not filled from member list")
	}
}

func TestRequestErrorSetsLastError(t *testing.T) {
	fc := &fakeClient{err: &policy.RequestError{Status: 502, Message: "bad gateway"}}
	m := NewManager(fc, authedSession(t), "Dana")

	_, err := m.GetMemberDevices(context.Background(), "g1")
	if err == nil {
		t.Fatal("expected error")
	}
	if m.LastError.Get() == "" {
		t.Error("LastError not recorded")
	}
	if m.Loading.Get() {
		t.Error("loading flag stuck after failure")
	}
}
