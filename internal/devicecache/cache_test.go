package devicecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"tether/internal/api"
	"tether/internal/events"
	"tether/internal/policy"
	"tether/internal/store"
)

type fakeClient struct {
	calls    int
	settings *api.DeviceSettingsResponse
	update   *api.UpdateSettingResponse
	err      error
}

func (f *fakeClient) GetDeviceSettings(ctx context.Context, deviceID string) (*api.DeviceSettingsResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.settings, nil
}

func (f *fakeClient) UpdateSetting(ctx context.Context, deviceID, key string, value any) (*api.UpdateSettingResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.update, nil
}

func (f *fakeClient) RegisterPush(ctx context.Context, req api.RegisterPushRequest) error {
	f.calls++
	return f.err
}

func deviceSession(t *testing.T, groupID string) *store.Session {
	t.Helper()
	s := store.NewSession()
	if err := s.SetTokens("tok", "", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDevice("d1", groupID, "Family"); err != nil {
		t.Fatal(err)
	}
	return s
}

func lockedDoc() *api.DeviceSettingsResponse {
	return &api.DeviceSettingsResponse{
		DeviceID: "d1",
		Settings: map[string]api.SettingValue{
			"tracking_enabled": {Value: true, IsLocked: true, LockedBy: "Dana"},
			"sos_enabled":      {Value: false},
		},
	}
}

func TestFetchUnauthenticatedFailsFast(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, store.NewSession(), events.NewBus(), t.TempDir())

	_, err := c.FetchServerSettings(context.Background())
	if !errors.Is(err, policy.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("made %d network calls, want 0", fc.calls)
	}
	if got := c.State.Get(); got != StateNotAuthenticated {
		t.Errorf("state = %v", got)
	}
}

func TestFetchSuccessThenFailureKeepsLocks(t *testing.T) {
	fc := &fakeClient{settings: lockedDoc()}
	c := New(fc, deviceSession(t, "g1"), events.NewBus(), t.TempDir())
	ctx := context.Background()

	if _, err := c.FetchServerSettings(ctx); err != nil {
		t.Fatal(err)
	}
	if got := c.State.Get(); got != StateSynced {
		t.Fatalf("state after sync = %v", got)
	}
	if !c.IsSettingLocked("tracking_enabled") {
		t.Fatal("lock missing after sync")
	}

	fc.err = &policy.RequestError{Status: 500, Message: "boom"}
	if _, err := c.FetchServerSettings(ctx); err == nil {
		t.Fatal("expected fetch failure")
	}
	if got := c.State.Get(); got != StateError {
		t.Errorf("state after failure = %v, want ERROR", got)
	}
	if !c.IsSettingLocked("tracking_enabled") {
		t.Error("lock lost after failed refetch")
	}
	if got := c.LockedBy("tracking_enabled"); got != "Dana" {
		t.Errorf("lock holder = %q", got)
	}

	// No HTTP status at all means the store was unreachable.
	fc.err = &policy.RequestError{Message: "connection refused"}
	if _, err := c.FetchServerSettings(ctx); err == nil {
		t.Fatal("expected fetch failure")
	}
	if got := c.State.Get(); got != StateOffline {
		t.Errorf("state after transport failure = %v, want OFFLINE", got)
	}
}

func TestUpdateLockedKeyRejectedLocally(t *testing.T) {
	fc := &fakeClient{settings: lockedDoc()}
	c := New(fc, deviceSession(t, "g1"), events.NewBus(), t.TempDir())
	ctx := context.Background()

	if _, err := c.FetchServerSettings(ctx); err != nil {
		t.Fatal(err)
	}
	fetchCalls := fc.calls

	res, err := c.UpdateSetting(ctx, "tracking_enabled", false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rejected || res.Applied {
		t.Errorf("locked write result = %+v", res)
	}
	if res.LockedBy != "Dana" {
		t.Errorf("rejection holder = %q", res.LockedBy)
	}
	if fc.calls != fetchCalls {
		t.Errorf("locked write reached the network (%d calls)", fc.calls-fetchCalls)
	}
}

func TestUpdateUnauthenticatedRejectedWithoutApply(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, store.NewSession(), events.NewBus(), t.TempDir())

	res, err := c.UpdateSetting(context.Background(), "sos_enabled", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rejected || res.Applied {
		t.Errorf("unauth write result = %+v", res)
	}
	if res.Message == "" {
		t.Error("expected a not-sent note")
	}
	if got := c.State.Get(); got != StatePending {
		t.Errorf("state = %v, want PENDING", got)
	}
	if fc.calls != 0 {
		t.Errorf("unauth write made %d network calls", fc.calls)
	}
	// No queue exists, so nothing may land in the local mirror.
	if c.Settings() != nil {
		t.Errorf("unsent value leaked into the cache: %+v", c.Settings().Settings)
	}
}

func TestUpdateAppliedOnServerSuccess(t *testing.T) {
	fc := &fakeClient{settings: lockedDoc(), update: &api.UpdateSettingResponse{Success: true}}
	c := New(fc, deviceSession(t, "g1"), events.NewBus(), t.TempDir())
	ctx := context.Background()
	if _, err := c.FetchServerSettings(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := c.UpdateSetting(ctx, "sos_enabled", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.Rejected {
		t.Errorf("result = %+v", res)
	}
	if got := c.Settings().Settings["sos_enabled"]; got != true {
		t.Errorf("value not applied: %v", got)
	}
	if got := c.State.Get(); got != StateSynced {
		t.Errorf("state = %v", got)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	fc := &fakeClient{settings: lockedDoc()}
	session := deviceSession(t, "g1")

	c := New(fc, session, bus, dir)
	if _, err := c.FetchServerSettings(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A fresh cache over the same directory serves the snapshot.
	c2 := New(&fakeClient{}, session, bus, dir)
	if !c2.IsSettingLocked("tracking_enabled") {
		t.Error("lock not restored from snapshot")
	}
	if got := c2.LockedBy("tracking_enabled"); got != "Dana" {
		t.Errorf("restored holder = %q", got)
	}
	if got := c2.Settings().Settings["sos_enabled"]; got != false {
		t.Errorf("restored value = %v", got)
	}
}

func TestClearCacheRemovesSnapshot(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeClient{settings: lockedDoc()}
	session := deviceSession(t, "g1")
	c := New(fc, session, events.NewBus(), dir)
	if _, err := c.FetchServerSettings(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.ClearCache(); err != nil {
		t.Fatal(err)
	}
	if c.Settings() != nil {
		t.Error("settings survived clear")
	}
	c2 := New(&fakeClient{}, session, events.NewBus(), dir)
	if c2.Settings() != nil {
		t.Error("snapshot survived clear")
	}
}

func TestRegisterPushSkippedWithoutGroup(t *testing.T) {
	fc := &fakeClient{}
	c := New(fc, deviceSession(t, ""), events.NewBus(), t.TempDir())

	if err := c.RegisterPushToken(context.Background(), "push-token"); err != nil {
		t.Fatal(err)
	}
	if fc.calls != 0 {
		t.Errorf("ungrouped device registered push (%d calls)", fc.calls)
	}
}

func TestStatusCountsLocks(t *testing.T) {
	fc := &fakeClient{settings: lockedDoc()}
	c := New(fc, deviceSession(t, "g1"), events.NewBus(), t.TempDir())
	if _, err := c.FetchServerSettings(context.Background()); err != nil {
		t.Fatal(err)
	}

	st := c.Status()
	if !st.IsManaged {
		t.Error("enrolled device should report managed")
	}
	if st.LockedSettingsCount != 1 {
		t.Errorf("locked count = %d, want 1", st.LockedSettingsCount)
	}
	if st.GroupName != "Family" {
		t.Errorf("group name = %q", st.GroupName)
	}
	if st.LastSyncedAt == nil {
		t.Error("last synced missing")
	}
}
