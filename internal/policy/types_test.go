package policy

import (
	"testing"
	"time"
)

func TestParseRequestStatus(t *testing.T) {
	cases := map[string]RequestStatus{
		"pending":   StatusPending,
		"APPROVED":  StatusApproved,
		"Denied":    StatusDenied,
		"withdrawn": StatusWithdrawn,
		"bogus":     StatusPending,
		"":          StatusPending,
	}
	for in, want := range cases {
		if got := ParseRequestStatus(in); got != want {
			t.Errorf("ParseRequestStatus(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("pending should not be terminal")
	}
	for _, s := range []RequestStatus{StatusApproved, StatusDenied, StatusWithdrawn} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
}

func TestParseChangeType(t *testing.T) {
	cases := map[string]ChangeType{
		"VALUE_CHANGED": ChangeValue,
		"changed":       ChangeValue,
		"locked":        ChangeLocked,
		"UNLOCKED":      ChangeUnlocked,
		"reset":         ChangeReset,
		"mystery":       ChangeValue,
	}
	for in, want := range cases {
		if got := ParseChangeType(in); got != want {
			t.Errorf("ParseChangeType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSummarize(t *testing.T) {
	reqs := []UnlockRequest{
		{Status: StatusPending},
		{Status: StatusPending},
		{Status: StatusApproved},
		{Status: StatusDenied},
	}
	sum := Summarize(reqs)
	if sum.Pending != 2 || sum.Approved != 1 || sum.Denied != 1 || sum.Withdrawn != 0 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if sum.Total() != 4 {
		t.Errorf("Total() = %d, want 4", sum.Total())
	}
}

func TestDeviceSettingsLocks(t *testing.T) {
	var nilSettings *DeviceSettings
	if nilSettings.IsLocked("x") {
		t.Error("nil settings should report unlocked")
	}
	if nilSettings.LockedCount() != 0 {
		t.Error("nil settings should count zero locks")
	}

	now := time.Now()
	s := &DeviceSettings{
		Settings: map[string]any{"tracking_enabled": true},
		Locks: map[string]SettingLock{
			"tracking_enabled": {SettingKey: "tracking_enabled", IsLocked: true, LockedBy: "Dana", LockedAt: &now},
			"secret_mode":      {SettingKey: "secret_mode", IsLocked: false},
		},
	}
	if !s.IsLocked("tracking_enabled") {
		t.Error("tracking_enabled should be locked")
	}
	if s.IsLocked("secret_mode") {
		t.Error("secret_mode entry exists but is not locked")
	}
	if s.IsLocked("never_seen") {
		t.Error("unknown key should not be locked")
	}
	if got := s.LockedBy("tracking_enabled"); got != "Dana" {
		t.Errorf("LockedBy = %q, want Dana", got)
	}
	if got := s.LockedCount(); got != 1 {
		t.Errorf("LockedCount = %d, want 1", got)
	}
}

func TestRequestFilterServerParam(t *testing.T) {
	if got := FilterAll.ServerParam(); got != "" {
		t.Errorf("all filter should map to empty param, got %q", got)
	}
	if got := FilterPending.ServerParam(); got != "pending" {
		t.Errorf("pending filter param = %q", got)
	}
	if got := RequestFilter("").ServerParam(); got != "" {
		t.Errorf("zero filter should map to empty param, got %q", got)
	}
}

func TestLockedErrorMessage(t *testing.T) {
	single := &LockedError{Keys: []string{"secret_mode"}, LockedBy: "Dana"}
	if got := single.Error(); got != "setting secret_mode is locked by Dana" {
		t.Errorf("single-key message = %q", got)
	}
	multi := &LockedError{Keys: []string{"a", "b"}}
	if got := multi.Error(); got != "settings locked: a, b" {
		t.Errorf("multi-key message = %q", got)
	}
}

func TestTemplateShouldLock(t *testing.T) {
	tmpl := &SettingsTemplate{LockedSettings: []string{"secret_mode"}}
	if !tmpl.ShouldLock("secret_mode") {
		t.Error("secret_mode should lock")
	}
	if tmpl.ShouldLock("tracking_enabled") {
		t.Error("tracking_enabled should not lock")
	}
}

func TestBulkResultCounts(t *testing.T) {
	r := BulkResult{
		Successful: []DeviceResult{{DeviceID: "a"}, {DeviceID: "b"}},
		Failed:     []DeviceResult{{DeviceID: "c", Error: "offline"}},
	}
	if r.SuccessCount() != 2 || r.FailureCount() != 1 || r.TotalCount() != 3 {
		t.Errorf("unexpected counts: %d/%d/%d", r.SuccessCount(), r.FailureCount(), r.TotalCount())
	}
	if r.AllSuccessful() {
		t.Error("partial failure should not report all successful")
	}
}

func TestParseTime(t *testing.T) {
	if ParseTime("") != nil {
		t.Error("empty string should parse to nil")
	}
	if ParseTime("not-a-time") != nil {
		t.Error("garbage should parse to nil")
	}
	got := ParseTime("2026-08-01T10:30:00Z")
	if got == nil || !got.Equal(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("ParseTime returned %v", got)
	}
}
