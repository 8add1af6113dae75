package enroll

import (
	"context"
	"errors"
	"testing"

	"tether/internal/api"
	"tether/internal/policy"
	"tether/internal/store"
)

type fakeClient struct {
	calls    int
	enrolled *api.EnrollResponse
	ack      *api.AckResponse
	err      error
}

func (f *fakeClient) Enroll(ctx context.Context, req api.EnrollRequest) (*api.EnrollResponse, error) {
	f.calls++
	return f.enrolled, f.err
}

func (f *fakeClient) Unenroll(ctx context.Context, deviceID string) (*api.AckResponse, error) {
	f.calls++
	return f.ack, f.err
}

// countingApplicator records applied keys.
type countingApplicator struct {
	applied map[string]bool
	locked  map[string]bool
}

func (a *countingApplicator) Apply(key string, value any, locked bool) error {
	if !policy.KnownKey(key) {
		return errors.New("unknown key")
	}
	a.applied[key] = true
	a.locked[key] = locked
	return nil
}

func TestTokenValidity(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"ABCDEFGH12345678", true},     // 16, lower bound
		{"ABCDEFGH123456789012", true}, // 20, upper bound
		{"ABCDEFGH1234567", false},     // 15
		{"ABCDEFGH1234567890123", false},
		{"ABCDEFGH1234567!", false},
		{"", false},
		{"ABC", false},
	}
	for _, c := range cases {
		if got := (Token{Value: c.value}).Valid(); got != c.ok {
			t.Errorf("Token(%q).Valid() = %v, want %v", c.value, got, c.ok)
		}
	}
}

func TestParseQR(t *testing.T) {
	tok := ParseQR("tether://enroll/ABCDEFGH12345678")
	if tok.Value != "ABCDEFGH12345678" {
		t.Errorf("prefixed parse = %q", tok.Value)
	}
	tok = ParseQR("  ABCDEFGH12345678 ")
	if tok.Value != "ABCDEFGH12345678" {
		t.Errorf("bare parse = %q", tok.Value)
	}
}

func successResponse() *api.EnrollResponse {
	return &api.EnrollResponse{
		Success:     true,
		AccessToken: "device-token",
		Organization: api.OrganizationInfo{
			ID: "org1", Name: "Tether HQ",
		},
		Policy: api.PolicyPayload{
			Settings:  map[string]any{"tracking_enabled": true, "bogus_key": 1},
			Locks:     []string{"tracking_enabled"},
			GroupID:   "g1",
			GroupName: "Family",
		},
	}
}

func newEnroller(t *testing.T, fc *fakeClient) (*Enroller, *store.Session, *countingApplicator) {
	t.Helper()
	session := store.NewSession()
	app := &countingApplicator{applied: map[string]bool{}, locked: map[string]bool{}}
	return NewEnroller(fc, session, app, t.TempDir()), session, app
}

func TestEnrollInvalidTokenMakesNoCalls(t *testing.T) {
	fc := &fakeClient{}
	e, _, _ := newEnroller(t, fc)

	_, err := e.Enroll(context.Background(), Token{Value: "ABC"}, api.DeviceInfo{DeviceID: "d1"})
	var vErr *policy.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("invalid token reached the network (%d calls)", fc.calls)
	}
	if e.State.Get() != StateNotEnrolled {
		t.Errorf("state = %v", e.State.Get())
	}
}

func TestEnrollPersistsSessionAndAppliesPolicy(t *testing.T) {
	fc := &fakeClient{enrolled: successResponse()}
	e, session, app := newEnroller(t, fc)

	p, err := e.Enroll(context.Background(), Token{Value: "ABCDEFGH12345678"}, api.DeviceInfo{DeviceID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if e.State.Get() != StateEnrolled {
		t.Errorf("state = %v", e.State.Get())
	}
	if !session.Authenticated() || session.DeviceID() != "d1" {
		t.Error("session not persisted")
	}
	if session.GroupID() != "g1" || session.GroupName() != "Family" {
		t.Errorf("group not persisted: %q %q", session.GroupID(), session.GroupName())
	}
	if org := e.Organization.Get(); org == nil || org.Name != "Tether HQ" {
		t.Errorf("organization = %+v", org)
	}

	if !p.IsLocked("tracking_enabled") {
		t.Error("policy lock missing")
	}
	// Known keys applied, unknown keys skipped without failing enrollment.
	if !app.applied["tracking_enabled"] {
		t.Error("tracking_enabled not applied")
	}
	if !app.locked["tracking_enabled"] {
		t.Error("tracking_enabled not applied as locked")
	}
	if app.applied["bogus_key"] {
		t.Error("unknown key was applied")
	}
}

func TestEnrollClassifiesByStatusCode(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{404, "enrollment token not found"},
		{410, "enrollment token has expired"},
		{409, "device is already enrolled"},
		{0, "cannot connect to the policy server"},
	}
	for _, c := range cases {
		fc := &fakeClient{err: &policy.RequestError{Status: c.status, Message: "whatever"}}
		e, _, _ := newEnroller(t, fc)
		_, err := e.Enroll(context.Background(), Token{Value: "ABCDEFGH12345678"}, api.DeviceInfo{DeviceID: "d1"})
		var rej *policy.DomainRejection
		if !errors.As(err, &rej) {
			t.Fatalf("status %d: expected DomainRejection, got %v", c.status, err)
		}
		if rej.Message != c.want {
			t.Errorf("status %d: message = %q, want %q", c.status, rej.Message, c.want)
		}
		if e.State.Get() != StateNotEnrolled {
			t.Errorf("status %d: state = %v", c.status, e.State.Get())
		}
	}
}

func TestEnrollClassifiesByMessageFallback(t *testing.T) {
	fc := &fakeClient{err: &policy.RequestError{Status: 400, Message: "token has EXPIRED"}}
	e, _, _ := newEnroller(t, fc)
	_, err := e.Enroll(context.Background(), Token{Value: "ABCDEFGH12345678"}, api.DeviceInfo{DeviceID: "d1"})
	var rej *policy.DomainRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected DomainRejection, got %v", err)
	}
	if rej.Message != "enrollment token has expired" {
		t.Errorf("message = %q", rej.Message)
	}
}

func TestUnenrollFailureRestoresEnrolled(t *testing.T) {
	fc := &fakeClient{enrolled: successResponse()}
	e, session, _ := newEnroller(t, fc)
	if _, err := e.Enroll(context.Background(), Token{Value: "ABCDEFGH12345678"}, api.DeviceInfo{DeviceID: "d1"}); err != nil {
		t.Fatal(err)
	}

	fc.err = &policy.RequestError{Status: 500, Message: "boom"}
	if err := e.Unenroll(context.Background()); err == nil {
		t.Fatal("expected unenroll failure")
	}
	if e.State.Get() != StateEnrolled {
		t.Errorf("state after failed unenroll = %v", e.State.Get())
	}
	if !session.Authenticated() {
		t.Error("session cleared despite server failure")
	}
}

func TestUnenrollSuccessClearsLocalState(t *testing.T) {
	fc := &fakeClient{enrolled: successResponse(), ack: &api.AckResponse{Success: true}}
	e, session, _ := newEnroller(t, fc)
	if _, err := e.Enroll(context.Background(), Token{Value: "ABCDEFGH12345678"}, api.DeviceInfo{DeviceID: "d1"}); err != nil {
		t.Fatal(err)
	}

	fc.err = nil
	if err := e.Unenroll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.State.Get() != StateNotEnrolled {
		t.Errorf("state = %v", e.State.Get())
	}
	if session.Authenticated() {
		t.Error("session not cleared")
	}
	if e.Organization.Get() != nil {
		t.Error("organization not cleared")
	}
}
