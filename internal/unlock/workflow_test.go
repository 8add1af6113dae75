package unlock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tether/internal/api"
	"tether/internal/events"
	"tether/internal/policy"
	"tether/internal/store"
)

type fakeClient struct {
	calls    int
	created  *api.UnlockRequestRecord
	listed   *api.UnlockRequestsResponse
	withdraw *api.AckResponse
	err      error

	lastStatus string
}

func (f *fakeClient) CreateUnlockRequest(ctx context.Context, deviceID, settingKey, reason string) (*api.UnlockRequestRecord, error) {
	f.calls++
	return f.created, f.err
}

func (f *fakeClient) GetUnlockRequests(ctx context.Context, deviceID, status string) (*api.UnlockRequestsResponse, error) {
	f.calls++
	f.lastStatus = status
	return f.listed, f.err
}

func (f *fakeClient) WithdrawUnlockRequest(ctx context.Context, requestID string) (*api.AckResponse, error) {
	f.calls++
	return f.withdraw, f.err
}

func testSession(t *testing.T) *store.Session {
	t.Helper()
	s := store.NewSession()
	if err := s.SetTokens("tok", "", time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDevice("d1", "g1", "Family"); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestValidateReasonBounds(t *testing.T) {
	cases := []struct {
		reason string
		ok     bool
	}{
		{"", false},
		{"    ", false},
		{"abcd", false},
		{"abcde", true},
		{strings.Repeat("r", 200), true},
		{strings.Repeat("r", 201), false},
		{"  padded but long enough  ", true},
		// Bounds count characters, not bytes.
		{strings.Repeat("ö", 200), true},
		{strings.Repeat("ö", 201), false},
		{"日本語で", false},
		{"日本語での理由", true},
	}
	for _, c := range cases {
		err := ValidateReason(c.reason)
		if c.ok && err != nil {
			t.Errorf("reason %q rejected: %v", c.reason, err)
		}
		if !c.ok {
			var vErr *policy.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("reason %q: expected ValidationError, got %v", c.reason, err)
			}
		}
	}
}

func TestCreateValidatesBeforeNetwork(t *testing.T) {
	fc := &fakeClient{}
	w := NewWorkflow(fc, testSession(t), events.NewBus())

	_, err := w.Create(context.Background(), "secret_mode", "abc")
	var vErr *policy.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("invalid reason reached the network (%d calls)", fc.calls)
	}
}

func TestCreatePrependsAndSummarizes(t *testing.T) {
	fc := &fakeClient{created: &api.UnlockRequestRecord{
		ID: "r2", DeviceID: "d1", SettingKey: "secret_mode",
		Reason: "need it for homework", Status: "pending",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}}
	w := NewWorkflow(fc, testSession(t), events.NewBus())
	w.Requests.Set([]policy.UnlockRequest{{ID: "r1", Status: policy.StatusDenied}})

	req, err := w.Create(context.Background(), "secret_mode", "need it for homework")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != policy.StatusPending {
		t.Errorf("new request status = %v", req.Status)
	}

	list := w.Requests.Get()
	if len(list) != 2 || list[0].ID != "r2" {
		t.Errorf("new request not at head: %+v", list)
	}
	sum := w.Summary.Get()
	if sum.Pending != 1 || sum.Denied != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestGetSortsNewestFirst(t *testing.T) {
	older := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	newer := time.Now().UTC().Format(time.RFC3339)
	fc := &fakeClient{listed: &api.UnlockRequestsResponse{Requests: []api.UnlockRequestRecord{
		{ID: "old", Status: "approved", CreatedAt: older},
		{ID: "new", Status: "pending", CreatedAt: newer},
	}}}
	w := NewWorkflow(fc, testSession(t), events.NewBus())

	list, err := w.Get(context.Background(), policy.FilterAll)
	if err != nil {
		t.Fatal(err)
	}
	if fc.lastStatus != "" {
		t.Errorf("all filter sent status %q", fc.lastStatus)
	}
	if list[0].ID != "new" || list[1].ID != "old" {
		t.Errorf("not sorted newest first: %s, %s", list[0].ID, list[1].ID)
	}
}

func TestGetPendingFilterParam(t *testing.T) {
	fc := &fakeClient{listed: &api.UnlockRequestsResponse{Requests: []api.UnlockRequestRecord{}}}
	w := NewWorkflow(fc, testSession(t), events.NewBus())

	if _, err := w.Get(context.Background(), policy.FilterPending); err != nil {
		t.Fatal(err)
	}
	if fc.lastStatus != "pending" {
		t.Errorf("filter param = %q, want pending", fc.lastStatus)
	}
}

func TestWithdrawDecidedRequestMakesNoCalls(t *testing.T) {
	fc := &fakeClient{}
	w := NewWorkflow(fc, testSession(t), events.NewBus())
	w.Requests.Set([]policy.UnlockRequest{{ID: "r1", Status: policy.StatusApproved}})

	err := w.Withdraw(context.Background(), "r1")
	if !errors.Is(err, policy.ErrCannotWithdraw) {
		t.Fatalf("expected ErrCannotWithdraw, got %v", err)
	}
	if fc.calls != 0 {
		t.Errorf("decided request reached the network (%d calls)", fc.calls)
	}
}

func TestWithdrawRemovesFromVisibleList(t *testing.T) {
	fc := &fakeClient{withdraw: &api.AckResponse{Success: true}}
	w := NewWorkflow(fc, testSession(t), events.NewBus())
	w.Requests.Set([]policy.UnlockRequest{
		{ID: "r1", Status: policy.StatusPending},
		{ID: "r2", Status: policy.StatusDenied},
	})
	w.Summary.Set(policy.Summarize(w.Requests.Get()))

	if err := w.Withdraw(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if w.RequestByID("r1") != nil {
		t.Error("withdrawn request still in visible list")
	}
	list := w.Requests.Get()
	if len(list) != 1 || list[0].ID != "r2" {
		t.Errorf("list after withdraw = %+v", list)
	}
	sum := w.Summary.Get()
	if sum.Pending != 0 || sum.Denied != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestWithdrawServerRejection(t *testing.T) {
	fc := &fakeClient{withdraw: &api.AckResponse{Success: false, Error: "already decided"}}
	w := NewWorkflow(fc, testSession(t), events.NewBus())
	w.Requests.Set([]policy.UnlockRequest{{ID: "r1", Status: policy.StatusPending}})

	err := w.Withdraw(context.Background(), "r1")
	var rej *policy.DomainRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected DomainRejection, got %v", err)
	}
	if got := w.RequestByID("r1").Status; got != policy.StatusPending {
		t.Errorf("rejected withdraw mutated cache: %v", got)
	}
}

func TestDecisionPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	var got events.Event
	bus.Subscribe(func(e events.Event) { got = e }, events.RequestDecided)

	w := NewWorkflow(&fakeClient{}, testSession(t), bus)
	w.Requests.Set([]policy.UnlockRequest{{
		ID: "r1", SettingKey: "secret_mode", Status: policy.StatusPending,
	}})

	decidedAt := time.Now().UTC()
	w.UpdateRequestStatus("r1", policy.StatusApproved, "Dana", "go ahead", &decidedAt)
	if got.Type != events.RequestDecided {
		t.Fatal("decision event not published")
	}
	if got.SettingKey != "secret_mode" || got.Metadata["status"] != "approved" {
		t.Errorf("event = %+v", got)
	}

	req := w.RequestByID("r1")
	if req.Status != policy.StatusApproved || req.RespondedByName != "Dana" {
		t.Errorf("cached request = %+v", req)
	}
	if req.RespondedAt == nil || !req.RespondedAt.Equal(decidedAt) {
		t.Errorf("responded at = %v, want %v", req.RespondedAt, decidedAt)
	}
}
