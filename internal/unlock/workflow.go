// Package unlock implements the device owner's unlock-request workflow:
// filing requests against locked settings, tracking their lifecycle, and
// withdrawing ones still pending.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tether/internal/api"
	"tether/internal/events"
	"tether/internal/observe"
	"tether/internal/policy"
	"tether/internal/store"
)

const (
	reasonMinLen = 5
	reasonMaxLen = 200
)

// StoreClient is the slice of the policy store API the workflow needs.
type StoreClient interface {
	CreateUnlockRequest(ctx context.Context, deviceID, settingKey, reason string) (*api.UnlockRequestRecord, error)
	GetUnlockRequests(ctx context.Context, deviceID, status string) (*api.UnlockRequestsResponse, error)
	WithdrawUnlockRequest(ctx context.Context, requestID string) (*api.AckResponse, error)
}

// Workflow owns the device's view of its unlock requests.
type Workflow struct {
	client  StoreClient
	session *store.Session
	bus     *events.Bus

	mu sync.Mutex

	Requests *observe.Value[[]policy.UnlockRequest]
	Summary  *observe.Value[policy.RequestSummary]
}

// NewWorkflow creates a workflow bound to the device session.
func NewWorkflow(client StoreClient, session *store.Session, bus *events.Bus) *Workflow {
	return &Workflow{
		client:   client,
		session:  session,
		bus:      bus,
		Requests: observe.NewValue([]policy.UnlockRequest(nil)),
		Summary:  observe.NewValue(policy.RequestSummary{}),
	}
}

// ValidateReason checks an unlock-request reason without filing anything.
func ValidateReason(reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return &policy.ValidationError{Field: "reason", Message: "reason is required"}
	}
	// Bounds are characters, not bytes; multibyte reasons count per rune.
	if utf8.RuneCountInString(trimmed) < reasonMinLen {
		return &policy.ValidationError{
			Field:   "reason",
			Message: fmt.Sprintf("reason must be at least %d characters", reasonMinLen),
		}
	}
	if utf8.RuneCountInString(trimmed) > reasonMaxLen {
		return &policy.ValidationError{
			Field:   "reason",
			Message: fmt.Sprintf("reason must be at most %d characters", reasonMaxLen),
		}
	}
	return nil
}

// Create files a new unlock request for one locked setting. Validation runs
// before any network traffic; the new request lands at the head of the
// cached list.
func (w *Workflow) Create(ctx context.Context, settingKey, reason string) (*policy.UnlockRequest, error) {
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}
	if !w.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}

	rec, err := w.client.CreateUnlockRequest(ctx, w.session.DeviceID(), settingKey, strings.TrimSpace(reason))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("create unlock request: %w", err)
	}

	req := recordToDomain(*rec)
	w.mu.Lock()
	updated := append([]policy.UnlockRequest{req}, w.Requests.Get()...)
	w.Requests.Set(updated)
	w.Summary.Set(policy.Summarize(updated))
	w.mu.Unlock()

	log.Printf("[UNLOCK] filed request %s for %s", req.ID, settingKey)
	return &req, nil
}

// Get lists the device's unlock requests, newest first, replacing the cached
// list and recomputing the summary.
func (w *Workflow) Get(ctx context.Context, filter policy.RequestFilter) ([]policy.UnlockRequest, error) {
	if !w.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}

	resp, err := w.client.GetUnlockRequests(ctx, w.session.DeviceID(), filter.ServerParam())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch unlock requests: %w", err)
	}

	requests := make([]policy.UnlockRequest, 0, len(resp.Requests))
	for _, rec := range resp.Requests {
		requests = append(requests, recordToDomain(rec))
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})

	w.mu.Lock()
	w.Requests.Set(requests)
	w.Summary.Set(policy.Summarize(requests))
	w.mu.Unlock()
	return requests, nil
}

// Withdraw retracts a still-pending request. The cached status gates the
// call: a request known to be decided fails without network traffic. A
// successful withdrawal removes the request from the visible list.
func (w *Workflow) Withdraw(ctx context.Context, requestID string) error {
	if !w.session.Authenticated() {
		return policy.ErrNotAuthenticated
	}
	if req := w.RequestByID(requestID); req != nil && !req.CanWithdraw() {
		return fmt.Errorf("request %s is %s: %w", requestID, req.Status, policy.ErrCannotWithdraw)
	}

	resp, err := w.client.WithdrawUnlockRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("withdraw unlock request: %w", err)
	}
	if !resp.Success {
		return &policy.DomainRejection{Message: resp.Error}
	}

	w.mu.Lock()
	cached := w.Requests.Get()
	kept := make([]policy.UnlockRequest, 0, len(cached))
	for _, r := range cached {
		if r.ID != requestID {
			kept = append(kept, r)
		}
	}
	w.Requests.Set(kept)
	w.Summary.Set(policy.Summarize(kept))
	w.mu.Unlock()

	log.Printf("[UNLOCK] withdrew request %s", requestID)
	return nil
}

// UpdateRequestStatus mutates one cached request in place when the store
// pushes an admin decision. Decisions are rebroadcast on the bus for the
// unlock/notify consumers.
func (w *Workflow) UpdateRequestStatus(requestID string, status policy.RequestStatus, adminName, response string, respondedAt *time.Time) {
	w.mu.Lock()
	cached := w.Requests.Get()
	updated := make([]policy.UnlockRequest, len(cached))
	copy(updated, cached)
	var settingKey string
	for i := range updated {
		if updated[i].ID == requestID {
			updated[i].Status = status
			updated[i].RespondedByName = adminName
			updated[i].Response = response
			updated[i].RespondedAt = respondedAt
			settingKey = updated[i].SettingKey
			break
		}
	}
	w.Requests.Set(updated)
	w.Summary.Set(policy.Summarize(updated))
	w.mu.Unlock()

	if status == policy.StatusApproved || status == policy.StatusDenied {
		w.bus.Publish(events.Event{
			Type:       events.RequestDecided,
			DeviceID:   w.session.DeviceID(),
			SettingKey: settingKey,
			Message:    response,
			Metadata: map[string]string{
				"request_id": requestID,
				"status":     string(status),
				"admin_name": adminName,
			},
		})
	}
}

// RequestByID returns the cached request with the given ID, nil if unknown.
func (w *Workflow) RequestByID(requestID string) *policy.UnlockRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.Requests.Get() {
		if r.ID == requestID {
			req := r
			return &req
		}
	}
	return nil
}

func recordToDomain(rec api.UnlockRequestRecord) policy.UnlockRequest {
	return policy.UnlockRequest{
		ID:              rec.ID,
		DeviceID:        rec.DeviceID,
		SettingKey:      rec.SettingKey,
		Reason:          rec.Reason,
		Status:          policy.ParseRequestStatus(rec.Status),
		RequestedBy:     rec.RequestedBy,
		RequestedByName: rec.RequestedByName,
		CreatedAt:       policy.ParseTimeOrNow(rec.CreatedAt),
		RespondedBy:     rec.RespondedBy,
		RespondedByName: rec.RespondedByName,
		Response:        rec.Response,
		RespondedAt:     policy.ParseTime(rec.RespondedAt),
	}
}
