// Package enroll implements the device enrollment lifecycle: token
// validation, the one-time handshake with the policy store, and unenrollment
// with the server staying authoritative.
package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tether/internal/api"
	"tether/internal/observe"
	"tether/internal/policy"
	"tether/internal/store"
)

// QRPrefix is the URI scheme prefix of enrollment QR codes.
const QRPrefix = "tether://enroll/"

const (
	tokenMinLen = 16
	tokenMaxLen = 20
)

const orgFile = "organization.json"

// State is the enrollment lifecycle state.
type State string

const (
	StateNotEnrolled State = "NOT_ENROLLED"
	StateEnrolling   State = "ENROLLING"
	StateEnrolled    State = "ENROLLED"
	StateUnenrolling State = "UNENROLLING"
)

// Token is an enrollment token as entered or scanned.
type Token struct {
	Value string
}

// Valid reports whether the token is well-formed: 16 to 20 alphanumeric
// characters.
func (t Token) Valid() bool {
	n := len(t.Value)
	if n < tokenMinLen || n > tokenMaxLen {
		return false
	}
	for _, r := range t.Value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// ParseQR extracts the token from a scanned QR payload. Bare tokens are
// accepted too.
func ParseQR(payload string) Token {
	payload = strings.TrimSpace(payload)
	if rest, ok := strings.CutPrefix(payload, QRPrefix); ok {
		return Token{Value: rest}
	}
	return Token{Value: payload}
}

// StoreClient is the slice of the policy store API enrollment needs.
type StoreClient interface {
	Enroll(ctx context.Context, req api.EnrollRequest) (*api.EnrollResponse, error)
	Unenroll(ctx context.Context, deviceID string) (*api.AckResponse, error)
}

// Enroller drives the device through enrollment and unenrollment.
type Enroller struct {
	client     StoreClient
	session    *store.Session
	applicator Applicator
	dataDir    string

	State        *observe.Value[State]
	Organization *observe.Value[*policy.Organization]
}

// NewEnroller restores the enrollment state from the session and any
// persisted organization record.
func NewEnroller(client StoreClient, session *store.Session, applicator Applicator, dataDir string) *Enroller {
	e := &Enroller{
		client:       client,
		session:      session,
		applicator:   applicator,
		dataDir:      dataDir,
		State:        observe.NewValue(StateNotEnrolled),
		Organization: observe.NewValue[*policy.Organization](nil),
	}
	if session.Authenticated() {
		e.State.Set(StateEnrolled)
		if org := loadOrganization(dataDir); org != nil {
			e.Organization.Set(org)
		}
	}
	return e
}

// Enroll performs the one-time handshake: token goes up, session tokens,
// organization identity, and the initial policy come down. The policy is
// applied key by key; a key that fails to apply is logged and skipped.
func (e *Enroller) Enroll(ctx context.Context, token Token, device api.DeviceInfo) (*policy.DevicePolicy, error) {
	if !token.Valid() {
		return nil, &policy.ValidationError{
			Field:   "token",
			Message: fmt.Sprintf("token must be %d to %d alphanumeric characters", tokenMinLen, tokenMaxLen),
		}
	}
	e.State.Set(StateEnrolling)

	resp, err := e.client.Enroll(ctx, api.EnrollRequest{Token: token.Value, Device: device})
	if err != nil {
		e.State.Set(StateNotEnrolled)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, classify(err)
	}
	if !resp.Success || resp.AccessToken == "" {
		e.State.Set(StateNotEnrolled)
		return nil, &policy.DomainRejection{Message: rejectMessage(resp.Error)}
	}

	if err := e.session.SetTokens(resp.AccessToken, resp.RefreshToken, time.Time{}); err != nil {
		log.Printf("[ENROLL] session persist failed: %v", err)
	}
	if err := e.session.SetDevice(device.DeviceID, resp.Policy.GroupID, resp.Policy.GroupName); err != nil {
		log.Printf("[ENROLL] device persist failed: %v", err)
	}

	org := &policy.Organization{
		ID:           resp.Organization.ID,
		Name:         resp.Organization.Name,
		ContactEmail: resp.Organization.ContactEmail,
		SupportPhone: resp.Organization.SupportPhone,
	}
	e.Organization.Set(org)
	if err := saveOrganization(e.dataDir, org); err != nil {
		log.Printf("[ENROLL] organization persist failed: %v", err)
	}

	p := &policy.DevicePolicy{
		Settings:  resp.Policy.Settings,
		Locks:     resp.Policy.Locks,
		GroupID:   resp.Policy.GroupID,
		GroupName: resp.Policy.GroupName,
	}
	applyPolicy(e.applicator, *p)

	e.State.Set(StateEnrolled)
	log.Printf("[ENROLL] enrolled with %s (%d settings, %d locks)", org.Name, len(p.Settings), len(p.Locks))
	return p, nil
}

// Unenroll removes the device from management. Local state is cleared only
// after the server confirms; any failure leaves the device enrolled.
func (e *Enroller) Unenroll(ctx context.Context) error {
	if !e.session.Authenticated() {
		return policy.ErrNotAuthenticated
	}
	e.State.Set(StateUnenrolling)

	resp, err := e.client.Unenroll(ctx, e.session.DeviceID())
	if err != nil {
		e.State.Set(StateEnrolled)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return classify(err)
	}
	if !resp.Success {
		e.State.Set(StateEnrolled)
		return &policy.DomainRejection{Message: rejectMessage(resp.Error)}
	}

	if err := e.session.Clear(); err != nil {
		log.Printf("[ENROLL] session clear failed: %v", err)
	}
	e.Organization.Set(nil)
	if err := os.Remove(filepath.Join(e.dataDir, orgFile)); err != nil && !os.IsNotExist(err) {
		log.Printf("[ENROLL] organization remove failed: %v", err)
	}
	e.State.Set(StateNotEnrolled)
	log.Printf("[ENROLL] unenrolled")
	return nil
}

// classify turns a store failure into a user-presentable domain error.
// Status codes decide first; message text is only a fallback.
func classify(err error) error {
	var reqErr *policy.RequestError
	if !errors.As(err, &reqErr) {
		return err
	}
	switch reqErr.Status {
	case http.StatusNotFound:
		return &policy.DomainRejection{Message: "enrollment token not found"}
	case http.StatusGone:
		return &policy.DomainRejection{Message: "enrollment token has expired"}
	case http.StatusConflict:
		return &policy.DomainRejection{Message: "device is already enrolled"}
	case 0:
		return &policy.DomainRejection{Message: "cannot connect to the policy server"}
	}
	msg := strings.ToLower(reqErr.Message)
	switch {
	case strings.Contains(msg, "expired"):
		return &policy.DomainRejection{Message: "enrollment token has expired"}
	case strings.Contains(msg, "not found") || strings.Contains(msg, "invalid token"):
		return &policy.DomainRejection{Message: "enrollment token not found"}
	case strings.Contains(msg, "already enrolled"):
		return &policy.DomainRejection{Message: "device is already enrolled"}
	}
	return fmt.Errorf("enrollment failed: %w", err)
}

func rejectMessage(msg string) string {
	if msg == "" {
		return "request rejected by the policy server"
	}
	return msg
}

func loadOrganization(dataDir string) *policy.Organization {
	data, err := os.ReadFile(filepath.Join(dataDir, orgFile))
	if err != nil {
		return nil
	}
	var org policy.Organization
	if err := json.Unmarshal(data, &org); err != nil {
		return nil
	}
	return &org
}

func saveOrganization(dataDir string, org *policy.Organization) error {
	data, err := json.MarshalIndent(org, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, orgFile), data, 0o600)
}
