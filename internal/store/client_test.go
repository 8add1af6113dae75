package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tether/internal/api"
	"tether/internal/policy"
)

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"devices": []any{}})
	}))
	defer srv.Close()

	session := NewSession()
	if err := session.SetTokens("tok123", "", time.Time{}); err != nil {
		t.Fatal(err)
	}
	c := NewClient(srv.URL, session)

	if _, err := c.GetMemberDevices(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/v1/groups/g1/devices" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestClientOmitsAuthWithoutSession(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "access_token": "t"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewSession())
	if _, err := c.Enroll(context.Background(), enrollReq()); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "" {
		t.Errorf("unauthenticated call sent Authorization %q", gotAuth)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "enrollment token already used"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewSession())
	_, err := c.Enroll(context.Background(), enrollReq())
	var reqErr *policy.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusConflict {
		t.Errorf("status = %d", reqErr.Status)
	}
	if reqErr.Message != "enrollment token already used" {
		t.Errorf("message = %q", reqErr.Message)
	}
}

func TestClientStatusTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, NewSession())
	_, err := c.GetTemplates(context.Background())
	var reqErr *policy.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Message != http.StatusText(http.StatusBadGateway) {
		t.Errorf("fallback message = %q", reqErr.Message)
	}
}

func TestClientPropagatesCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, NewSession())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetTemplates(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled call returned %v, want context.Canceled", err)
	}
}

func TestClientTransportFailureHasZeroStatus(t *testing.T) {
	// A closed server produces a connection error, not an HTTP status.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, NewSession())
	_, err := c.GetTemplates(context.Background())
	var reqErr *policy.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Status != 0 {
		t.Errorf("transport failure carries status %d", reqErr.Status)
	}
}

func enrollReq() api.EnrollRequest {
	return api.EnrollRequest{Token: "ABCDEFGH12345678", Device: api.DeviceInfo{DeviceID: "d1"}}
}
