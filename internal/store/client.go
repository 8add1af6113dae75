package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tether/internal/api"
	"tether/internal/policy"
)

// Client talks to the policy store's HTTP API. Every call is
// context-aware; cancellation propagates to the caller untouched, while
// transport and HTTP failures come back as *policy.RequestError.
type Client struct {
	baseURL string
	http    *http.Client
	session *Session
}

// NewClient creates a client for the store at baseURL, authenticating with
// the given session.
func NewClient(baseURL string, session *Session) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		session: session,
	}
}

// GetMemberDevices lists the devices of a group.
func (c *Client) GetMemberDevices(ctx context.Context, groupID string) (*api.MemberDevicesResponse, error) {
	var out api.MemberDevicesResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/groups/"+groupID+"/devices", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeviceSettings fetches the full settings+locks document for a device.
func (c *Client) GetDeviceSettings(ctx context.Context, deviceID string) (*api.DeviceSettingsResponse, error) {
	var out api.DeviceSettingsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+deviceID+"/settings", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDeviceSettings applies admin changes to a device's settings.
func (c *Client) UpdateDeviceSettings(ctx context.Context, deviceID string, changes map[string]any, notifyUser bool) (*api.UpdateSettingsResponse, error) {
	req := api.UpdateSettingsRequest{Settings: changes, NotifyUser: notifyUser}
	var out api.UpdateSettingsResponse
	err := c.do(ctx, http.MethodPatch, "/api/v1/devices/"+deviceID+"/settings", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LockSettings locks or unlocks setting keys on a device.
func (c *Client) LockSettings(ctx context.Context, deviceID string, keys []string, lock bool) (*api.LockSettingsResponse, error) {
	req := api.LockSettingsRequest{SettingKeys: keys, Lock: lock}
	var out api.LockSettingsResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+deviceID+"/settings/lock", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkUpdate fans settings out to many devices, collecting independent
// per-device outcomes.
func (c *Client) BulkUpdate(ctx context.Context, req api.BulkUpdateRequest) (*api.BulkUpdateResponse, error) {
	var out api.BulkUpdateResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/bulk-settings", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHistory reads a device's paginated audit trail.
func (c *Client) GetHistory(ctx context.Context, deviceID string, limit, offset int) (*api.HistoryResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out api.HistoryResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+deviceID+"/settings/history", q, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTemplates lists all settings templates visible to the session.
func (c *Client) GetTemplates(ctx context.Context) (*api.TemplatesResponse, error) {
	var out api.TemplatesResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/settings-templates", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveTemplate creates (empty ID) or updates (non-empty ID) a template.
func (c *Client) SaveTemplate(ctx context.Context, req api.SaveTemplateRequest) (*api.SaveTemplateResponse, error) {
	var out api.SaveTemplateResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/settings-templates", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTemplate removes a template by ID.
func (c *Client) DeleteTemplate(ctx context.Context, templateID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/settings-templates/"+templateID, nil, nil, nil)
}

// UpdateSetting performs a device-originated single-key write.
func (c *Client) UpdateSetting(ctx context.Context, deviceID, key string, value any) (*api.UpdateSettingResponse, error) {
	req := api.UpdateSettingRequest{Key: key, Value: value}
	var out api.UpdateSettingResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+deviceID+"/setting", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateUnlockRequest files a new unlock request.
func (c *Client) CreateUnlockRequest(ctx context.Context, deviceID, settingKey, reason string) (*api.UnlockRequestRecord, error) {
	req := api.CreateUnlockRequestRequest{DeviceID: deviceID, SettingKey: settingKey, Reason: reason}
	var out api.UnlockRequestRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/unlock-requests", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUnlockRequests lists a device's unlock requests, optionally filtered
// by status ("" for all).
func (c *Client) GetUnlockRequests(ctx context.Context, deviceID, status string) (*api.UnlockRequestsResponse, error) {
	var q url.Values
	if status != "" {
		q = url.Values{}
		q.Set("status", status)
	}
	var out api.UnlockRequestsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+deviceID+"/unlock-requests", q, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WithdrawUnlockRequest withdraws a pending request.
func (c *Client) WithdrawUnlockRequest(ctx context.Context, requestID string) (*api.AckResponse, error) {
	var out api.AckResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/unlock-requests/"+requestID+"/withdraw", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Enroll performs the one-time enrollment handshake.
func (c *Client) Enroll(ctx context.Context, req api.EnrollRequest) (*api.EnrollResponse, error) {
	var out api.EnrollResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/enroll", nil, req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Unenroll removes the device from management. The server stays
// authoritative: local state is only cleared after this succeeds.
func (c *Client) Unenroll(ctx context.Context, deviceID string) (*api.AckResponse, error) {
	var out api.AckResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+deviceID+"/unenroll", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterPush associates a push token with the device.
func (c *Client) RegisterPush(ctx context.Context, req api.RegisterPushRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/push/register", nil, req, nil)
}

// do issues one request and decodes the response into out (which may be
// nil). Non-2xx responses are decoded into the server's {"error": ...}
// envelope and wrapped as *policy.RequestError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A cancelled call propagates cancellation, not a typed failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &policy.RequestError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &policy.RequestError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
