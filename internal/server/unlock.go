package server

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tether/internal/api"
	"tether/internal/policy"
)

// Unlock-request domain failures, surfaced to handlers as 4xx responses.
var (
	ErrRequestNotFound   = errors.New("unlock request not found")
	ErrRequestNotPending = errors.New("unlock request already decided")
	ErrSettingNotLocked  = errors.New("setting is not locked")
	ErrDuplicateRequest  = errors.New("a pending request for this setting already exists")
	ErrReasonOutOfBounds = errors.New("reason must be 5 to 200 characters")
	ErrInvalidDecision   = errors.New("decision must be approved or denied")
)

// CreateUnlockRequest files an owner request against a locked setting.
// The reason bounds are enforced server-side too; clients validate first
// but the server stays authoritative.
func (s *Store) CreateUnlockRequest(deviceID, settingKey, reason, requestedBy, requestedByName string) (*api.UnlockRequestRecord, error) {
	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n < 5 || n > 200 {
		return nil, ErrReasonOutOfBounds
	}
	locked, err := s.IsLocked(deviceID, settingKey)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrSettingNotLocked
	}

	var pending int
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM unlock_requests
		WHERE device_id = ? AND setting_key = ? AND status = 'pending'`,
		deviceID, settingKey).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("check pending requests: %w", err)
	}
	if pending > 0 {
		return nil, ErrDuplicateRequest
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO unlock_requests
			(id, device_id, setting_key, reason, status, requested_by, requested_by_name, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		id, deviceID, settingKey, reason, requestedBy, requestedByName, now)
	if err != nil {
		return nil, fmt.Errorf("insert unlock request: %w", err)
	}
	return s.UnlockRequest(id)
}

// UnlockRequest loads one request by ID.
func (s *Store) UnlockRequest(id string) (*api.UnlockRequestRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, setting_key, reason, status, requested_by, requested_by_name,
		       created_at, responded_by, responded_by_name, response, responded_at
		FROM unlock_requests WHERE id = ?`, id)
	rec, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return rec, err
}

// UnlockRequests lists a device's requests, optionally filtered by status,
// newest first.
func (s *Store) UnlockRequests(deviceID, status string) (*api.UnlockRequestsResponse, error) {
	query := `
		SELECT id, device_id, setting_key, reason, status, requested_by, requested_by_name,
		       created_at, responded_by, responded_by_name, response, responded_at
		FROM unlock_requests WHERE device_id = ?`
	args := []any{deviceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unlock requests: %w", err)
	}
	defer rows.Close()

	resp := &api.UnlockRequestsResponse{Requests: []api.UnlockRequestRecord{}}
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		resp.Requests = append(resp.Requests, *rec)
	}
	return resp, rows.Err()
}

// WithdrawRequest retracts a pending request. Deciding and withdrawing race
// on the same status guard; whichever lands first wins.
func (s *Store) WithdrawRequest(id string) error {
	res, err := s.db.Exec(`
		UPDATE unlock_requests SET status = 'withdrawn', responded_at = ?
		WHERE id = ? AND status = 'pending'`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("withdraw request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.UnlockRequest(id); err != nil {
			return err
		}
		return ErrRequestNotPending
	}
	return nil
}

// DecideRequest records an admin decision. Approval also unlocks the
// setting, with its own audit row.
func (s *Store) DecideRequest(id, status, response, adminID, adminName string) (*api.UnlockRequestRecord, error) {
	decided := policy.ParseRequestStatus(status)
	if decided != policy.StatusApproved && decided != policy.StatusDenied {
		return nil, ErrInvalidDecision
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE unlock_requests SET status = ?, responded_by = ?, responded_by_name = ?,
			response = ?, responded_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(decided), adminID, adminName, response, now, id)
	if err != nil {
		return nil, fmt.Errorf("decide request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.UnlockRequest(id); err != nil {
			return nil, err
		}
		return nil, ErrRequestNotPending
	}

	rec, err := s.UnlockRequest(id)
	if err != nil {
		return nil, err
	}
	if decided == policy.StatusApproved {
		if _, err := s.SetLocks(rec.DeviceID, []string{rec.SettingKey}, false, adminID, adminName); err != nil {
			return nil, fmt.Errorf("unlock approved setting: %w", err)
		}
	}
	return rec, nil
}

func scanRequest(row rowScanner) (*api.UnlockRequestRecord, error) {
	var rec api.UnlockRequestRecord
	var createdAt time.Time
	var respondedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.DeviceID, &rec.SettingKey, &rec.Reason, &rec.Status,
		&rec.RequestedBy, &rec.RequestedByName, &createdAt,
		&rec.RespondedBy, &rec.RespondedByName, &rec.Response, &respondedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan unlock request: %w", err)
	}
	rec.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if respondedAt.Valid {
		rec.RespondedAt = respondedAt.Time.UTC().Format(time.RFC3339)
	}
	return &rec, nil
}
