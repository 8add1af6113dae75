package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tether/internal/api"
)

// ErrTemplateNotFound is returned when a template ID is unknown.
var ErrTemplateNotFound = errors.New("template not found")

// Templates lists templates owned by or shared with the admin.
func (s *Store) Templates(adminID string) (*api.TemplatesResponse, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, settings, locked_settings,
		       created_by, created_by_name, created_at, updated_at, is_shared
		FROM templates
		WHERE created_by = ? OR is_shared = 1
		ORDER BY name`, adminID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	resp := &api.TemplatesResponse{Templates: []api.Template{}}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		resp.Templates = append(resp.Templates, *t)
	}
	return resp, rows.Err()
}

// SaveTemplate creates (empty ID) or updates (existing ID) a template and
// returns it with its server-assigned ID.
func (s *Store) SaveTemplate(req api.SaveTemplateRequest, adminID, adminName string) (*api.Template, error) {
	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	if req.LockedSettings == nil {
		req.LockedSettings = []string{}
	}
	locked, err := json.Marshal(req.LockedSettings)
	if err != nil {
		return nil, fmt.Errorf("encode locked settings: %w", err)
	}
	now := time.Now().UTC()

	if req.ID == "" {
		id := uuid.NewString()
		_, err := s.db.Exec(`
			INSERT INTO templates
				(id, name, description, settings, locked_settings, created_by, created_by_name, created_at, is_shared)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, req.Name, req.Description, string(settings), string(locked),
			adminID, adminName, now, boolInt(req.IsShared))
		if err != nil {
			return nil, fmt.Errorf("insert template: %w", err)
		}
		return s.Template(id)
	}

	res, err := s.db.Exec(`
		UPDATE templates SET name = ?, description = ?, settings = ?, locked_settings = ?,
			updated_at = ?, is_shared = ?
		WHERE id = ?`,
		req.Name, req.Description, string(settings), string(locked),
		now, boolInt(req.IsShared), req.ID)
	if err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrTemplateNotFound
	}
	return s.Template(req.ID)
}

// Template loads one template by ID.
func (s *Store) Template(id string) (*api.Template, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, settings, locked_settings,
		       created_by, created_by_name, created_at, updated_at, is_shared
		FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	return t, err
}

// DeleteTemplate removes a template by ID.
func (s *Store) DeleteTemplate(id string) error {
	res, err := s.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*api.Template, error) {
	var t api.Template
	var settings, locked string
	var createdAt time.Time
	var updatedAt sql.NullTime
	var shared int
	err := row.Scan(&t.ID, &t.Name, &t.Description, &settings, &locked,
		&t.CreatedBy, &t.CreatedByName, &createdAt, &updatedAt, &shared)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &t.Settings); err != nil {
		return nil, fmt.Errorf("decode template settings: %w", err)
	}
	if err := json.Unmarshal([]byte(locked), &t.LockedSettings); err != nil {
		return nil, fmt.Errorf("decode template locks: %w", err)
	}
	t.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if updatedAt.Valid {
		t.UpdatedAt = updatedAt.Time.UTC().Format(time.RFC3339)
	}
	t.IsShared = shared != 0
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
