package admin

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tether/internal/api"
	"tether/internal/policy"
)

const placeholderPrefix = "local-"

// NewTemplate constructs an unsaved template with a client-side placeholder
// ID. The server assigns the real ID on save.
func NewTemplate(name, description string, settings map[string]any, locked []string, shared bool) policy.SettingsTemplate {
	return policy.SettingsTemplate{
		ID:             placeholderPrefix + uuid.NewString(),
		Name:           name,
		Description:    description,
		Settings:       settings,
		LockedSettings: locked,
		CreatedAt:      time.Now().UTC(),
		IsShared:       shared,
	}
}

// GetTemplates lists the templates visible to this admin and caches them.
// ApplyTemplate resolves against this cache.
func (m *Manager) GetTemplates(ctx context.Context) ([]policy.SettingsTemplate, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	resp, err := m.client.GetTemplates(ctx)
	if err != nil {
		return nil, m.fail("fetch templates", err)
	}

	templates := make([]policy.SettingsTemplate, 0, len(resp.Templates))
	for _, t := range resp.Templates {
		templates = append(templates, templateToDomain(t))
	}
	m.Templates.Set(templates)
	return templates, nil
}

// SaveTemplate creates or updates a template. Placeholder IDs are stripped
// so the server assigns a real one; the returned template carries it.
func (m *Manager) SaveTemplate(ctx context.Context, t policy.SettingsTemplate) (*policy.SettingsTemplate, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	id := t.ID
	if len(id) >= len(placeholderPrefix) && id[:len(placeholderPrefix)] == placeholderPrefix {
		id = ""
	}
	resp, err := m.client.SaveTemplate(ctx, api.SaveTemplateRequest{
		ID:             id,
		Name:           t.Name,
		Description:    t.Description,
		Settings:       t.Settings,
		LockedSettings: t.LockedSettings,
		IsShared:       t.IsShared,
	})
	if err != nil {
		return nil, m.fail("save template", err)
	}
	if !resp.Success || resp.Template == nil {
		err := &policy.DomainRejection{Message: resp.Error}
		m.LastError.Set(err.Error())
		return nil, err
	}

	saved := templateToDomain(*resp.Template)
	m.cacheTemplate(saved)
	log.Printf("[ADMIN] saved template %q (%s)", saved.Name, saved.ID)
	return &saved, nil
}

// DeleteTemplate removes a template and drops it from the cache.
func (m *Manager) DeleteTemplate(ctx context.Context, templateID string) error {
	if !m.session.Authenticated() {
		return policy.ErrNotAuthenticated
	}
	finish := m.begin()
	defer finish()

	if err := m.client.DeleteTemplate(ctx, templateID); err != nil {
		return m.fail("delete template", err)
	}

	cached := m.Templates.Get()
	kept := make([]policy.SettingsTemplate, 0, len(cached))
	for _, t := range cached {
		if t.ID != templateID {
			kept = append(kept, t)
		}
	}
	m.Templates.Set(kept)
	return nil
}

// ApplyTemplate fans a cached template's settings and locks out to the
// given devices as one bulk operation, so each device's outcome is
// independent. An unknown template ID fails before any network traffic.
func (m *Manager) ApplyTemplate(ctx context.Context, templateID string, deviceIDs []string, notifyUsers bool) (*policy.BulkResult, error) {
	if !m.session.Authenticated() {
		return nil, policy.ErrNotAuthenticated
	}

	var tmpl *policy.SettingsTemplate
	for _, t := range m.Templates.Get() {
		if t.ID == templateID {
			tmpl = &t
			break
		}
	}
	if tmpl == nil {
		err := fmt.Errorf("apply template %s: %w", templateID, policy.ErrTemplateNotFound)
		m.LastError.Set(err.Error())
		return nil, err
	}

	result, err := m.BulkUpdateDevices(ctx, deviceIDs, tmpl.Settings, tmpl.LockedSettings, notifyUsers)
	if err != nil {
		return nil, err
	}
	log.Printf("[ADMIN] applied template %q to %d devices (%d failed)",
		tmpl.Name, len(deviceIDs), result.FailureCount())
	return result, nil
}

// cacheTemplate upserts one template into the cached list by ID.
func (m *Manager) cacheTemplate(t policy.SettingsTemplate) {
	cached := m.Templates.Get()
	updated := make([]policy.SettingsTemplate, 0, len(cached)+1)
	replaced := false
	for _, c := range cached {
		if c.ID == t.ID {
			updated = append(updated, t)
			replaced = true
			continue
		}
		updated = append(updated, c)
	}
	if !replaced {
		updated = append(updated, t)
	}
	m.Templates.Set(updated)
}

func templateToDomain(t api.Template) policy.SettingsTemplate {
	return policy.SettingsTemplate{
		ID:             t.ID,
		Name:           t.Name,
		Description:    t.Description,
		Settings:       t.Settings,
		LockedSettings: t.LockedSettings,
		CreatedBy:      t.CreatedBy,
		CreatedByName:  t.CreatedByName,
		CreatedAt:      policy.ParseTimeOrNow(t.CreatedAt),
		UpdatedAt:      policy.ParseTime(t.UpdatedAt),
		IsShared:       t.IsShared,
	}
}
