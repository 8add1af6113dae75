// Package devicecache keeps the device-side policy cache: the last known
// settings and locks, a durable snapshot of them, and the sync state machine
// that tracks how fresh they are.
package devicecache

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tether/internal/api"
	"tether/internal/events"
	"tether/internal/observe"
	"tether/internal/policy"
	"tether/internal/store"
)

// SyncState describes the freshness of the cached policy.
type SyncState string

const (
	StateSynced           SyncState = "SYNCED"
	StateSyncing          SyncState = "SYNCING"
	StatePending          SyncState = "PENDING"
	StateError            SyncState = "ERROR"
	StateOffline          SyncState = "OFFLINE"
	StateNotAuthenticated SyncState = "NOT_AUTHENTICATED"
)

// StoreClient is the slice of the policy store API the cache needs.
type StoreClient interface {
	GetDeviceSettings(ctx context.Context, deviceID string) (*api.DeviceSettingsResponse, error)
	UpdateSetting(ctx context.Context, deviceID, key string, value any) (*api.UpdateSettingResponse, error)
	RegisterPush(ctx context.Context, req api.RegisterPushRequest) error
}

// UpdateResult is the outcome of a device-originated setting write. A
// rejected write is a normal result, not an error: the caller shows the
// holder to the user and moves on.
type UpdateResult struct {
	Applied  bool
	Rejected bool
	LockedBy string
	Message  string
}

// Cache is the device's local policy engine.
type Cache struct {
	client  StoreClient
	session *store.Session
	bus     *events.Bus
	dataDir string

	mu       sync.Mutex
	settings *policy.DeviceSettings

	State *observe.Value[SyncState]
}

// New creates a cache rooted at dataDir. A persisted snapshot, if present,
// seeds the in-memory policy so locks gate writes before the first sync.
func New(client StoreClient, session *store.Session, bus *events.Bus, dataDir string) *Cache {
	c := &Cache{
		client:  client,
		session: session,
		bus:     bus,
		dataDir: dataDir,
		State:   observe.NewValue(StatePending),
	}
	if !session.Authenticated() {
		c.State.Set(StateNotAuthenticated)
	}
	snap, err := loadSnapshot(dataDir)
	if err != nil {
		log.Printf("[CACHE] snapshot load failed: %v", err)
	} else if snap != nil {
		c.settings = &policy.DeviceSettings{
			Settings:     snap.Settings,
			Locks:        snap.Locks,
			LastSyncedAt: snap.LastSyncedAt,
		}
	}
	return c
}

// Settings returns a copy of the current cached policy, nil before any sync
// or snapshot load.
func (c *Cache) Settings() *policy.DeviceSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSettings(c.settings)
}

// FetchServerSettings pulls the authoritative policy, replacing the cache
// and the durable snapshot on success. On failure the last snapshot keeps
// serving and the state reflects the error.
func (c *Cache) FetchServerSettings(ctx context.Context) (*policy.DeviceSettings, error) {
	if !c.session.Authenticated() {
		c.State.Set(StateNotAuthenticated)
		return nil, policy.ErrNotAuthenticated
	}
	c.State.Set(StateSyncing)

	resp, err := c.client.GetDeviceSettings(ctx, c.session.DeviceID())
	if err != nil {
		// A transport fault with no HTTP status means the store is
		// unreachable, not broken.
		var reqErr *policy.RequestError
		if errors.As(err, &reqErr) && reqErr.Status == 0 {
			c.State.Set(StateOffline)
		} else {
			c.State.Set(StateError)
		}
		c.bus.Publish(events.Event{
			Type:     events.SyncFailed,
			DeviceID: c.session.DeviceID(),
			Message:  err.Error(),
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Printf("[CACHE] fetch failed, serving snapshot: %v", err)
		return c.Settings(), err
	}

	now := time.Now().UTC()
	fresh := &policy.DeviceSettings{
		Settings:     resp.SettingsValues(),
		Locks:        locksToDomain(resp.AllLocks()),
		LastSyncedAt: &now,
	}

	c.mu.Lock()
	c.settings = fresh
	c.mu.Unlock()
	c.persist()
	c.State.Set(StateSynced)

	c.bus.Publish(events.Event{Type: events.PolicyRefreshed, DeviceID: c.session.DeviceID()})
	log.Printf("[CACHE] synced %d settings (%d locked)", len(fresh.Settings), fresh.LockedCount())
	return cloneSettings(fresh), nil
}

// UpdateSetting performs a device-originated write. Locked keys are rejected
// locally without touching the network. An unauthenticated cache rejects the
// write outright: there is no offline queue, so a value that cannot reach
// the store must not land in the local mirror.
func (c *Cache) UpdateSetting(ctx context.Context, key string, value any) (UpdateResult, error) {
	if holder := c.LockedBy(key); c.IsSettingLocked(key) {
		return UpdateResult{
			Rejected: true,
			LockedBy: holder,
			Message:  "setting is locked by " + displayHolder(holder),
		}, nil
	}

	if !c.session.Authenticated() {
		c.State.Set(StatePending)
		return UpdateResult{
			Rejected: true,
			Message:  "not sent: not authenticated",
		}, nil
	}

	resp, err := c.client.UpdateSetting(ctx, c.session.DeviceID(), key, value)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return UpdateResult{}, err
		}
		c.State.Set(StateError)
		return UpdateResult{Rejected: true, Message: err.Error()}, nil
	}
	if resp.IsLocked {
		// Our lock map was stale. Reconcile in the background.
		log.Printf("[CACHE] server rejected %s as locked, refetching", key)
		go c.refetch()
		return UpdateResult{Rejected: true, Message: "setting is locked"}, nil
	}
	if !resp.Success {
		return UpdateResult{Rejected: true, Message: resp.Error}, nil
	}

	c.applyLocal(key, value)
	c.State.Set(StateSynced)
	return UpdateResult{Applied: true}, nil
}

// IsSettingLocked reports whether the cached policy locks the key.
func (c *Cache) IsSettingLocked(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.IsLocked(key)
}

// LockedBy returns who locked the key, "" when unlocked.
func (c *Cache) LockedBy(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.LockedBy(key)
}

// HandleSettingsUpdatePush reacts to a settings-updated push. The push is a
// signal only; the payload is logged and the truth comes from a refetch.
func (c *Cache) HandleSettingsUpdatePush(ctx context.Context, updatedBy string, keys []string) {
	log.Printf("[CACHE] settings updated by %s (%d keys), refetching", updatedBy, len(keys))
	if _, err := c.FetchServerSettings(ctx); err != nil {
		log.Printf("[CACHE] push-triggered refetch failed: %v", err)
	}
}

// HandleLockPush patches the single pushed lock immediately so the UI gates
// writes without waiting, then refetches to reconcile.
func (c *Cache) HandleLockPush(ctx context.Context, key string, locked bool, adminName string) {
	c.mu.Lock()
	if c.settings == nil {
		c.settings = &policy.DeviceSettings{
			Settings: map[string]any{},
			Locks:    map[string]policy.SettingLock{},
		}
	}
	if locked {
		now := time.Now().UTC()
		c.settings.Locks[key] = policy.SettingLock{
			SettingKey: key, IsLocked: true, LockedBy: adminName, LockedAt: &now,
		}
	} else {
		c.settings.Locks[key] = policy.SettingLock{SettingKey: key, IsLocked: false}
	}
	c.mu.Unlock()
	c.persist()

	evtType := events.SettingUnlocked
	if locked {
		evtType = events.SettingLocked
	}
	c.bus.Publish(events.Event{
		Type:       evtType,
		DeviceID:   c.session.DeviceID(),
		SettingKey: key,
		Metadata:   map[string]string{"admin_name": adminName},
	})

	if _, err := c.FetchServerSettings(ctx); err != nil {
		log.Printf("[CACHE] lock-push refetch failed: %v", err)
	}
}

// RegisterPushToken associates a push token with the device. Push delivery
// is group-scoped, so an ungrouped device skips registration.
func (c *Cache) RegisterPushToken(ctx context.Context, token string) error {
	groupID := c.session.GroupID()
	if groupID == "" {
		log.Printf("[CACHE] no group association, skipping push registration")
		return nil
	}
	return c.client.RegisterPush(ctx, api.RegisterPushRequest{
		DeviceID: c.session.DeviceID(),
		Token:    token,
		GroupID:  groupID,
	})
}

// Status derives the device's management view from the cache and session.
func (c *Cache) Status() policy.ManagedStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return policy.ManagedStatus{
		IsManaged:           c.session.Authenticated(),
		GroupID:             c.session.GroupID(),
		GroupName:           c.session.GroupName(),
		LockedSettingsCount: c.settings.LockedCount(),
		LastSyncedAt:        lastSynced(c.settings),
	}
}

// ClearCache wipes the in-memory policy and the durable snapshot.
func (c *Cache) ClearCache() error {
	c.mu.Lock()
	c.settings = nil
	c.mu.Unlock()
	c.State.Set(StatePending)
	return removeSnapshot(c.dataDir)
}

func (c *Cache) applyLocal(key string, value any) {
	c.mu.Lock()
	if c.settings == nil {
		c.settings = &policy.DeviceSettings{
			Settings: map[string]any{},
			Locks:    map[string]policy.SettingLock{},
		}
	}
	c.settings.Settings[key] = value
	c.mu.Unlock()
	c.persist()
}

func (c *Cache) persist() {
	c.mu.Lock()
	s := c.settings
	var snap *snapshot
	if s != nil {
		snap = &snapshot{
			Settings:     s.Settings,
			Locks:        s.Locks,
			GroupID:      c.session.GroupID(),
			GroupName:    c.session.GroupName(),
			LastSyncedAt: s.LastSyncedAt,
		}
	}
	c.mu.Unlock()
	if snap == nil {
		return
	}
	if err := saveSnapshot(c.dataDir, snap); err != nil {
		log.Printf("[CACHE] snapshot save failed: %v", err)
	}
}

func (c *Cache) refetch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.FetchServerSettings(ctx); err != nil {
		log.Printf("[CACHE] reconcile refetch failed: %v", err)
	}
}

func locksToDomain(locks map[string]api.LockInfo) map[string]policy.SettingLock {
	out := make(map[string]policy.SettingLock, len(locks))
	for key, l := range locks {
		out[key] = policy.SettingLock{
			SettingKey: key,
			IsLocked:   l.IsLocked,
			LockedBy:   l.LockedBy,
			LockedAt:   policy.ParseTime(l.LockedAt),
		}
	}
	return out
}

func cloneSettings(s *policy.DeviceSettings) *policy.DeviceSettings {
	if s == nil {
		return nil
	}
	clone := &policy.DeviceSettings{
		Settings:     make(map[string]any, len(s.Settings)),
		Locks:        make(map[string]policy.SettingLock, len(s.Locks)),
		LastSyncedAt: s.LastSyncedAt,
	}
	for k, v := range s.Settings {
		clone.Settings[k] = v
	}
	for k, v := range s.Locks {
		clone.Locks[k] = v
	}
	return clone
}

func lastSynced(s *policy.DeviceSettings) *time.Time {
	if s == nil {
		return nil
	}
	return s.LastSyncedAt
}

func displayHolder(holder string) string {
	if holder == "" {
		return "an administrator"
	}
	return holder
}
