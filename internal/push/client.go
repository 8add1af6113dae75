// Package push maintains the device's WebSocket subscription to the policy
// store and relays incoming frames onto the event bus. Frames are signals;
// consumers reconcile with a full fetch.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tether/internal/api"
	"tether/internal/events"
	"tether/internal/store"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
)

// Listener holds one device's push subscription.
type Listener struct {
	serverURL string
	session   *store.Session
	bus       *events.Bus
	dialer    *websocket.Dialer
}

// NewListener creates a listener against the store at serverURL.
func NewListener(serverURL string, session *store.Session, bus *events.Bus) *Listener {
	return &Listener{
		serverURL: serverURL,
		session:   session,
		bus:       bus,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and keeps the subscription alive until ctx is cancelled,
// reconnecting with capped backoff. It blocks; run it in its own goroutine.
func (l *Listener) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		if !l.session.Authenticated() {
			// Nothing to subscribe to yet; poll for a session.
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[PUSH] connection lost: %v (retrying in %s)", err, backoff)
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// listen dials the socket and relays frames until the connection drops.
func (l *Listener) listen(ctx context.Context) error {
	u, err := wsURL(l.serverURL, l.session.DeviceID())
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.session.Token())

	conn, _, err := l.dialer.DialContext(ctx, u, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("[PUSH] connected to %s", u)

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame api.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[PUSH] bad frame: %v", err)
			continue
		}
		l.dispatch(frame)
	}
}

// dispatch turns a wire frame into a bus event.
func (l *Listener) dispatch(frame api.Frame) {
	deviceID := l.session.DeviceID()
	switch frame.Type {
	case api.FrameSettingsUpdated:
		var p api.SettingsUpdatedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Printf("[PUSH] bad settings-updated payload: %v", err)
			return
		}
		keys := make([]string, 0, len(p.UpdatedSettings))
		for k := range p.UpdatedSettings {
			keys = append(keys, k)
		}
		l.bus.Publish(events.Event{
			Type:     events.SettingsUpdatedPush,
			DeviceID: deviceID,
			Metadata: map[string]string{
				"updated_by": p.UpdatedBy,
				"keys":       strings.Join(keys, ","),
			},
		})

	case api.FrameLockChanged:
		var p api.LockChangedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Printf("[PUSH] bad lock-changed payload: %v", err)
			return
		}
		locked := "false"
		if p.IsLocked {
			locked = "true"
		}
		l.bus.Publish(events.Event{
			Type:       events.LockChangedPush,
			DeviceID:   deviceID,
			SettingKey: p.SettingKey,
			Metadata: map[string]string{
				"is_locked":  locked,
				"admin_name": p.AdminName,
			},
		})

	case api.FrameRequestDecided:
		var p api.RequestDecidedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Printf("[PUSH] bad request-decided payload: %v", err)
			return
		}
		l.bus.Publish(events.Event{
			Type:     events.RequestDecidedPush,
			DeviceID: deviceID,
			Message:  p.ResponseMessage,
			Metadata: map[string]string{
				"request_id":   p.RequestID,
				"status":       p.Status,
				"admin_name":   p.AdminName,
				"responded_at": p.RespondedAt,
			},
		})

	default:
		log.Printf("[PUSH] ignoring unknown frame type %q", frame.Type)
	}
}

// wsURL derives the push endpoint from the store's HTTP base URL.
func wsURL(serverURL, deviceID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/push/ws"
	q := u.Query()
	q.Set("device_id", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sleepCtx waits for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
