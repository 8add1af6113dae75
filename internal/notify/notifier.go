// Package notify delivers owner-facing notifications for policy changes
// through a Shoutrrr URL. Delivery is best-effort: a full queue drops the
// notification rather than blocking the event source.
package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/nicholas-fedor/shoutrrr"

	"tether/internal/events"
	"tether/internal/policy"
)

// Sender delivers one notification message.
type Sender interface {
	Send(message string) error
}

// ShoutrrrSender sends through a Shoutrrr service URL.
type ShoutrrrSender struct {
	URL string
}

func (s ShoutrrrSender) Send(message string) error {
	return shoutrrr.Send(s.URL, message)
}

// Notifier consumes policy events and turns them into owner notifications.
type Notifier struct {
	sender Sender
	queue  chan string
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier and subscribes it to the bus. A nil sender
// disables delivery; events are still consumed and logged.
func NewNotifier(sender Sender, bus *events.Bus) *Notifier {
	n := &Notifier{
		sender: sender,
		queue:  make(chan string, 32),
		done:   make(chan struct{}),
	}
	bus.Subscribe(n.handle, events.SettingLocked, events.SettingUnlocked, events.RequestDecided)
	return n
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Stop drains the queue and waits for in-flight deliveries.
func (n *Notifier) Stop() {
	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) handle(e events.Event) {
	msg := format(e)
	if msg == "" {
		return
	}
	select {
	case n.queue <- msg:
	default:
		log.Printf("[NOTIFY] queue full, dropping: %s", msg)
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			n.deliver(msg)
		case <-n.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case msg := <-n.queue:
					n.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(msg string) {
	if n.sender == nil {
		log.Printf("[NOTIFY] (no sender) %s", msg)
		return
	}
	if err := n.sender.Send(msg); err != nil {
		log.Printf("[NOTIFY] delivery failed: %v", err)
	}
}

// format renders one event as an owner-facing message, "" to skip it.
func format(e events.Event) string {
	switch e.Type {
	case events.SettingLocked:
		admin := e.Metadata["admin_name"]
		if admin == "" {
			admin = "An administrator"
		}
		return fmt.Sprintf("%s locked the setting %q on your device", admin, e.SettingKey)
	case events.SettingUnlocked:
		return fmt.Sprintf("The setting %q on your device was unlocked", e.SettingKey)
	case events.RequestDecided:
		status := policy.ParseRequestStatus(e.Metadata["status"])
		verb := "denied"
		if status == policy.StatusApproved {
			verb = "approved"
		}
		msg := fmt.Sprintf("Your unlock request for %q was %s", e.SettingKey, verb)
		if e.Message != "" {
			msg += ": " + e.Message
		}
		return msg
	}
	return ""
}
