// Package observe provides single-writer, replay-latest observable values.
// One logical writer calls Set; any number of readers call Get or Subscribe.
// A new subscriber immediately receives the current value, then every
// subsequent committed value.
package observe

import (
	"log"
	"sync"
)

// Value holds the latest committed value of type T.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    []func(T)
}

// NewValue creates an observable seeded with an initial value.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

// Get returns the latest committed value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set commits a new value and notifies all subscribers. Subscribers run
// synchronously in the caller's goroutine; a panicking subscriber is
// recovered and logged so it cannot take down the writer.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.current = val
	subs := make([]func(T), len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()

	for _, fn := range subs {
		notify(fn, val)
	}
}

// Subscribe registers fn and immediately invokes it with the current value.
func (v *Value[T]) Subscribe(fn func(T)) {
	v.mu.Lock()
	v.subs = append(v.subs, fn)
	current := v.current
	v.mu.Unlock()

	notify(fn, current)
}

func notify[T any](fn func(T), val T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("observe: subscriber panic: %v", r)
		}
	}()
	fn(val)
}
