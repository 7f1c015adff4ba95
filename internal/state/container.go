// Package state provides an owned, observable state container used by the
// engine's stores instead of package-level singletons.
package state

import (
	"slices"
	"sync"
)

// Container holds a value of type S and notifies subscribers after every
// change. S should be treated as immutable: updates build a new value.
type Container[S any] struct {
	mu        sync.Mutex
	value     S
	initial   func() S
	listeners map[int]func(S)
	nextID    int
}

// New creates a container whose pristine value is produced by initial.
func New[S any](initial func() S) *Container[S] {
	return &Container[S]{
		value:     initial(),
		initial:   initial,
		listeners: make(map[int]func(S)),
	}
}

// Get returns the current value.
func (c *Container[S]) Get() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Update replaces the value with fn(current) and notifies subscribers with
// the new value. fn runs under the container lock and must not block.
func (c *Container[S]) Update(fn func(S) S) S {
	c.mu.Lock()
	c.value = fn(c.value)
	value := c.value
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range listeners {
		l(value)
	}
	return value
}

// Subscribe registers fn to be called after every change. The returned
// function removes the subscription.
func (c *Container[S]) Subscribe(fn func(S)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Reset drops every subscriber and restores the pristine value.
func (c *Container[S]) Reset() {
	c.mu.Lock()
	c.value = c.initial()
	c.listeners = make(map[int]func(S))
	c.mu.Unlock()
}

func (c *Container[S]) snapshotListeners() []func(S) {
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	// notify in subscription order
	slices.Sort(ids)
	out := make([]func(S), len(ids))
	for i, id := range ids {
		out[i] = c.listeners[id]
	}
	return out
}
