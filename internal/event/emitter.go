// Package event provides the pub/sub fan-out used to surface pipeline
// lifecycle notifications to external observers. Emitters are scoped by an
// opaque handle (typically the front-end connection id); an empty or unknown
// handle falls back to a process-wide default scope.
package event

import (
	"fmt"
	"path"
	"strings"
	"sync"
)

// Callback receives the concrete event name and its payload.
type Callback func(name string, data any)

type listener struct {
	pattern  string
	callback Callback
	once     bool
}

// Emitter fans events out to listeners whose subscription pattern
// glob-matches the event name.
type Emitter struct {
	mu        sync.Mutex
	listeners []listener
}

// On subscribes a callback for every event matching pattern. Patterns use
// path.Match globs; "*" subscribes to everything.
func (e *Emitter) On(pattern string, cb Callback) {
	e.subscribe(pattern, cb, false)
}

// Once subscribes a callback that is removed after its first invocation.
func (e *Emitter) Once(pattern string, cb Callback) {
	e.subscribe(pattern, cb, true)
}

func (e *Emitter) subscribe(pattern string, cb Callback, once bool) {
	if pattern == "" {
		panic("event: subscription pattern cannot be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener{pattern: pattern, callback: cb, once: once})
}

// Emit invokes every listener whose pattern matches name. Wildcard characters
// are permitted only in subscription patterns, never in event names.
func (e *Emitter) Emit(name string, data any) error {
	if name == "" {
		return fmt.Errorf("event: name cannot be empty")
	}
	if strings.ContainsAny(name, "*?[") {
		return fmt.Errorf("event: name %q must not contain wildcard characters", name)
	}

	e.mu.Lock()
	matched := make([]listener, 0, len(e.listeners))
	kept := e.listeners[:0]
	for _, l := range e.listeners {
		ok, err := path.Match(l.pattern, name)
		if err != nil {
			// Malformed pattern: drop the listener rather than blocking
			// every future emit.
			continue
		}
		if ok {
			matched = append(matched, l)
			if l.once {
				continue
			}
		}
		kept = append(kept, l)
	}
	e.listeners = kept
	e.mu.Unlock()

	for _, l := range matched {
		l.callback(name, data)
	}
	return nil
}

// Len reports the number of live listeners.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Registry maps scope handles to emitters.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Emitter
	fallback  *Emitter
}

// NewRegistry creates an empty registry with a default scope.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Emitter),
		fallback:  &Emitter{},
	}
}

// Get returns the emitter for the handle, creating it on first use. An empty
// handle returns the process-wide default scope.
func (r *Registry) Get(handle string) *Emitter {
	if handle == "" {
		return r.fallback
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	em, ok := r.instances[handle]
	if !ok {
		em = &Emitter{}
		r.instances[handle] = em
	}
	return em
}

// Remove drops the emitter for the handle together with its subscriptions.
func (r *Registry) Remove(handle string) {
	if handle == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, handle)
}
