package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrHostExists is returned when registering a name twice.
var ErrHostExists = errors.New("host: already registered")

// Registry holds the running hosts of the process. Hosts are registered by the supervisor at
// startup and leave it explicitly, either through Unregister or Close.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
	order []string
}

func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*Host)}
}

// Register adds h under its name.
func (r *Registry) Register(h *Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[h.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrHostExists, h.Name())
	}
	r.hosts[h.Name()] = h
	r.order = append(r.order, h.Name())
	return nil
}

// Get returns the host registered under name.
func (r *Registry) Get(name string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	return h, ok
}

// Hosts returns every registered host in registration order.
func (r *Registry) Hosts() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Host, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.hosts[name])
	}
	return out
}

// Unregister removes name and returns the host so the caller can close it.
func (r *Registry) Unregister(name string) (*Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[name]
	if !ok {
		return nil, false
	}
	delete(r.hosts, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return h, true
}

// Close unregisters and closes every host, newest first, and joins their errors.
func (r *Registry) Close(ctx context.Context) error {
	hosts := r.Hosts()
	var errs []error
	for i := len(hosts) - 1; i >= 0; i-- {
		h := hosts[i]
		r.Unregister(h.Name())
		if err := h.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close host %s: %w", h.Name(), err))
		}
	}
	return errors.Join(errs...)
}
