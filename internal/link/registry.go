// Package link tracks active VXI-11 links, grounded on
// original_source/link_manager.py. The Python original hands out link
// IDs from an unbounded counter; spec.md §3 requires a 32-bit
// monotonic allocator that wraps around and checks for collisions
// against still-active links, since a long-lived gateway will
// eventually wrap a 32-bit counter.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/vxi11-gateway/internal/device"
)

// Link is an active binding between a VXI-11 client and a configured
// device's adapter instance.
type Link struct {
	ID         uint32
	DeviceName string
	Adapter    device.Adapter
	ConnID     string
	HasLock    bool
	CreatedAt  time.Time
}

// NotFoundError is returned by Get/Destroy for an unknown link ID.
type NotFoundError struct {
	ID uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("link %d does not exist", e.ID)
}

// ExhaustedError is returned when all 2^32-1 link IDs are in use, which
// in practice only happens under a pathological test that never
// destroys a link.
type ExhaustedError struct{}

func (e *ExhaustedError) Error() string { return "link identifier space exhausted" }

// Registry allocates and owns Link instances. Zero value is not usable;
// construct with New.
type Registry struct {
	mu     sync.Mutex
	nextID uint32
	links  map[uint32]*Link
}

// New returns an empty Registry. IDs start at 1; 0 is never issued so it
// can serve as a sentinel "no link" value.
func New() *Registry {
	return &Registry{nextID: 0, links: make(map[uint32]*Link)}
}

// Create allocates a new Link bound to adapter and registers it.
func (r *Registry) Create(deviceName string, adapter device.Adapter, connID string) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.allocateLocked()
	if err != nil {
		return nil, err
	}
	l := &Link{ID: id, DeviceName: deviceName, Adapter: adapter, ConnID: connID, CreatedAt: time.Now()}
	r.links[id] = l
	return l, nil
}

// allocateLocked must be called with r.mu held. It walks the 32-bit
// space starting just past the last-issued ID, wrapping past the
// reserved 0 value, and returns an *ExhaustedError only if every ID is
// currently occupied by a live link.
func (r *Registry) allocateLocked() (uint32, error) {
	start := r.nextID
	for {
		r.nextID++
		if r.nextID == 0 {
			r.nextID = 1
		}
		if _, exists := r.links[r.nextID]; !exists {
			return r.nextID, nil
		}
		if r.nextID == start {
			return 0, &ExhaustedError{}
		}
	}
}

// Destroy removes the link and disconnects its adapter.
func (r *Registry) Destroy(ctx context.Context, id uint32) error {
	r.mu.Lock()
	l, ok := r.links[id]
	if ok {
		delete(r.links, id)
	}
	r.mu.Unlock()

	if !ok {
		return &NotFoundError{ID: id}
	}
	return l.Adapter.Disconnect(ctx)
}

// Get returns the link for id.
func (r *Registry) Get(id uint32) (*Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return l, nil
}

// FindByDevice returns every link currently bound to deviceName.
func (r *Registry) FindByDevice(deviceName string) []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Link
	for _, l := range r.links {
		if l.DeviceName == deviceName {
			out = append(out, l)
		}
	}
	return out
}

// FindByConn returns every link created on connID, used to tear down all
// of a connection's links when it closes (spec.md §5).
func (r *Registry) FindByConn(connID string) []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Link
	for _, l := range r.links {
		if l.ConnID == connID {
			out = append(out, l)
		}
	}
	return out
}

// Active returns a snapshot of every currently open link.
func (r *Registry) Active() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}
