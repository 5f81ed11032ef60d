// Package resource implements exclusive access control over shared
// backend devices, grounded on original_source/resource_manager.py.
// Distinct from the per-serial-port arbiter in internal/device/serial:
// this lock models the VXI-11 DEVICE_LOCK/DEVICE_UNLOCK semantics of
// spec.md §4.6, one lock per configured device name, owned by a link-id.
package resource

import (
	"context"
	"fmt"
	"sync"
)

// LockedError is returned when a lock request times out or ctx expires
// while waiting in the FIFO queue.
type LockedError struct {
	Device string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("timed out waiting for lock on device %q", e.Device)
}

// OwnershipError is returned when a link attempts to unlock a device it
// does not own.
type OwnershipError struct {
	Device string
	Owner  uint32
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("link %d does not own the lock for device %q", e.Owner, e.Device)
}

type deviceLock struct {
	mu      sync.Mutex
	held    bool
	owner   uint32
	waiters []chan struct{}
}

// Manager owns one deviceLock per device name, created lazily. Its
// zero value is ready to use.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

// New returns a ready-to-use Manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*deviceLock)}
}

func (m *Manager) entry(device string) *deviceLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.locks[device]
	if !ok {
		dl = &deviceLock{}
		m.locks[device] = dl
	}
	return dl
}

// Lock acquires the exclusive lock for device on behalf of owner,
// blocking in FIFO order behind any earlier waiters until ctx is
// cancelled or the lock becomes free. Re-entrant: a link that already
// holds the lock may call Lock again without blocking, matching
// resource_manager.py's re-entrant acquisition.
func (m *Manager) Lock(ctx context.Context, device string, owner uint32) error {
	dl := m.entry(device)

	dl.mu.Lock()
	if dl.held && dl.owner == owner {
		dl.mu.Unlock()
		return nil
	}
	if !dl.held {
		dl.held = true
		dl.owner = owner
		dl.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	dl.waiters = append(dl.waiters, ticket)
	dl.mu.Unlock()

	select {
	case <-ticket:
		dl.mu.Lock()
		dl.owner = owner
		dl.mu.Unlock()
		return nil
	case <-ctx.Done():
		// ticket may have been closed by a concurrent releaseLocked
		// right as ctx expired; a closed channel always receives
		// immediately, so this check is race-free without dl.mu.
		select {
		case <-ticket:
			dl.mu.Lock()
			dl.owner = owner
			dl.mu.Unlock()
			return nil
		default:
		}

		dl.mu.Lock()
		found := false
		for i, w := range dl.waiters {
			if w == ticket {
				dl.waiters = append(dl.waiters[:i], dl.waiters[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			// releaseLocked already dequeued and closed our ticket,
			// handing us the lock, but we're declining it. Pass it
			// on to the next waiter so the device isn't left held
			// with no live owner.
			_ = dl.releaseLocked()
		}
		dl.mu.Unlock()
		return &LockedError{Device: device}
	}
}

// Unlock releases the lock held by owner. If another link is waiting,
// ownership transfers to it (the woken waiter sets dl.owner itself).
func (m *Manager) Unlock(device string, owner uint32) error {
	dl := m.entry(device)
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if !dl.held || dl.owner != owner {
		return &OwnershipError{Device: device, Owner: owner}
	}
	return dl.releaseLocked()
}

// ForceUnlock releases the lock regardless of current owner, used when a
// link is destroyed or a connection is torn down while still holding a
// device lock (spec.md §5, "On client disconnect").
func (m *Manager) ForceUnlock(device string) {
	dl := m.entry(device)
	dl.mu.Lock()
	defer dl.mu.Unlock()
	_ = dl.releaseLocked()
}

// releaseLocked must be called with dl.mu held. It hands the lock to the
// next FIFO waiter if one exists, otherwise marks the device free.
func (dl *deviceLock) releaseLocked() error {
	if len(dl.waiters) > 0 {
		next := dl.waiters[0]
		dl.waiters = dl.waiters[1:]
		close(next)
		return nil
	}
	dl.held = false
	dl.owner = 0
	return nil
}

// IsLocked reports whether device is currently held and by whom.
func (m *Manager) IsLocked(device string) (owner uint32, locked bool) {
	dl := m.entry(device)
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.owner, dl.held
}

// Status returns a snapshot of device -> owning link-id for every device
// the manager has an entry for (created by the first Lock, Unlock,
// ForceUnlock or IsLocked call naming it), mirroring resource_manager.py's status() and
// backing the GET /api/admin/locks endpoint (spec.md §7).
func (m *Manager) Status() map[string]*uint32 {
	m.mu.Lock()
	names := make([]string, 0, len(m.locks))
	entries := make([]*deviceLock, 0, len(m.locks))
	for name, dl := range m.locks {
		names = append(names, name)
		entries = append(entries, dl)
	}
	m.mu.Unlock()

	out := make(map[string]*uint32, len(names))
	for i, name := range names {
		dl := entries[i]
		dl.mu.Lock()
		if dl.held {
			owner := dl.owner
			out[name] = &owner
		} else {
			out[name] = nil
		}
		dl.mu.Unlock()
	}
	return out
}
