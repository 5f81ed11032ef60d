package resource_test

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-edge/vxi11-gateway/internal/resource"
)

func TestLockUnlock_Basic(t *testing.T) {
	m := resource.New()
	ctx := context.Background()

	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	owner, locked := m.IsLocked("dev1")
	if !locked || owner != 1 {
		t.Fatalf("expected dev1 locked by 1, got owner=%d locked=%v", owner, locked)
	}
	if err := m.Unlock("dev1", 1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, locked := m.IsLocked("dev1"); locked {
		t.Fatal("expected dev1 to be free after Unlock")
	}
}

func TestLock_ReEntrant(t *testing.T) {
	m := resource.New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("expected a re-entrant Lock by the same owner to succeed, got: %v", err)
	}
}

func TestUnlock_WrongOwnerRejected(t *testing.T) {
	m := resource.New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	err := m.Unlock("dev1", 2)
	if err == nil {
		t.Fatal("expected an ownership error unlocking with the wrong owner")
	}
	if _, ok := err.(*resource.OwnershipError); !ok {
		t.Errorf("expected *resource.OwnershipError, got %T", err)
	}
}

func TestUnlock_DeviceNotLocked(t *testing.T) {
	m := resource.New()
	if err := m.Unlock("dev1", 1); err == nil {
		t.Fatal("expected an error unlocking a device that was never locked")
	}
}

func TestForceUnlock_ReleasesRegardlessOfOwner(t *testing.T) {
	m := resource.New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.ForceUnlock("dev1")
	if _, locked := m.IsLocked("dev1"); locked {
		t.Fatal("expected dev1 to be free after ForceUnlock")
	}
}

func TestForceUnlock_OnUnlockedDeviceIsNoop(t *testing.T) {
	m := resource.New()
	m.ForceUnlock("never-locked")
	if _, locked := m.IsLocked("never-locked"); locked {
		t.Fatal("expected never-locked to remain free")
	}
}

func TestLock_BlocksUntilReleased(t *testing.T) {
	m := resource.New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := m.Lock(ctx, "dev1", 2); err != nil {
			t.Errorf("owner 2 Lock: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("owner 2 should not acquire the lock while owner 1 still holds it")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Unlock("dev1", 1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("owner 2 never acquired the lock after owner 1 released it")
	}
	owner, locked := m.IsLocked("dev1")
	if !locked || owner != 2 {
		t.Fatalf("expected dev1 locked by 2, got owner=%d locked=%v", owner, locked)
	}
}

func TestLock_FIFOOrdering(t *testing.T) {
	m := resource.New()
	ctx := context.Background()
	if err := m.Lock(ctx, "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	order := make(chan uint32, 2)
	ready := make(chan struct{}, 2)
	startSecond := make(chan struct{})

	go func() {
		ready <- struct{}{}
		if err := m.Lock(ctx, "dev1", 2); err == nil {
			order <- 2
			m.Unlock("dev1", 2)
		}
	}()
	<-ready
	// give the first waiter time to register itself before the second
	// tries to queue, so FIFO order is deterministic.
	time.Sleep(20 * time.Millisecond)
	close(startSecond)

	go func() {
		<-startSecond
		ready <- struct{}{}
		if err := m.Lock(ctx, "dev1", 3); err == nil {
			order <- 3
		}
	}()
	<-ready

	time.Sleep(20 * time.Millisecond)
	if err := m.Unlock("dev1", 1); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	first := <-order
	second := <-order
	if first != 2 || second != 3 {
		t.Errorf("expected FIFO order [2 3], got [%d %d]", first, second)
	}
}

func TestLock_ContextCancelledWhileWaiting(t *testing.T) {
	m := resource.New()
	if err := m.Lock(context.Background(), "dev1", 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := m.Lock(ctx, "dev1", 2)
	if err == nil {
		t.Fatal("expected an error when the context is cancelled while waiting for a lock")
	}
	if _, ok := err.(*resource.LockedError); !ok {
		t.Errorf("expected *resource.LockedError, got %T", err)
	}
}

func TestStatus_ReflectsLockState(t *testing.T) {
	m := resource.New()
	ctx := context.Background()

	if status := m.Status(); len(status) != 0 {
		t.Fatalf("expected an empty status map before any locks, got %v", status)
	}

	if err := m.Lock(ctx, "dev1", 7); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	status := m.Status()
	owner, ok := status["dev1"]
	if !ok || owner == nil || *owner != 7 {
		t.Fatalf("expected dev1 owned by 7, got %v", status)
	}

	if err := m.Unlock("dev1", 7); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	status = m.Status()
	owner, ok = status["dev1"]
	if !ok || owner != nil {
		t.Fatalf("expected dev1 present but nil (free) after unlock, got %v", status)
	}
}
