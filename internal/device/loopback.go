package device

import (
	"context"
	"sync"
)

// LoopbackConfig configures a Loopback adapter.
type LoopbackConfig struct {
	RequiresLockOpt *bool `mapstructure:"requires_lock"`
}

// Loopback echoes every write back to the next read, used for
// transport-level tests (spec.md §4.4). Grounded on
// original_source/adapters/loopback.py; the Go port replaces the
// asyncio.Event wait with a channel that Write closes so Read can still
// respect ctx's deadline.
type Loopback struct {
	cfg LoopbackConfig

	mu      sync.Mutex
	buf     [][]byte
	ready   chan struct{}
	readyMu sync.Mutex
}

// NewLoopback returns a Loopback adapter. requires_lock defaults to false
// (spec.md §3): a loopback device has no backing resource to serialize
// access to, so concurrent links are allowed unless a config explicitly
// opts in to exclusive locking.
func NewLoopback(cfg LoopbackConfig) *Loopback {
	return &Loopback{cfg: cfg}
}

func (l *Loopback) Connect(ctx context.Context) error    { return nil }
func (l *Loopback) Disconnect(ctx context.Context) error { return nil }
func (l *Loopback) Acquire(ctx context.Context) error    { return nil }
func (l *Loopback) Release()                             {}

func (l *Loopback) RequiresLock() bool {
	if l.cfg.RequiresLockOpt != nil {
		return *l.cfg.RequiresLockOpt
	}
	return false
}

func (l *Loopback) Write(ctx context.Context, data []byte) (int, error) {
	l.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	l.buf = append(l.buf, cp)
	l.mu.Unlock()
	l.signal()
	return len(data), nil
}

func (l *Loopback) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	for {
		l.mu.Lock()
		if len(l.buf) > 0 {
			out := l.drain(maxBytes)
			l.mu.Unlock()
			return out, ReasonEndOfMessage, nil
		}
		ready := l.waitChan()
		l.mu.Unlock()

		select {
		case <-ready:
			continue
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// drain must be called with l.mu held.
func (l *Loopback) drain(maxBytes int) []byte {
	var out []byte
	remaining := maxBytes
	for len(l.buf) > 0 && remaining > 0 {
		chunk := l.buf[0]
		if len(chunk) <= remaining {
			out = append(out, chunk...)
			remaining -= len(chunk)
			l.buf = l.buf[1:]
		} else {
			out = append(out, chunk[:remaining]...)
			l.buf[0] = chunk[remaining:]
			remaining = 0
		}
	}
	return out
}

func (l *Loopback) waitChan() chan struct{} {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	if l.ready == nil {
		l.ready = make(chan struct{})
	}
	return l.ready
}

func (l *Loopback) signal() {
	l.readyMu.Lock()
	defer l.readyMu.Unlock()
	if l.ready != nil {
		close(l.ready)
		l.ready = nil
	}
}
