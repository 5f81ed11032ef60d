// Package engine implements rpc.CoreHandler: the VXI-11 DEVICE_CORE and
// DEVICE_ASYNC procedure semantics, binding the link registry, the
// resource manager, and backend adapters together. Grounded on
// original_source/server.py's Vxi11CoreServer handle_NN methods.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/device"
	"github.com/nexus-edge/vxi11-gateway/internal/link"
	"github.com/nexus-edge/vxi11-gateway/internal/metrics"
	"github.com/nexus-edge/vxi11-gateway/internal/resource"
	"github.com/nexus-edge/vxi11-gateway/internal/rpc"
	"github.com/nexus-edge/vxi11-gateway/internal/vxierr"
	"github.com/nexus-edge/vxi11-gateway/pkg/logging"
)

// AdapterBuilder constructs a fresh adapter instance for one link. A new
// instance is built per CREATE_LINK, matching the Python original's
// AdapterFactory.build — exclusivity is enforced by the resource manager,
// not by sharing one adapter object across links.
type AdapterBuilder func() (device.Adapter, error)

const defaultMaxRecvSize = 1024 * 1024

// Engine implements rpc.CoreHandler.
type Engine struct {
	buildersMu  sync.RWMutex
	builders    map[string]AdapterBuilder
	links       *link.Registry
	resources   *resource.Manager
	maxRecvSize uint32
	log         zerolog.Logger
	metrics     *metrics.Registry
}

// New returns an Engine that resolves device names through builders.
func New(builders map[string]AdapterBuilder, log zerolog.Logger) *Engine {
	return &Engine{
		builders:    builders,
		links:       link.New(),
		resources:   resource.New(),
		maxRecvSize: defaultMaxRecvSize,
		log:         log,
	}
}

// Resources exposes the resource manager for the management REST API's
// GET /api/admin/locks endpoint.
func (e *Engine) Resources() *resource.Manager { return e.resources }

// SetMetrics attaches a metrics registry. Left nil, the engine runs
// without recording metrics, which tests rely on to avoid a global
// Prometheus registry collision across package test runs.
func (e *Engine) SetMetrics(m *metrics.Registry) { e.metrics = m }

// SetBuilders atomically swaps the device-name-to-adapter-builder table,
// used by the management REST API's POST /api/reload to pick up an
// edited devices document without reopening the VXI-11 TCP listener or
// disturbing links already open against unaffected devices.
func (e *Engine) SetBuilders(builders map[string]AdapterBuilder) {
	e.buildersMu.Lock()
	e.builders = builders
	e.buildersMu.Unlock()
}

func (e *Engine) builder(device string) (AdapterBuilder, bool) {
	e.buildersMu.RLock()
	defer e.buildersMu.RUnlock()
	b, ok := e.builders[device]
	return b, ok
}

func lockTimeoutCtx(parent context.Context, ms uint32) (context.Context, context.CancelFunc) {
	if ms == 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(ms)*time.Millisecond)
}

// lockWaitCtx honors DEVICE_LOCK's waitlock flag (spec.md §4.6, §5: "Lock
// acquisition is FIFO among waiters that supply the wait flag; non-waiters
// fail immediately"). Without the flag, the returned context is already
// expired so resource.Manager.Lock reports failure without blocking.
func lockWaitCtx(parent context.Context, wait bool, ms uint32) (context.Context, context.CancelFunc) {
	if !wait {
		return context.WithDeadline(parent, time.Now())
	}
	return lockTimeoutCtx(parent, ms)
}

func ioTimeoutCtx(parent context.Context, ms uint32) (context.Context, context.CancelFunc) {
	if ms == 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(ms)*time.Millisecond)
}

// CreateLink resolves p.Device, builds a fresh adapter, registers a Link,
// and optionally takes the device lock up front when LockDevice is set.
func (e *Engine) CreateLink(ctx context.Context, p rpc.CreateLinkParms) rpc.CreateLinkResp {
	connID := rpc.ConnIDFromContext(ctx)
	e.log.Info().Int32("client_id", p.ClientID).Str("device", p.Device).Msg("create_link")

	build, ok := e.builder(p.Device)
	if !ok {
		e.log.Warn().Str("device", p.Device).Msg("create_link: unknown device")
		e.recordLinkCreated(p.Device, false)
		return rpc.CreateLinkResp{Error: int32(vxierr.DeviceNotAccessible)}
	}

	adapter, err := build()
	if err != nil {
		e.log.Error().Err(err).Str("device", p.Device).Msg("create_link: adapter construction failed")
		e.recordLinkCreated(p.Device, false)
		return rpc.CreateLinkResp{Error: int32(vxierr.OutOfResources)}
	}
	if err := adapter.Connect(ctx); err != nil {
		e.log.Error().Err(err).Str("device", p.Device).Msg("create_link: adapter connect failed")
		e.recordLinkCreated(p.Device, false)
		return rpc.CreateLinkResp{Error: int32(vxierr.OutOfResources)}
	}

	l, err := e.links.Create(p.Device, adapter, connID)
	if err != nil {
		e.log.Error().Err(err).Msg("create_link: link allocation failed")
		e.recordLinkCreated(p.Device, false)
		return rpc.CreateLinkResp{Error: int32(vxierr.OutOfResources)}
	}

	if p.LockDevice {
		lctx, cancel := lockTimeoutCtx(ctx, p.LockTimeoutMs)
		defer cancel()
		if err := e.resources.Lock(lctx, p.Device, uint32(l.ID)); err != nil {
			_ = e.links.Destroy(ctx, l.ID)
			e.log.Warn().Str("device", p.Device).Msg("create_link: device already locked")
			e.recordLinkCreated(p.Device, false)
			return rpc.CreateLinkResp{Error: int32(vxierr.DeviceLockedByAnotherLink)}
		}
		if err := adapter.Acquire(ctx); err != nil {
			_ = e.resources.Unlock(p.Device, uint32(l.ID))
			_ = e.links.Destroy(ctx, l.ID)
			e.log.Error().Err(err).Str("device", p.Device).Msg("create_link: adapter acquire failed")
			e.recordLinkCreated(p.Device, false)
			return rpc.CreateLinkResp{Error: int32(vxierr.OutOfResources)}
		}
		l.HasLock = true
	}

	e.recordLinkCreated(p.Device, true)
	e.updateActiveLinks()
	logging.WithLinkContext(e.log, l.ID, p.Device).Debug().Msg("link created")
	return rpc.CreateLinkResp{
		Error:       int32(vxierr.NoError),
		LinkID:      int32(l.ID),
		AbortPort:   0,
		MaxRecvSize: e.maxRecvSize,
	}
}

func (e *Engine) recordLinkCreated(device string, success bool) {
	if e.metrics != nil {
		e.metrics.RecordLinkCreated(device, success)
	}
}

func (e *Engine) updateActiveLinks() {
	if e.metrics != nil {
		e.metrics.UpdateActiveLinks(len(e.links.Active()))
	}
}

// ensureAccess implements spec.md §4.6's opportunistic implicit locking:
// a write/read against a lock-requiring adapter that this link does not
// yet hold transparently takes the lock instead of failing outright,
// matching the ordinary case of a single client driving one device
// (REDESIGN FLAGS — the Python original raises ERR_NO_LOCK_HELD_BY_THIS_LINK
// immediately instead).
func (e *Engine) ensureAccess(ctx context.Context, l *link.Link, lockTimeoutMs uint32) error {
	if !l.Adapter.RequiresLock() || l.HasLock {
		return nil
	}
	lctx, cancel := lockTimeoutCtx(ctx, lockTimeoutMs)
	defer cancel()
	if err := e.resources.Lock(lctx, l.DeviceName, l.ID); err != nil {
		return err
	}
	if err := l.Adapter.Acquire(ctx); err != nil {
		_ = e.resources.Unlock(l.DeviceName, l.ID)
		return err
	}
	l.HasLock = true
	return nil
}

// DeviceWrite writes data to the link's adapter, taking the lock
// implicitly first if required.
func (e *Engine) DeviceWrite(ctx context.Context, p rpc.DeviceWriteParms) rpc.DeviceWriteResp {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceWriteResp{Error: int32(vxierr.InvalidLinkIdentifier)}
	}

	if err := e.ensureAccess(ctx, l, p.LockTimeout); err != nil {
		var le *resource.LockedError
		if errors.As(err, &le) {
			return rpc.DeviceWriteResp{Error: int32(vxierr.DeviceLockedByAnotherLink)}
		}
		return rpc.DeviceWriteResp{Error: int32(vxierr.OutOfResources)}
	}

	start := time.Now()
	ictx, cancel := ioTimeoutCtx(ctx, p.IOTimeout)
	defer cancel()
	n, err := l.Adapter.Write(ictx, p.Data)
	if err != nil {
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			e.recordAdapterIO(l, start, n, 0, "timeout")
			return rpc.DeviceWriteResp{Error: int32(vxierr.IOTimeout)}
		}
		e.log.Error().Err(err).Int32("lid", p.LinkID).Msg("device_write failed")
		e.recordAdapterIO(l, start, n, 0, "io_error")
		return rpc.DeviceWriteResp{Error: int32(vxierr.IOError)}
	}
	e.recordAdapterIO(l, start, n, 0, "")
	return rpc.DeviceWriteResp{Error: int32(vxierr.NoError), Size: uint32(n)}
}

// DeviceRead reads from the link's adapter, taking the lock implicitly
// first if required.
func (e *Engine) DeviceRead(ctx context.Context, p rpc.DeviceReadParms) rpc.DeviceReadResp {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceReadResp{Error: int32(vxierr.InvalidLinkIdentifier)}
	}

	if err := e.ensureAccess(ctx, l, p.LockTimeout); err != nil {
		var le *resource.LockedError
		if errors.As(err, &le) {
			return rpc.DeviceReadResp{Error: int32(vxierr.DeviceLockedByAnotherLink)}
		}
		return rpc.DeviceReadResp{Error: int32(vxierr.OutOfResources)}
	}

	start := time.Now()
	ictx, cancel := ioTimeoutCtx(ctx, p.IOTimeout)
	defer cancel()
	data, reason, err := l.Adapter.Read(ictx, int(p.RequestSize))
	if err != nil {
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			e.recordAdapterIO(l, start, 0, len(data), "timeout")
			return rpc.DeviceReadResp{Error: int32(vxierr.IOTimeout)}
		}
		e.log.Error().Err(err).Int32("lid", p.LinkID).Msg("device_read failed")
		e.recordAdapterIO(l, start, 0, len(data), "io_error")
		return rpc.DeviceReadResp{Error: int32(vxierr.IOError)}
	}
	e.recordAdapterIO(l, start, 0, len(data), "")
	return rpc.DeviceReadResp{Error: int32(vxierr.NoError), Reason: uint32(reason), Data: data}
}

func (e *Engine) recordAdapterIO(l *link.Link, start time.Time, bytesWritten, bytesRead int, errorType string) {
	if e.metrics != nil {
		e.metrics.RecordAdapterIO(l.DeviceName, fmt.Sprintf("%T", l.Adapter), time.Since(start).Seconds(), bytesWritten, bytesRead, errorType)
	}
}

// DeviceReadStb reads the status byte via the adapter's Optional
// interface. Adapters that don't implement it report a constant zero
// status byte with NO_ERROR rather than OperationNotSupported, per
// spec.md §4.7 and §9: an error 8 here would break common clients that
// poll STB unconditionally.
func (e *Engine) DeviceReadStb(ctx context.Context, p rpc.DeviceGenericParms) rpc.DeviceReadStbResp {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceReadStbResp{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	opt, ok := l.Adapter.(device.Optional)
	if !ok {
		return rpc.DeviceReadStbResp{Error: int32(vxierr.NoError), Stb: 0}
	}
	stb, err := opt.ReadSTB(ctx)
	if err != nil {
		return rpc.DeviceReadStbResp{Error: int32(vxierr.IOError)}
	}
	return rpc.DeviceReadStbResp{Error: int32(vxierr.NoError), Stb: stb}
}

// DeviceTrigger issues a trigger via the adapter's Optional interface.
// Adapters that don't implement it take no action and return NO_ERROR,
// per spec.md §4.7.
func (e *Engine) DeviceTrigger(ctx context.Context, p rpc.DeviceGenericParms) rpc.DeviceError {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	opt, ok := l.Adapter.(device.Optional)
	if !ok {
		return rpc.DeviceError{Error: int32(vxierr.NoError)}
	}
	if err := opt.Trigger(ctx); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.IOError)}
	}
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

// DeviceClear issues a clear via the adapter's Optional interface.
// Adapters that don't implement it take no action and return NO_ERROR,
// per spec.md §4.7.
func (e *Engine) DeviceClear(ctx context.Context, p rpc.DeviceGenericParms) rpc.DeviceError {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	opt, ok := l.Adapter.(device.Optional)
	if !ok {
		return rpc.DeviceError{Error: int32(vxierr.NoError)}
	}
	if err := opt.Clear(ctx); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.IOError)}
	}
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

// DeviceRemote and DeviceLocal have no adapter-visible effect in this
// façade (no instruments expose a front-panel to lock out); the Python
// original stubs them the same way, so NO_ERROR is returned unconditionally
// once the link is validated.
func (e *Engine) DeviceRemote(ctx context.Context, p rpc.DeviceGenericParms) rpc.DeviceError {
	if _, err := e.links.Get(uint32(p.LinkID)); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

func (e *Engine) DeviceLocal(ctx context.Context, p rpc.DeviceGenericParms) rpc.DeviceError {
	if _, err := e.links.Get(uint32(p.LinkID)); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

// DeviceLock takes the device's resource lock and opens the adapter.
func (e *Engine) DeviceLock(ctx context.Context, p rpc.DeviceLockParms) rpc.DeviceError {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}

	start := time.Now()
	lctx, cancel := lockWaitCtx(ctx, p.Flags&rpc.FlagWaitLock != 0, p.LockTimeout)
	defer cancel()
	if err := e.resources.Lock(lctx, l.DeviceName, l.ID); err != nil {
		e.recordLockWait(l.DeviceName, start, errors.Is(lctx.Err(), context.DeadlineExceeded))
		return rpc.DeviceError{Error: int32(vxierr.DeviceLockedByAnotherLink)}
	}
	if err := l.Adapter.Acquire(ctx); err != nil {
		_ = e.resources.Unlock(l.DeviceName, l.ID)
		e.log.Error().Err(err).Str("device", l.DeviceName).Msg("device_lock: adapter acquire failed")
		return rpc.DeviceError{Error: int32(vxierr.IOError)}
	}
	l.HasLock = true
	e.recordLockWait(l.DeviceName, start, false)
	e.updateLocksHeld()
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

func (e *Engine) recordLockWait(device string, start time.Time, timedOut bool) {
	if e.metrics != nil {
		e.metrics.RecordLockWait(device, time.Since(start).Seconds(), timedOut)
	}
}

func (e *Engine) updateLocksHeld() {
	if e.metrics == nil {
		return
	}
	held := 0
	for _, owner := range e.resources.Status() {
		if owner != nil {
			held++
		}
	}
	e.metrics.UpdateLocksHeld(held)
}

// DeviceUnlock releases the device's resource lock and closes the adapter.
func (e *Engine) DeviceUnlock(ctx context.Context, p rpc.DeviceLinkParms) rpc.DeviceError {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	if !l.HasLock {
		return rpc.DeviceError{Error: int32(vxierr.NoLockHeldByThisLink)}
	}
	if err := e.resources.Unlock(l.DeviceName, l.ID); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.NoLockHeldByThisLink)}
	}
	l.Adapter.Release()
	l.HasLock = false
	e.updateLocksHeld()
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

// DestroyLink tears down a link, force-releasing any held lock first.
func (e *Engine) DestroyLink(ctx context.Context, p rpc.DeviceLinkParms) rpc.DeviceError {
	l, err := e.links.Get(uint32(p.LinkID))
	if err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	if l.HasLock {
		e.resources.ForceUnlock(l.DeviceName)
		l.Adapter.Release()
		l.HasLock = false
		e.updateLocksHeld()
	}
	if err := e.links.Destroy(ctx, l.ID); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	e.recordLinkClosed(l)
	e.updateActiveLinks()
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

func (e *Engine) recordLinkClosed(l *link.Link) {
	if e.metrics != nil && !l.CreatedAt.IsZero() {
		e.metrics.RecordLinkClosed(time.Since(l.CreatedAt).Seconds())
	}
}

// DeviceAbort is DEVICE_ASYNC's only procedure. Adapters don't model an
// in-flight operation to cancel out-of-band (I/O is already bounded by
// the io_timeout deadline passed to Write/Read), so this validates the
// link and reports success, matching the Python original's absence of
// any DEVICE_ASYNC implementation.
func (e *Engine) DeviceAbort(ctx context.Context, p rpc.DeviceLinkParms) rpc.DeviceError {
	if _, err := e.links.Get(uint32(p.LinkID)); err != nil {
		return rpc.DeviceError{Error: int32(vxierr.InvalidLinkIdentifier)}
	}
	return rpc.DeviceError{Error: int32(vxierr.NoError)}
}

// ConnectionClosed tears down every link created on connID, releasing
// locks and adapters, matching spec.md §5's "On client disconnect" rule.
func (e *Engine) ConnectionClosed(connID string) {
	for _, l := range e.links.FindByConn(connID) {
		if l.HasLock {
			e.resources.ForceUnlock(l.DeviceName)
			l.Adapter.Release()
		}
		_ = e.links.Destroy(context.Background(), l.ID)
		e.recordLinkClosed(l)
	}
	e.updateLocksHeld()
	e.updateActiveLinks()
}
