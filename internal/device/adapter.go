// Package device implements the adapter contract of spec.md §4.3 and the
// eight backend adapter kinds of spec.md §4.4.
package device

import "context"

// ReadReason is the bitmask returned by Adapter.Read, matching the VXI-11
// Device_ReadResp reason field (spec.md §4.3): bit 2 end-of-message, bit 1
// term-char matched, bit 0 request-size satisfied.
type ReadReason uint32

const (
	ReasonRequestSizeSatisfied ReadReason = 0x01
	ReasonTermCharMatched      ReadReason = 0x02
	ReasonEndOfMessage         ReadReason = 0x04
)

// Adapter is the uniform contract every backend implements (spec.md §4.3).
// Connect/Disconnect are metadata-only and never touch hardware; Acquire
// opens the physical resource and Release idempotently closes it — those
// two are the only points that touch the device, per spec.md §3's
// lifecycle invariant.
type Adapter interface {
	// Connect validates configuration. It must not perform I/O.
	Connect(ctx context.Context) error
	// Disconnect tears down any metadata-only state created by Connect.
	Disconnect(ctx context.Context) error
	// Acquire opens the physical resource. It may block on I/O and must
	// respect ctx's deadline. On failure the adapter remains closed.
	Acquire(ctx context.Context) error
	// Release idempotently closes the physical resource.
	Release()
	// Write sends data to the device and returns the number of bytes
	// accepted. Without a prior successful Acquire, an adapter either
	// fails the call or opens the resource on demand (ScpiTCP and
	// GenericRegex do the latter).
	Write(ctx context.Context, data []byte) (int, error)
	// Read reads up to maxBytes from the device's buffered output.
	Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error)
	// RequiresLock reports whether this adapter kind defaults to exclusive
	// VXI-11 locking (spec.md §3's per-kind default), possibly overridden
	// by device configuration.
	RequiresLock() bool
}

// Optional is implemented by adapters that support DEVICE_TRIGGER,
// DEVICE_CLEAR, or DEVICE_READSTB; adapters that don't implement it fall
// back to the core engine's NO_ERROR no-op per spec.md §4.7.
type Optional interface {
	Trigger(ctx context.Context) error
	Clear(ctx context.Context) error
	ReadSTB(ctx context.Context) (byte, error)
}
