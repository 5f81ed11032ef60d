// Package serial shares physical serial ports across adapters that
// multiplex an RS-485 bus (spec.md §4.4, "bus arbitration"). Grounded on
// original_source/serial_manager.py: a package-level registry keyed by
// normalized port path, refcounted attach/detach, one transaction lock
// per physical port held across a full request/response exchange.
package serial

import (
	"fmt"
	"sync"
	"time"

	npserial "github.com/npat-efault/serial"
)

// Config mirrors the comparable subset of serial_manager.py's open_kwargs:
// two adapters sharing a port must agree on these before they can share
// the same Port.
type Config struct {
	Path        string
	Baudrate    int
	DataBits    int
	Parity      string // "N", "E", "O"
	StopBits    int
	ReadTimeout time.Duration
}

func (c Config) normalizedPath() string {
	return c.Path
}

func (c Config) matches(o Config) bool {
	return c.Baudrate == o.Baudrate &&
		c.DataBits == o.DataBits &&
		c.Parity == o.Parity &&
		c.StopBits == o.StopBits
}

// Port is the shared physical serial port. Adapters obtain one via Attach
// and must call Detach exactly once when done. A Port's Transaction call
// holds its transaction lock for one request/response exchange on the
// wire; that lock is distinct
// from and nested inside the VXI-11 device lock (spec.md §4.4).
type Port struct {
	cfg    Config
	txLock sync.Mutex

	mu      sync.Mutex
	handle  *npserial.Port
	refs    int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Port{}
)

// Attach returns the shared Port for cfg.Path, creating it on first use.
// Returns an error if the port is already attached with incompatible
// settings, matching serial_manager.py's _validate_settings guard.
func Attach(cfg Config) (*Port, error) {
	key := cfg.normalizedPath()

	registryMu.Lock()
	defer registryMu.Unlock()

	p, ok := registry[key]
	if !ok {
		p = &Port{cfg: cfg}
		registry[key] = p
	} else if !p.cfg.matches(cfg) {
		return nil, fmt.Errorf("serial: port %s already open with incompatible settings", key)
	}
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
	return p, nil
}

// Detach releases this adapter's reference. When the last reference is
// dropped the port is closed and removed from the registry.
func (p *Port) Detach() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	p.mu.Lock()
	if p.refs > 0 {
		p.refs--
	}
	last := p.refs == 0
	p.mu.Unlock()

	if !last {
		return nil
	}
	delete(registry, p.cfg.normalizedPath())
	return p.close()
}

// Transaction serializes fn against every other adapter sharing this
// port, opening the underlying handle lazily on first use.
func (p *Port) Transaction(fn func(*npserial.Port) error) error {
	p.txLock.Lock()
	defer p.txLock.Unlock()

	h, err := p.ensureOpen()
	if err != nil {
		return err
	}
	return fn(h)
}

func (p *Port) ensureOpen() (*npserial.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return p.handle, nil
	}

	h, err := npserial.Open(p.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", p.cfg.Path, err)
	}
	conf := npserial.Conf{
		Baudrate:    p.cfg.Baudrate,
		Size:        p.cfg.DataBits,
		Parity:      parityOf(p.cfg.Parity),
		Stopbits:    p.cfg.StopBits,
		ReadTimeout: p.cfg.ReadTimeout,
	}
	if err := h.Conf(conf, npserial.ConfBaudrate, npserial.ConfSize, npserial.ConfParity, npserial.ConfStopbits); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("serial: configure %s: %w", p.cfg.Path, err)
	}
	p.handle = h
	return h, nil
}

func (p *Port) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	p.handle = nil
	return err
}

func parityOf(s string) npserial.Parity {
	switch s {
	case "E":
		return npserial.EvenParity
	case "O":
		return npserial.OddParity
	default:
		return npserial.NoParity
	}
}
