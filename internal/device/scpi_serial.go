package device

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	npserial "github.com/npat-efault/serial"
	"github.com/rs/zerolog"
)

// ScpiSerialConfig configures a ScpiSerial adapter (spec.md §4.4).
type ScpiSerialConfig struct {
	Port             string        `mapstructure:"port"`
	Baudrate         int           `mapstructure:"baudrate"`
	DataBits         int           `mapstructure:"data_bits"`
	Parity           string        `mapstructure:"parity"`
	StopBits         int           `mapstructure:"stop_bits"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WriteTermination []byte        `mapstructure:"write_termination"`
	ReadTermination  []byte        `mapstructure:"read_termination"`
}

// ScpiSerial forwards SCPI ASCII over a dedicated serial port, one line
// at a time. Unlike the MODBUS serial adapters it owns the port
// exclusively rather than sharing it through the bus arbiter, since a
// SCPI instrument is assumed to be the only device on its line.
// Grounded on original_source/adapters/scpi_serial.py.
type ScpiSerial struct {
	cfg ScpiSerialConfig
	log zerolog.Logger

	mu   sync.Mutex
	port *npserial.Port
}

// NewScpiSerial constructs a ScpiSerial adapter.
func NewScpiSerial(cfg ScpiSerialConfig, log zerolog.Logger) *ScpiSerial {
	return &ScpiSerial{cfg: cfg, log: log.With().Str("adapter", "scpi-serial-"+cfg.Port).Logger()}
}

// RequiresLock defaults to true: the Python original hard-codes
// requires_lock=True since a serial instrument generally serves one
// client session at a time.
func (a *ScpiSerial) RequiresLock() bool { return true }

func (a *ScpiSerial) Connect(ctx context.Context) error    { return nil }
func (a *ScpiSerial) Disconnect(ctx context.Context) error { a.Release(); return nil }

func (a *ScpiSerial) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port != nil {
		return nil
	}
	p, err := npserial.Open(a.cfg.Port)
	if err != nil {
		return fmt.Errorf("scpi-serial: open %s: %w", a.cfg.Port, err)
	}
	conf := npserial.Conf{
		Baudrate:    a.cfg.Baudrate,
		Size:        a.cfg.DataBits,
		Parity:      parityOf(a.cfg.Parity),
		Stopbits:    a.cfg.StopBits,
		ReadTimeout: a.cfg.Timeout,
	}
	if err := p.Conf(conf, npserial.ConfBaudrate, npserial.ConfSize, npserial.ConfParity, npserial.ConfStopbits); err != nil {
		_ = p.Close()
		return fmt.Errorf("scpi-serial: configure %s: %w", a.cfg.Port, err)
	}
	a.port = p
	return nil
}

func (a *ScpiSerial) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port != nil {
		_ = a.port.Close()
		a.port = nil
	}
}

func (a *ScpiSerial) Write(ctx context.Context, data []byte) (int, error) {
	a.mu.Lock()
	p := a.port
	a.mu.Unlock()
	if p == nil {
		return 0, fmt.Errorf("scpi-serial: port not connected")
	}

	payload := data
	if len(a.cfg.WriteTermination) > 0 && !bytes.HasSuffix(payload, a.cfg.WriteTermination) {
		payload = append(append([]byte{}, data...), a.cfg.WriteTermination...)
	}
	n, err := p.Write(payload)
	if err != nil {
		return 0, fmt.Errorf("scpi-serial: write failed: %w", err)
	}
	return n, nil
}

// Read reads byte-by-byte until the configured read terminator is seen,
// the target byte count is satisfied, or the port's read timeout
// elapses with no further data, matching scpi_serial.py's _do_read.
func (a *ScpiSerial) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	a.mu.Lock()
	p := a.port
	a.mu.Unlock()
	if p == nil {
		return nil, 0, fmt.Errorf("scpi-serial: port not connected")
	}

	target := maxBytes
	if target < 1 || target > 65536 {
		target = 65536
	}

	buf := make([]byte, 0, target)
	one := make([]byte, 1)
	for len(buf) < target {
		n, err := p.Read(one)
		if err != nil || n == 0 {
			break
		}
		buf = append(buf, one[0])
		if len(a.cfg.ReadTermination) > 0 && bytes.HasSuffix(buf, a.cfg.ReadTermination) {
			return buf, ReasonTermCharMatched | ReasonEndOfMessage, nil
		}
	}
	reason := ReadReason(0)
	if len(buf) >= target {
		reason |= ReasonRequestSizeSatisfied
	}
	return buf, reason, nil
}
