package device

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ScpiTCPConfig configures a ScpiTCP adapter (spec.md §3/§4.4).
type ScpiTCPConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	IOTimeout        time.Duration `mapstructure:"io_timeout"`
	WriteTermination []byte        `mapstructure:"write_termination"`
	ReadTermination  []byte        `mapstructure:"read_termination"`
	TCPNoDelay       bool          `mapstructure:"tcp_no_delay"`
	Keepalive        bool          `mapstructure:"keepalive"`
	RequiresLockOpt  *bool         `mapstructure:"requires_lock"`
}

// ScpiTCP forwards line-terminated ASCII over a TCP socket. Grounded on
// original_source/adapters/scpi_tcp.py. Default requires_lock=false:
// multiple concurrent links are allowed, each holding its own socket
// (spec.md §4.4), so Acquire opens a fresh connection per adapter instance
// rather than sharing one across links.
type ScpiTCP struct {
	cfg ScpiTCPConfig
	log zerolog.Logger
	cb  *gobreaker.CircuitBreaker

	mu   sync.Mutex
	conn net.Conn
}

// NewScpiTCP constructs a ScpiTCP adapter. The circuit breaker isolates
// repeated dial failures to this device (writes are not routed through
// it), mirrored from the teacher's
// per-device breaker pattern in its connection pool.
func NewScpiTCP(cfg ScpiTCPConfig, log zerolog.Logger) *ScpiTCP {
	name := fmt.Sprintf("scpi-tcp-%s:%d", cfg.Host, cfg.Port)
	return &ScpiTCP{
		cfg: cfg,
		log: log.With().Str("adapter", name).Logger(),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		}),
	}
}

func (a *ScpiTCP) RequiresLock() bool {
	if a.cfg.RequiresLockOpt != nil {
		return *a.cfg.RequiresLockOpt
	}
	return false
}

func (a *ScpiTCP) Connect(ctx context.Context) error    { return nil }
func (a *ScpiTCP) Disconnect(ctx context.Context) error { a.Release(); return nil }

func (a *ScpiTCP) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		d := net.Dialer{Timeout: a.cfg.ConnectTimeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.cfg.Host, portStr(a.cfg.Port)))
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(a.cfg.TCPNoDelay)
			_ = tc.SetKeepAlive(a.cfg.Keepalive)
		}
		a.conn = conn
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("scpi-tcp: connect to %s:%d: %w", a.cfg.Host, a.cfg.Port, err)
	}
	return nil
}

func (a *ScpiTCP) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *ScpiTCP) Write(ctx context.Context, data []byte) (int, error) {
	if err := a.Acquire(ctx); err != nil {
		return 0, err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("scpi-tcp: socket not connected")
	}

	payload := data
	if len(a.cfg.WriteTermination) > 0 && !bytes.HasSuffix(payload, a.cfg.WriteTermination) {
		payload = append(append([]byte{}, data...), a.cfg.WriteTermination...)
	}
	if a.cfg.IOTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.IOTimeout))
	}
	if _, err := conn.Write(payload); err != nil {
		a.Release()
		return 0, fmt.Errorf("scpi-tcp: write failed: %w", err)
	}
	return len(payload), nil
}

func (a *ScpiTCP) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	if err := a.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil, 0, fmt.Errorf("scpi-tcp: socket not connected")
	}

	target := maxBytes
	if target < 1 {
		target = 1
	}
	if a.cfg.IOTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.cfg.IOTimeout))
	}

	buf := make([]byte, 0, target)
	chunk := make([]byte, 4096)
	for len(buf) < target {
		n, err := conn.Read(chunk[:min(len(chunk), target-len(buf))])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(a.cfg.ReadTermination) > 0 && bytes.HasSuffix(buf, a.cfg.ReadTermination) {
				return buf, ReasonTermCharMatched | ReasonEndOfMessage, nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				break
			}
			a.Release()
			return nil, 0, fmt.Errorf("scpi-tcp: read failed: %w", err)
		}
	}
	reason := ReadReason(0)
	if len(buf) >= target {
		reason |= ReasonRequestSizeSatisfied
	}
	return buf, reason, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}

func portStr(p int) string {
	return fmt.Sprintf("%d", p)
}
