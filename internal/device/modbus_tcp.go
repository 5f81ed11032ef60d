package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/mapping"
)

// ModbusTCPConfig configures a ModbusTCP adapter (spec.md §4.4).
type ModbusTCPConfig struct {
	Host           string         `mapstructure:"host"`
	Port           int            `mapstructure:"port"`
	UnitID         uint8          `mapstructure:"unit_id"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	IOTimeout      time.Duration  `mapstructure:"io_timeout"`
	Mappings       []mapping.Rule `mapstructure:"-"`
	RequiresLock   bool           `mapstructure:"requires_lock"`
}

// ModbusTCP translates SCPI-style ASCII commands into MODBUS/TCP
// requests using the command mapping engine. Grounded on
// original_source/adapters/modbus_tcp.py.
type ModbusTCP struct {
	cfg    ModbusTCPConfig
	engine *mapping.Engine
	log    zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	txID   uint16
	buffer string
}

// NewModbusTCP constructs a ModbusTCP adapter.
func NewModbusTCP(cfg ModbusTCPConfig, log zerolog.Logger) (*ModbusTCP, error) {
	eng, err := mapping.Compile(cfg.Mappings)
	if err != nil {
		return nil, err
	}
	return &ModbusTCP{
		cfg:    cfg,
		engine: eng,
		log:    log.With().Str("adapter", fmt.Sprintf("modbus-tcp-%s:%d", cfg.Host, cfg.Port)).Logger(),
	}, nil
}

func (a *ModbusTCP) RequiresLock() bool { return a.cfg.RequiresLock }

func (a *ModbusTCP) Connect(ctx context.Context) error    { return nil }
func (a *ModbusTCP) Disconnect(ctx context.Context) error { a.Release(); return nil }

func (a *ModbusTCP) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: a.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a.cfg.Host, portStr(a.cfg.Port)))
	if err != nil {
		return fmt.Errorf("modbus-tcp: connect to %s:%d: %w", a.cfg.Host, a.cfg.Port, err)
	}
	a.conn = conn
	return nil
}

func (a *ModbusTCP) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *ModbusTCP) nextTransactionID() uint16 {
	a.txID++
	return a.txID
}

// sendRequest builds the MBAP header, sends pdu, and returns the
// response PDU. Only one outstanding request per connection, per
// spec.md §4.4's MODBUS-TCP single-transaction invariant.
func (a *ModbusTCP) sendRequest(ctx context.Context, pdu []byte) ([]byte, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("modbus-tcp: socket not connected")
	}

	tid := a.nextTransactionID()
	mbap := make([]byte, 7)
	binary.BigEndian.PutUint16(mbap[0:2], tid)
	binary.BigEndian.PutUint16(mbap[2:4], 0)
	binary.BigEndian.PutUint16(mbap[4:6], uint16(1+len(pdu)))
	mbap[6] = a.cfg.UnitID

	if a.cfg.IOTimeout > 0 {
		deadline := time.Now().Add(a.cfg.IOTimeout)
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if _, err := conn.Write(append(mbap, pdu...)); err != nil {
		a.Release()
		return nil, fmt.Errorf("modbus-tcp: write failed: %w", err)
	}

	header := make([]byte, 7)
	if _, err := readFull(conn, header); err != nil {
		a.Release()
		return nil, fmt.Errorf("modbus-tcp: read MBAP header: %w", err)
	}
	recvTID := binary.BigEndian.Uint16(header[0:2])
	recvPID := binary.BigEndian.Uint16(header[2:4])
	recvLen := binary.BigEndian.Uint16(header[4:6])
	if recvTID != tid {
		return nil, fmt.Errorf("modbus-tcp: transaction id mismatch: sent %d got %d", tid, recvTID)
	}
	if recvPID != 0 {
		return nil, fmt.Errorf("modbus-tcp: invalid protocol id %d", recvPID)
	}
	pduLen := int(recvLen) - 1
	if pduLen <= 0 {
		return nil, fmt.Errorf("modbus-tcp: invalid response length %d", recvLen)
	}
	respPDU := make([]byte, pduLen)
	if _, err := readFull(conn, respPDU); err != nil {
		a.Release()
		return nil, fmt.Errorf("modbus-tcp: read response pdu: %w", err)
	}
	return respPDU, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (a *ModbusTCP) Write(ctx context.Context, data []byte) (int, error) {
	command := strings.TrimSpace(string(data))

	if resp, ok := a.engine.StaticResponse(command); ok {
		a.mu.Lock()
		a.buffer = resp
		a.mu.Unlock()
		return len(data), nil
	}

	action, err := a.engine.Translate(command)
	if err != nil {
		return 0, fmt.Errorf("modbus-tcp: %w", err)
	}

	pdu, err := buildRequestPDU(action)
	if err != nil {
		return 0, fmt.Errorf("modbus-tcp: %w", err)
	}
	respPDU, err := a.sendRequest(ctx, pdu)
	if err != nil {
		return 0, err
	}
	result, err := decodeResponsePDU(action, respPDU)
	if err != nil {
		return 0, fmt.Errorf("modbus-tcp: %w", err)
	}

	a.mu.Lock()
	switch action.FunctionCode {
	case mapping.FCReadHoldingRegisters, mapping.FCReadInputRegisters:
		a.buffer = mapping.FormatRegisterResult(result, action.ResponseScale)
	case mapping.FCReadCoils, mapping.FCReadDiscreteInputs:
		// result is already the newline-terminated bit string FormatBits
		// built inside decodeResponsePDU.
		a.buffer, _ = result.(string)
	default:
		a.buffer = ""
	}
	a.mu.Unlock()

	return len(data), nil
}

func (a *ModbusTCP) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	a.mu.Lock()
	resp := a.buffer
	a.buffer = ""
	a.mu.Unlock()
	if len(resp) > maxBytes && maxBytes > 0 {
		resp = resp[:maxBytes]
	}
	return []byte(resp), ReasonEndOfMessage, nil
}
