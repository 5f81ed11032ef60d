package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	npserial "github.com/npat-efault/serial"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/device/serial"
	"github.com/nexus-edge/vxi11-gateway/internal/mapping"
)

// frameCodec encodes a request PDU into an on-the-wire frame and decodes
// a response frame back into a PDU, for one serial encoding (RTU or
// ASCII). Grounded on modbus_rtu.py / modbus_ascii.py sharing
// modbus_serial_base.py's adapter skeleton.
type frameCodec interface {
	encode(unitID byte, pdu []byte) []byte
	readResponse(h *npserial.Port, unitID byte, timeout time.Duration) ([]byte, error)
}

// ModbusSerialConfig configures a MODBUS-RTU or MODBUS-ASCII adapter.
type ModbusSerialConfig struct {
	Port         string         `mapstructure:"port"`
	Baudrate     int            `mapstructure:"baudrate"`
	DataBits     int            `mapstructure:"data_bits"`
	Parity       string         `mapstructure:"parity"`
	StopBits     int            `mapstructure:"stop_bits"`
	UnitID       uint8          `mapstructure:"unit_id"`
	Timeout      time.Duration  `mapstructure:"timeout"`
	Mappings     []mapping.Rule `mapstructure:"-"`
	RequiresLock bool           `mapstructure:"requires_lock"`
}

// modbusSerial is the shared implementation behind ModbusRTU and
// ModbusASCII; only the frameCodec differs between the two encodings,
// matching modbus_serial_base.py's ABC/subclass split.
type modbusSerial struct {
	cfg   ModbusSerialConfig
	codec frameCodec
	engine *mapping.Engine
	log   zerolog.Logger

	mu     sync.Mutex
	shared *serial.Port
	buffer string
}

func newModbusSerial(cfg ModbusSerialConfig, codec frameCodec, log zerolog.Logger) (*modbusSerial, error) {
	eng, err := mapping.Compile(cfg.Mappings)
	if err != nil {
		return nil, err
	}
	return &modbusSerial{cfg: cfg, codec: codec, engine: eng, log: log}, nil
}

// RequiresLock reports the configured requires_lock value, false unless
// set: arbitration across unit IDs sharing a bus is handled by the serial
// port's transaction lock, not the VXI-11 device lock, matching
// modbus_serial_base.py.
func (a *modbusSerial) RequiresLock() bool { return a.cfg.RequiresLock }

func (a *modbusSerial) Connect(ctx context.Context) error {
	p, err := serial.Attach(serial.Config{
		Path:        a.cfg.Port,
		Baudrate:    a.cfg.Baudrate,
		DataBits:    a.cfg.DataBits,
		Parity:      a.cfg.Parity,
		StopBits:    a.cfg.StopBits,
		ReadTimeout: a.cfg.Timeout,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.shared = p
	a.mu.Unlock()
	return nil
}

func (a *modbusSerial) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	p := a.shared
	a.shared = nil
	a.buffer = ""
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Detach()
}

func (a *modbusSerial) Acquire(ctx context.Context) error { return nil }
func (a *modbusSerial) Release()                          {}

func (a *modbusSerial) Write(ctx context.Context, data []byte) (int, error) {
	command := strings.TrimSpace(string(data))

	if resp, ok := a.engine.StaticResponse(command); ok {
		a.mu.Lock()
		a.buffer = resp
		a.mu.Unlock()
		return len(data), nil
	}

	action, err := a.engine.Translate(command)
	if err != nil {
		return 0, fmt.Errorf("modbus-serial: %w", err)
	}

	pdu, err := buildRequestPDU(action)
	if err != nil {
		return 0, fmt.Errorf("modbus-serial: %w", err)
	}

	a.mu.Lock()
	shared := a.shared
	a.mu.Unlock()
	if shared == nil {
		return 0, fmt.Errorf("modbus-serial: port not connected")
	}

	var respPDU []byte
	err = shared.Transaction(func(h *npserial.Port) error {
		frame := a.codec.encode(a.cfg.UnitID, pdu)
		if _, werr := h.Write(frame); werr != nil {
			return fmt.Errorf("write failed: %w", werr)
		}
		rpdu, rerr := a.codec.readResponse(h, a.cfg.UnitID, a.cfg.Timeout)
		if rerr != nil {
			return rerr
		}
		respPDU = rpdu
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("modbus-serial: %w", err)
	}

	result, err := decodeResponsePDU(action, respPDU)
	if err != nil {
		return 0, fmt.Errorf("modbus-serial: %w", err)
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

func (a *modbusSerial) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	a.mu.Lock()
	resp := a.buffer
	a.buffer = ""
	a.mu.Unlock()
	if len(resp) > maxBytes && maxBytes > 0 {
		resp = resp[:maxBytes]
	}
	return []byte(resp), ReasonEndOfMessage, nil
}
