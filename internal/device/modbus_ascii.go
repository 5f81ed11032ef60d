package device

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	npserial "github.com/npat-efault/serial"
	"github.com/rs/zerolog"
)

// NewModbusASCII constructs a MODBUS-ASCII serial adapter.
func NewModbusASCII(cfg ModbusSerialConfig, log zerolog.Logger) (*modbusSerial, error) {
	return newModbusSerial(cfg, asciiCodec{}, log)
}

type asciiCodec struct{}

func (asciiCodec) encode(unitID byte, pdu []byte) []byte {
	payload := append([]byte{unitID}, pdu...)
	checksum := lrcModbus(payload)
	full := append(payload, checksum)
	enc := strings.ToUpper(hex.EncodeToString(full))
	return []byte(":" + enc + "\r\n")
}

// readResponse reads one CRLF-terminated ASCII frame, grounded on
// modbus_ascii.py's _read_response/_parse_frame. A frame addressed to
// another unit ID is discarded and reading resumes for the next ':'.
func (asciiCodec) readResponse(h *npserial.Port, unitID byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	var line []byte
	started := false
	one := make([]byte, 1)

	for time.Now().Before(deadline) {
		n, err := h.Read(one)
		if err != nil || n == 0 {
			continue
		}
		c := one[0]

		if !started {
			if c == ':' {
				line = line[:0]
				line = append(line, c)
				started = true
			}
			continue
		}
		line = append(line, c)

		if c == '\n' {
			pdu, ok, err := parseASCIIFrame(line, unitID)
			if err != nil {
				return nil, err
			}
			if !ok {
				started = false
				line = line[:0]
				continue
			}
			return pdu, nil
		}
	}
	return nil, fmt.Errorf("modbus-ascii: response timeout")
}

func parseASCIIFrame(frame []byte, unitID byte) ([]byte, bool, error) {
	if len(frame) < 3 || frame[0] != ':' || frame[len(frame)-2] != '\r' || frame[len(frame)-1] != '\n' {
		return nil, false, fmt.Errorf("modbus-ascii: invalid frame delimiters")
	}
	hexPayload := frame[1 : len(frame)-2]
	if len(hexPayload) < 4 || len(hexPayload)%2 != 0 {
		return nil, false, fmt.Errorf("modbus-ascii: invalid payload length")
	}
	data, err := hex.DecodeString(string(hexPayload))
	if err != nil {
		return nil, false, fmt.Errorf("modbus-ascii: invalid hex payload: %w", err)
	}
	if len(data) < 3 {
		return nil, false, fmt.Errorf("modbus-ascii: payload too short")
	}

	if data[0] != unitID {
		return nil, false, nil
	}

	function := data[1]
	checksum := data[len(data)-1]
	payload := data[:len(data)-1]
	if lrcModbus(payload) != checksum {
		return nil, false, fmt.Errorf("modbus-ascii: LRC mismatch")
	}
	if function >= 0x80 {
		code := byte(0)
		if len(data) > 2 {
			code = data[2]
		}
		return nil, false, &exceptionError{Function: function, ExceptionCode: code}
	}
	return data[1 : len(data)-1], true, nil
}
