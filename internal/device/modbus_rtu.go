package device

import (
	"encoding/binary"
	"fmt"
	"time"

	npserial "github.com/npat-efault/serial"
	"github.com/rs/zerolog"
)

// NewModbusRTU constructs a MODBUS-RTU serial adapter.
func NewModbusRTU(cfg ModbusSerialConfig, log zerolog.Logger) (*modbusSerial, error) {
	return newModbusSerial(cfg, rtuCodec{}, log)
}

type rtuCodec struct{}

func (rtuCodec) encode(unitID byte, pdu []byte) []byte {
	body := append([]byte{unitID}, pdu...)
	crc := crc16Modbus(body)
	frame := make([]byte, len(body)+2)
	copy(frame, body)
	binary.LittleEndian.PutUint16(frame[len(body):], crc)
	return frame
}

// readResponse reads one RTU frame byte-by-byte, discarding stray
// frames addressed to other unit IDs and re-synchronizing, grounded on
// modbus_rtu.py's _read_response/_expected_frame_length.
func (rtuCodec) readResponse(h *npserial.Port, unitID byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	var buf []byte
	var expected int

	one := make([]byte, 1)
	for time.Now().Before(deadline) {
		n, err := h.Read(one)
		if err != nil || n == 0 {
			continue
		}
		buf = append(buf, one[0])

		if len(buf) == 1 && buf[0] != unitID {
			buf = buf[:0]
			expected = 0
			continue
		}
		if len(buf) >= 3 && expected == 0 {
			expected = rtuExpectedLength(buf)
		}
		if expected > 0 && len(buf) >= expected {
			frame := buf[:expected]
			crcExpected := crc16Modbus(frame[:len(frame)-2])
			crcReceived := binary.LittleEndian.Uint16(frame[len(frame)-2:])
			if crcExpected != crcReceived {
				return nil, fmt.Errorf("modbus-rtu: CRC mismatch")
			}
			if frame[0] != unitID {
				buf = buf[:0]
				expected = 0
				continue
			}
			return frame[1 : len(frame)-2], nil
		}
	}
	return nil, fmt.Errorf("modbus-rtu: response timeout")
}

func rtuExpectedLength(buf []byte) int {
	function := buf[1]
	switch function {
	case 0x01, 0x02, 0x03, 0x04:
		byteCount := int(buf[2])
		return 3 + byteCount + 2
	case 0x05, 0x06, 0x0F, 0x10:
		return 8
	}
	if function >= 0x80 {
		return 5
	}
	return 0
}
