package device

import (
	"encoding/binary"
	"fmt"

	"github.com/nexus-edge/vxi11-gateway/internal/mapping"
)

// buildRequestPDU packs a ModbusAction's function code, address, and
// values into a MODBUS PDU, shared by the TCP/RTU/ASCII transports.
// Grounded on modbus_tcp.py's _build_read_request/_build_write_*.
func buildRequestPDU(action mapping.Action) ([]byte, error) {
	fc := byte(action.FunctionCode)
	switch action.FunctionCode {
	case mapping.FCReadCoils, mapping.FCReadDiscreteInputs,
		mapping.FCReadHoldingRegisters, mapping.FCReadInputRegisters:
		pdu := make([]byte, 5)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], uint16(action.Address))
		binary.BigEndian.PutUint16(pdu[3:5], uint16(action.Count))
		return pdu, nil

	case mapping.FCWriteSingleCoil, mapping.FCWriteSingleRegister:
		if len(action.Values) == 0 {
			return nil, fmt.Errorf("modbus: write action missing values")
		}
		pdu := make([]byte, 5)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], uint16(action.Address))
		binary.BigEndian.PutUint16(pdu[3:5], action.Values[0])
		return pdu, nil

	case mapping.FCWriteMultipleRegisters:
		if len(action.Values) == 0 {
			return nil, fmt.Errorf("modbus: write multiple action missing values")
		}
		count := len(action.Values)
		byteCount := count * 2
		pdu := make([]byte, 6+byteCount)
		pdu[0] = fc
		binary.BigEndian.PutUint16(pdu[1:3], uint16(action.Address))
		binary.BigEndian.PutUint16(pdu[3:5], uint16(count))
		pdu[5] = byte(byteCount)
		for i, v := range action.Values {
			binary.BigEndian.PutUint16(pdu[6+2*i:8+2*i], v)
		}
		return pdu, nil

	default:
		return nil, fmt.Errorf("modbus: unsupported function code 0x%02X", action.FunctionCode)
	}
}

// exceptionError formats a MODBUS exception response (function byte
// with the high bit set, followed by the exception code) as an error.
type exceptionError struct {
	Function      byte
	ExceptionCode byte
}

func (e *exceptionError) Error() string {
	return fmt.Sprintf("modbus exception: function=0x%02X code=0x%02X", e.Function, e.ExceptionCode)
}

// decodeResponsePDU validates and decodes a response PDU against the
// request action, returning the Go value a read produced ("OK" string
// sentinel for writes, matching modbus_serial_base.py's convention).
func decodeResponsePDU(action mapping.Action, pdu []byte) (interface{}, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("modbus: empty response")
	}
	function := pdu[0]
	fc := byte(action.FunctionCode)

	if function != fc {
		if function >= 0x80 {
			code := byte(0)
			if len(pdu) > 1 {
				code = pdu[1]
			}
			return nil, &exceptionError{Function: function, ExceptionCode: code}
		}
		return nil, fmt.Errorf("modbus: unexpected function in response: expected 0x%02X got 0x%02X", fc, function)
	}

	switch action.FunctionCode {
	case mapping.FCReadHoldingRegisters, mapping.FCReadInputRegisters:
		if len(pdu) < 2 {
			return nil, fmt.Errorf("modbus: response missing byte count")
		}
		byteCount := int(pdu[1])
		if len(pdu) < 2+byteCount || byteCount%2 != 0 {
			return nil, fmt.Errorf("modbus: incomplete or malformed register payload")
		}
		registers := make([]uint16, byteCount/2)
		for i := range registers {
			registers[i] = binary.BigEndian.Uint16(pdu[2+2*i : 4+2*i])
		}
		return mapping.DecodeRegisters(registers, action.DataType)

	case mapping.FCReadCoils, mapping.FCReadDiscreteInputs:
		if len(pdu) < 2 {
			return nil, fmt.Errorf("modbus: response missing byte count")
		}
		byteCount := int(pdu[1])
		if len(pdu) < 2+byteCount {
			return nil, fmt.Errorf("modbus: incomplete coil payload")
		}
		payload := pdu[2 : 2+byteCount]
		bits := make([]bool, action.Count)
		for i := range bits {
			byteIdx, bitIdx := i/8, i%8
			if byteIdx < len(payload) {
				bits[i] = (payload[byteIdx]>>bitIdx)&0x01 != 0
			}
		}
		return mapping.FormatBits(bits), nil

	default:
		return "OK", nil
	}
}
