package mapping

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType names the register encoding used by a mapping rule (spec.md
// §4.5's glossary). Grounded on mapping_engine.py's encode_value/
// decode_registers, extended with int32_be/int32_le and string — the
// Python original has no string support and no big/little pairing for
// int32, only uint32; the extension keeps the family symmetric with
// uint32_be/uint32_le and float32_be/float32_le.
type DataType string

const (
	Uint16    DataType = "uint16"
	Int16     DataType = "int16"
	Uint32BE  DataType = "uint32_be"
	Uint32LE  DataType = "uint32_le"
	Int32BE   DataType = "int32_be"
	Int32LE   DataType = "int32_le"
	Float32BE DataType = "float32_be"
	Float32LE DataType = "float32_le"
	Bool      DataType = "bool"
	String    DataType = "string"
)

// EncodeValue converts value into the 16-bit registers a write request
// sends over the wire.
func EncodeValue(value interface{}, dt DataType) ([]uint16, error) {
	switch dt {
	case Uint16:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 0xFFFF {
			return nil, fmt.Errorf("uint16 value %d out of range [0, 65535]", v)
		}
		return []uint16{uint16(v)}, nil

	case Int16:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if v < -32768 || v > 32767 {
			return nil, fmt.Errorf("int16 value %d out of range [-32768, 32767]", v)
		}
		return []uint16{uint16(int16(v))}, nil

	case Uint32BE, Uint32LE:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > 0xFFFFFFFF {
			return nil, fmt.Errorf("uint32 value %d out of range", v)
		}
		hi, lo := uint16(v>>16), uint16(v)
		if dt == Uint32BE {
			return []uint16{hi, lo}, nil
		}
		return []uint16{lo, hi}, nil

	case Int32BE, Int32LE:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, fmt.Errorf("int32 value %d out of range", v)
		}
		u := uint32(int32(v))
		hi, lo := uint16(u>>16), uint16(u)
		if dt == Int32BE {
			return []uint16{hi, lo}, nil
		}
		return []uint16{lo, hi}, nil

	case Float32BE, Float32LE:
		v, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		bits := math.Float32bits(float32(v))
		var buf [4]byte
		if dt == Float32BE {
			binary.BigEndian.PutUint32(buf[:], bits)
			return []uint16{binary.BigEndian.Uint16(buf[0:2]), binary.BigEndian.Uint16(buf[2:4])}, nil
		}
		binary.LittleEndian.PutUint32(buf[:], bits)
		return []uint16{binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4])}, nil

	case Bool:
		b, err := toBool(value)
		if err != nil {
			return nil, err
		}
		if b {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil

	case String:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("string data type requires a string value, got %T", value)
		}
		return packASCIIRegisters(s), nil

	default:
		return nil, fmt.Errorf("unknown data type: %q", dt)
	}
}

// DecodeRegisters converts registers read off the wire into a Go value.
func DecodeRegisters(registers []uint16, dt DataType) (interface{}, error) {
	switch dt {
	case Uint16:
		if len(registers) < 1 {
			return nil, fmt.Errorf("need at least 1 register for uint16")
		}
		return uint64(registers[0]), nil

	case Int16:
		if len(registers) < 1 {
			return nil, fmt.Errorf("need at least 1 register for int16")
		}
		return int64(int16(registers[0])), nil

	case Uint32BE, Uint32LE:
		if len(registers) < 2 {
			return nil, fmt.Errorf("need at least 2 registers for uint32")
		}
		if dt == Uint32LE {
			return uint64(registers[0]) | uint64(registers[1])<<16, nil
		}
		return uint64(registers[0])<<16 | uint64(registers[1]), nil

	case Int32BE, Int32LE:
		if len(registers) < 2 {
			return nil, fmt.Errorf("need at least 2 registers for int32")
		}
		var u uint32
		if dt == Int32LE {
			u = uint32(registers[0]) | uint32(registers[1])<<16
		} else {
			u = uint32(registers[0])<<16 | uint32(registers[1])
		}
		return int64(int32(u)), nil

	case Float32BE, Float32LE:
		if len(registers) < 2 {
			return nil, fmt.Errorf("need at least 2 registers for float32")
		}
		var buf [4]byte
		if dt == Float32LE {
			binary.LittleEndian.PutUint16(buf[0:2], registers[0])
			binary.LittleEndian.PutUint16(buf[2:4], registers[1])
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))), nil
		}
		binary.BigEndian.PutUint16(buf[0:2], registers[0])
		binary.BigEndian.PutUint16(buf[2:4], registers[1])
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf[:]))), nil

	case Bool:
		if len(registers) < 1 {
			return nil, fmt.Errorf("need at least 1 register for bool")
		}
		return registers[0] != 0, nil

	case String:
		return unpackASCIIRegisters(registers), nil

	default:
		return nil, fmt.Errorf("unknown data type: %q", dt)
	}
}

// packASCIIRegisters packs two ASCII bytes per register, big-endian
// within each register, matching the convention most SCPI-over-MODBUS
// instruments use for string blocks (e.g. identification registers).
func packASCIIRegisters(s string) []uint16 {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return out
}

func unpackASCIIRegisters(registers []uint16) string {
	b := make([]byte, 0, len(registers)*2)
	for _, r := range registers {
		b = append(b, byte(r>>8), byte(r))
	}
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case float32:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to float", v)
		}
		return float64(n), nil
	}
}

func toBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch x {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as bool", x)
	default:
		n, err := toInt64(v)
		if err != nil {
			return false, err
		}
		return n != 0, nil
	}
}
