package mapping_test

import (
	"testing"

	"github.com/nexus-edge/vxi11-gateway/internal/mapping"
)

func TestEncodeValue_Uint16(t *testing.T) {
	regs, err := mapping.EncodeValue(42, mapping.Uint16)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 1 || regs[0] != 42 {
		t.Errorf("expected [42], got %v", regs)
	}
}

func TestEncodeValue_Uint16OutOfRange(t *testing.T) {
	if _, err := mapping.EncodeValue(70000, mapping.Uint16); err == nil {
		t.Fatal("expected an out-of-range error for uint16")
	}
}

func TestEncodeValue_Int16Negative(t *testing.T) {
	regs, err := mapping.EncodeValue(-5, mapping.Int16)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 1 || regs[0] != uint16(0xFFFB) {
		t.Errorf("expected [0xFFFB], got %v", regs)
	}
}

func TestEncodeValue_Uint32BigEndian(t *testing.T) {
	regs, err := mapping.EncodeValue(0x12345678, mapping.Uint32BE)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x1234 || regs[1] != 0x5678 {
		t.Errorf("expected [0x1234 0x5678], got %v", regs)
	}
}

func TestEncodeValue_Uint32LittleEndian(t *testing.T) {
	regs, err := mapping.EncodeValue(0x12345678, mapping.Uint32LE)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x5678 || regs[1] != 0x1234 {
		t.Errorf("expected [0x5678 0x1234], got %v", regs)
	}
}

func TestEncodeValue_Int32RoundTrip(t *testing.T) {
	regs, err := mapping.EncodeValue(-100000, mapping.Int32BE)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	v, err := mapping.DecodeRegisters(regs, mapping.Int32BE)
	if err != nil {
		t.Fatalf("DecodeRegisters: %v", err)
	}
	if v.(int64) != -100000 {
		t.Errorf("expected -100000 round trip, got %v", v)
	}
}

func TestEncodeValue_Float32RoundTrip(t *testing.T) {
	for _, dt := range []mapping.DataType{mapping.Float32BE, mapping.Float32LE} {
		regs, err := mapping.EncodeValue(3.25, dt)
		if err != nil {
			t.Fatalf("EncodeValue(%s): %v", dt, err)
		}
		v, err := mapping.DecodeRegisters(regs, dt)
		if err != nil {
			t.Fatalf("DecodeRegisters(%s): %v", dt, err)
		}
		if v.(float64) != 3.25 {
			t.Errorf("%s: expected 3.25 round trip, got %v", dt, v)
		}
	}
}

func TestEncodeValue_Bool(t *testing.T) {
	regs, err := mapping.EncodeValue(true, mapping.Bool)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 1 || regs[0] != 1 {
		t.Errorf("expected [1] for true, got %v", regs)
	}
	regs, err = mapping.EncodeValue(false, mapping.Bool)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 1 || regs[0] != 0 {
		t.Errorf("expected [0] for false, got %v", regs)
	}
}

func TestEncodeValue_BoolFromString(t *testing.T) {
	regs, err := mapping.EncodeValue("on", mapping.Bool)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 1 || regs[0] != 1 {
		t.Errorf("expected [1] for \"on\", got %v", regs)
	}
}

func TestEncodeValue_BoolFromUnparsableStringFails(t *testing.T) {
	if _, err := mapping.EncodeValue("maybe", mapping.Bool); err == nil {
		t.Fatal("expected an error for an unparsable bool string")
	}
}

func TestEncodeValue_StringPadsToEvenLengthAndRoundTrips(t *testing.T) {
	regs, err := mapping.EncodeValue("ABC", mapping.String)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("expected 2 registers for a 3-byte (padded to 4) string, got %d", len(regs))
	}
	v, err := mapping.DecodeRegisters(regs, mapping.String)
	if err != nil {
		t.Fatalf("DecodeRegisters: %v", err)
	}
	if v.(string) != "ABC" {
		t.Errorf("expected ABC after trailing NUL trim, got %q", v)
	}
}

func TestEncodeValue_StringRequiresStringValue(t *testing.T) {
	if _, err := mapping.EncodeValue(42, mapping.String); err == nil {
		t.Fatal("expected an error encoding a non-string value as string")
	}
}

func TestEncodeValue_UnknownDataType(t *testing.T) {
	if _, err := mapping.EncodeValue(1, mapping.DataType("nonsense")); err == nil {
		t.Fatal("expected an error for an unknown data type")
	}
}

func TestDecodeRegisters_Uint16(t *testing.T) {
	v, err := mapping.DecodeRegisters([]uint16{0xBEEF}, mapping.Uint16)
	if err != nil {
		t.Fatalf("DecodeRegisters: %v", err)
	}
	if v.(uint64) != 0xBEEF {
		t.Errorf("expected 0xBEEF, got %v", v)
	}
}

func TestDecodeRegisters_InsufficientRegistersErrors(t *testing.T) {
	if _, err := mapping.DecodeRegisters(nil, mapping.Uint32BE); err == nil {
		t.Fatal("expected an error decoding uint32 from zero registers")
	}
	if _, err := mapping.DecodeRegisters([]uint16{1}, mapping.Float32BE); err == nil {
		t.Fatal("expected an error decoding float32 from one register")
	}
}

func TestDecodeRegisters_Bool(t *testing.T) {
	v, err := mapping.DecodeRegisters([]uint16{0}, mapping.Bool)
	if err != nil {
		t.Fatalf("DecodeRegisters: %v", err)
	}
	if v.(bool) {
		t.Error("expected false for register value 0")
	}
	v, err = mapping.DecodeRegisters([]uint16{7}, mapping.Bool)
	if err != nil {
		t.Fatalf("DecodeRegisters: %v", err)
	}
	if !v.(bool) {
		t.Error("expected true for a nonzero register value")
	}
}
