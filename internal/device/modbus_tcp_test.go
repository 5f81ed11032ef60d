package device_test

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/device"
	"github.com/nexus-edge/vxi11-gateway/internal/mapping"
)

// fakeModbusTCPServer accepts one connection, reads one MBAP+PDU request,
// and replies with the given response PDU under the request's transaction
// ID, echoing modbus_tcp.py's test doubles.
func fakeModbusTCPServer(t *testing.T, respPDU []byte) (host string, port int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, 7)
		if _, err := readFullHelper(conn, header); err != nil {
			return
		}
		pduLen := int(binary.BigEndian.Uint16(header[4:6])) - 1
		reqPDU := make([]byte, pduLen)
		if _, err := readFullHelper(conn, reqPDU); err != nil {
			return
		}

		tid := binary.BigEndian.Uint16(header[0:2])
		out := make([]byte, 7+len(respPDU))
		binary.BigEndian.PutUint16(out[0:2], tid)
		binary.BigEndian.PutUint16(out[2:4], 0)
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(respPDU)))
		out[6] = header[6]
		copy(out[7:], respPDU)
		conn.Write(out)
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	portNum, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("parsing listener port: %v", err)
	}
	return h, portNum
}

func readFullHelper(conn net.Conn, buf []byte) (int, error) {
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

func TestModbusTCP_WriteReadHoldingRegister(t *testing.T) {
	// Response PDU: function 0x03, byte count 2, register value 42.
	respPDU := []byte{0x03, 0x02, 0x00, 0x2A}
	host, port := fakeModbusTCPServer(t, respPDU)

	a, err := device.NewModbusTCP(device.ModbusTCPConfig{
		Host: host, Port: port, UnitID: 1,
		ConnectTimeout: 2 * time.Second, IOTimeout: 2 * time.Second,
		Mappings: []mapping.Rule{{
			Pattern: `MEAS:VOLT\?`, Action: "read_holding_registers",
			Params: map[string]interface{}{"address": 10, "count": 1},
		}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewModbusTCP: %v", err)
	}

	ctx := context.Background()
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release()

	if _, err := a.Write(ctx, []byte("MEAS:VOLT?")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp, reason, err := a.Read(ctx, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(resp) != "42\n" {
		t.Errorf("expected \"42\\n\", got %q", resp)
	}
	if reason != device.ReasonEndOfMessage {
		t.Errorf("expected ReasonEndOfMessage, got %v", reason)
	}
}

// TestModbusTCP_WriteReadHoldingFloatRegister reproduces the literal
// expected output of spec.md §8 scenario 3: a holding-register read of
// an encoded 25.0 float32 comes back as the ASCII text "25.0\n".
func TestModbusTCP_WriteReadHoldingFloatRegister(t *testing.T) {
	// Response PDU: function 0x03, byte count 4, float32_be 25.0.
	respPDU := []byte{0x03, 0x04, 0x41, 0xC8, 0x00, 0x00}
	host, port := fakeModbusTCPServer(t, respPDU)

	a, err := device.NewModbusTCP(device.ModbusTCPConfig{
		Host: host, Port: port, UnitID: 1,
		ConnectTimeout: 2 * time.Second, IOTimeout: 2 * time.Second,
		Mappings: []mapping.Rule{{
			Pattern: `MEAS:TEMP\?`, Action: "read_holding_registers",
			Params: map[string]interface{}{"address": 20, "count": 2, "data_type": "float32_be"},
		}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewModbusTCP: %v", err)
	}

	ctx := context.Background()
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer a.Release()

	if _, err := a.Write(ctx, []byte("MEAS:TEMP?")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp, _, err := a.Read(ctx, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(resp) != "25.0\n" {
		t.Errorf("expected \"25.0\\n\", got %q", resp)
	}
}

func TestModbusTCP_StaticResponseBypassesNetwork(t *testing.T) {
	a, err := device.NewModbusTCP(device.ModbusTCPConfig{
		Host: "127.0.0.1", Port: 1, // unreachable, must not be dialed
		Mappings: []mapping.Rule{{Pattern: `\*IDN\?`, Response: "ACME,MODEL1,0,1.0"}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewModbusTCP: %v", err)
	}

	ctx := context.Background()
	if _, err := a.Write(ctx, []byte("*IDN?")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	resp, _, err := a.Read(ctx, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(resp) != "ACME,MODEL1,0,1.0" {
		t.Errorf("expected the static response, got %q", resp)
	}
}

func TestModbusTCP_WriteWithoutConnectionFails(t *testing.T) {
	a, err := device.NewModbusTCP(device.ModbusTCPConfig{
		Host: "127.0.0.1", Port: 1,
		Mappings: []mapping.Rule{{
			Pattern: `MEAS:VOLT\?`, Action: "read_holding_registers",
			Params: map[string]interface{}{"address": 10},
		}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewModbusTCP: %v", err)
	}
	if _, err := a.Write(context.Background(), []byte("MEAS:VOLT?")); err == nil {
		t.Fatal("expected an error writing without an acquired connection")
	}
}

func TestModbusTCP_RequiresLockReflectsConfig(t *testing.T) {
	a, err := device.NewModbusTCP(device.ModbusTCPConfig{
		Host: "127.0.0.1", Port: 502, RequiresLock: true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewModbusTCP: %v", err)
	}
	if !a.RequiresLock() {
		t.Error("expected RequiresLock to reflect the configured value")
	}
}
