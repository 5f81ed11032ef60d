package device_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/device"
)

func listenAndSplit(t *testing.T) (net.Listener, string, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing listener port: %v", err)
	}
	return ln, host, port
}

func TestScpiTCP_WriteAppendsTermination(t *testing.T) {
	ln, host, port := listenAndSplit(t)

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		received <- append([]byte{}, buf[:n]...)
	}()

	a := device.NewScpiTCP(device.ScpiTCPConfig{
		Host: host, Port: port, ConnectTimeout: 2 * time.Second, IOTimeout: 2 * time.Second,
		WriteTermination: []byte("\n"),
	}, zerolog.Nop())

	if _, err := a.Write(context.Background(), []byte("*IDN?")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "*IDN?\n" {
			t.Errorf("expected \"*IDN?\\n\", got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the write to arrive")
	}
}

func TestScpiTCP_WriteDoesNotDuplicateExistingTermination(t *testing.T) {
	ln, host, port := listenAndSplit(t)

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		received <- append([]byte{}, buf[:n]...)
	}()

	a := device.NewScpiTCP(device.ScpiTCPConfig{
		Host: host, Port: port, ConnectTimeout: 2 * time.Second, IOTimeout: 2 * time.Second,
		WriteTermination: []byte("\n"),
	}, zerolog.Nop())

	if _, err := a.Write(context.Background(), []byte("*IDN?\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "*IDN?\n" {
			t.Errorf("expected a single trailing newline, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the write to arrive")
	}
}

func TestScpiTCP_ReadStopsAtTermination(t *testing.T) {
	ln, host, port := listenAndSplit(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("ACME,MODEL1,0,1.0\n"))
	}()

	a := device.NewScpiTCP(device.ScpiTCPConfig{
		Host: host, Port: port, ConnectTimeout: 2 * time.Second, IOTimeout: 2 * time.Second,
		ReadTermination: []byte("\n"),
	}, zerolog.Nop())

	resp, reason, err := a.Read(context.Background(), 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(resp) != "ACME,MODEL1,0,1.0\n" {
		t.Errorf("expected the full terminated line, got %q", resp)
	}
	if reason&device.ReasonTermCharMatched == 0 || reason&device.ReasonEndOfMessage == 0 {
		t.Errorf("expected ReasonTermCharMatched|ReasonEndOfMessage, got %v", reason)
	}
}

func TestScpiTCP_ReadRespectsMaxBytesWhenNoTermination(t *testing.T) {
	ln, host, port := listenAndSplit(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("0123456789"))
	}()

	a := device.NewScpiTCP(device.ScpiTCPConfig{
		Host: host, Port: port, ConnectTimeout: 2 * time.Second, IOTimeout: 200 * time.Millisecond,
	}, zerolog.Nop())

	resp, reason, err := a.Read(context.Background(), 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(resp) != "0123" {
		t.Errorf("expected the first 4 bytes, got %q", resp)
	}
	if reason&device.ReasonRequestSizeSatisfied == 0 {
		t.Errorf("expected ReasonRequestSizeSatisfied, got %v", reason)
	}
}

func TestScpiTCP_RequiresLockDefaultsFalse(t *testing.T) {
	a := device.NewScpiTCP(device.ScpiTCPConfig{Host: "127.0.0.1", Port: 5025}, zerolog.Nop())
	if a.RequiresLock() {
		t.Error("expected ScpiTCP to not require locking by default")
	}
}

func TestScpiTCP_RequiresLockOverride(t *testing.T) {
	yes := true
	a := device.NewScpiTCP(device.ScpiTCPConfig{Host: "127.0.0.1", Port: 5025, RequiresLockOpt: &yes}, zerolog.Nop())
	if !a.RequiresLock() {
		t.Error("expected RequiresLockOpt to override the default")
	}
}

func TestScpiTCP_WriteFailsWhenConnectionRefused(t *testing.T) {
	ln, host, port := listenAndSplit(t)
	ln.Close() // immediately free the port so the dial is refused

	a := device.NewScpiTCP(device.ScpiTCPConfig{
		Host: host, Port: port, ConnectTimeout: 500 * time.Millisecond,
	}, zerolog.Nop())
	if _, err := a.Write(context.Background(), []byte("*IDN?")); err == nil {
		t.Fatal("expected an error dialing a closed listener")
	}
}
