package portmapper

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/rpc"
	"github.com/nexus-edge/vxi11-gateway/internal/xdr"
)

func encodeCall(xid, prog, vers, proc uint32, args []byte) []byte {
	e := xdr.NewEncoder()
	e.PutUint32(xid)
	e.PutUint32(rpc.MsgCall)
	e.PutUint32(2)
	e.PutUint32(prog)
	e.PutUint32(vers)
	e.PutUint32(proc)
	e.PutUint32(rpc.AuthNull)
	e.PutUint32(0)
	e.PutUint32(rpc.AuthNull)
	e.PutUint32(0)
	return append(e.Bytes(), args...)
}

func getPortArgs(prog, vers, prot, port uint32) []byte {
	e := xdr.NewEncoder()
	e.PutUint32(prog)
	e.PutUint32(vers)
	e.PutUint32(prot)
	e.PutUint32(port)
	return e.Bytes()
}

func TestHandleCall_Null(t *testing.T) {
	s := &Server{Logger: zerolog.Nop(), VXIPort: 9009}
	reply, ok := s.handleCall(encodeCall(1, pmapProg, pmapVers, procNull, nil))
	if !ok {
		t.Fatal("expected the portmapper to answer PMAPPROC_NULL")
	}
	d := xdr.NewDecoder(reply)
	xid, _ := d.Uint32()
	if xid != 1 {
		t.Errorf("expected xid 1, got %d", xid)
	}
}

func TestHandleCall_GetPortForDeviceCoreOverTCP(t *testing.T) {
	s := &Server{Logger: zerolog.Nop(), VXIPort: 9009}
	args := getPortArgs(rpc.ProgDeviceCore, rpc.DeviceCoreVersion, protocolTCP, 0)
	reply, ok := s.handleCall(encodeCall(2, pmapProg, pmapVers, procGetPort, args))
	if !ok {
		t.Fatal("expected the portmapper to answer PMAPPROC_GETPORT")
	}

	d := xdr.NewDecoder(reply)
	d.Uint32() // xid
	d.Uint32() // msg type
	d.Uint32() // accepted
	d.Uint32() // auth flavor
	d.Uint32() // auth length
	d.Uint32() // accept status
	port, err := d.Uint32()
	if err != nil {
		t.Fatalf("decoding port: %v", err)
	}
	if port != uint32(s.VXIPort) {
		t.Errorf("expected port %d, got %d", s.VXIPort, port)
	}
}

func TestHandleCall_GetPortForDeviceAsyncOverTCP(t *testing.T) {
	s := &Server{Logger: zerolog.Nop(), VXIPort: 9009}
	args := getPortArgs(rpc.ProgDeviceAsync, 1, protocolTCP, 0)
	reply, ok := s.handleCall(encodeCall(3, pmapProg, pmapVers, procGetPort, args))
	if !ok {
		t.Fatal("expected the portmapper to answer PMAPPROC_GETPORT")
	}
	port := decodeGetPortReply(t, reply)
	if port != uint32(s.VXIPort) {
		t.Errorf("expected port %d, got %d", s.VXIPort, port)
	}
}

func TestHandleCall_GetPortForUnknownProgramReportsZero(t *testing.T) {
	s := &Server{Logger: zerolog.Nop(), VXIPort: 9009}
	args := getPortArgs(999999, 1, protocolTCP, 0)
	reply, ok := s.handleCall(encodeCall(4, pmapProg, pmapVers, procGetPort, args))
	if !ok {
		t.Fatal("expected a reply even for an unknown program")
	}
	if port := decodeGetPortReply(t, reply); port != 0 {
		t.Errorf("expected port 0 for an unregistered program, got %d", port)
	}
}

func TestHandleCall_GetPortOverUDPReportsZero(t *testing.T) {
	s := &Server{Logger: zerolog.Nop(), VXIPort: 9009}
	const protocolUDP = 17
	args := getPortArgs(rpc.ProgDeviceCore, rpc.DeviceCoreVersion, protocolUDP, 0)
	reply, ok := s.handleCall(encodeCall(5, pmapProg, pmapVers, procGetPort, args))
	if !ok {
		t.Fatal("expected a reply for a UDP GETPORT request")
	}
	if port := decodeGetPortReply(t, reply); port != 0 {
		t.Errorf("expected port 0 since DEVICE_CORE is only served over TCP, got %d", port)
	}
}

func TestHandleCall_WrongProgramRejected(t *testing.T) {
	s := &Server{Logger: zerolog.Nop()}
	_, ok := s.handleCall(encodeCall(6, 111111, pmapVers, procNull, nil))
	if ok {
		t.Fatal("expected the portmapper to ignore a call for a different program number")
	}
}

func TestHandleCall_TruncatedCallRejected(t *testing.T) {
	s := &Server{Logger: zerolog.Nop()}
	if _, ok := s.handleCall([]byte{0, 1}); ok {
		t.Fatal("expected a truncated call to be rejected")
	}
}

func TestHandleCall_UnknownProcedureGetsNullStyleReply(t *testing.T) {
	s := &Server{Logger: zerolog.Nop()}
	reply, ok := s.handleCall(encodeCall(7, pmapProg, pmapVers, 99, nil))
	if !ok {
		t.Fatal("expected a fallback reply for an unrecognized procedure")
	}
	d := xdr.NewDecoder(reply)
	xid, _ := d.Uint32()
	if xid != 7 {
		t.Errorf("expected xid 7, got %d", xid)
	}
}

func decodeGetPortReply(t *testing.T, reply []byte) uint32 {
	d := xdr.NewDecoder(reply)
	d.Uint32() // xid
	d.Uint32() // msg type
	d.Uint32() // accepted
	d.Uint32() // auth flavor
	d.Uint32() // auth length
	d.Uint32() // accept status
	port, err := d.Uint32()
	if err != nil {
		t.Fatalf("decoding port: %v", err)
	}
	return port
}
