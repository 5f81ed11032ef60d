package rpc_test

import (
	"testing"

	"github.com/nexus-edge/vxi11-gateway/internal/rpc"
	"github.com/nexus-edge/vxi11-gateway/internal/xdr"
)

func buildCallMessage(xid, prog, vers, proc uint32, args []byte) []byte {
	e := xdr.NewEncoder()
	e.PutUint32(xid)
	e.PutUint32(rpc.MsgCall)
	e.PutUint32(2) // rpcvers
	e.PutUint32(prog)
	e.PutUint32(vers)
	e.PutUint32(proc)
	e.PutUint32(rpc.AuthNull) // credential flavor
	e.PutUint32(0)            // credential length
	e.PutUint32(rpc.AuthNull) // verifier flavor
	e.PutUint32(0)            // verifier length
	return append(e.Bytes(), args...)
}

func TestDecodeCallHeader_Basic(t *testing.T) {
	msg := buildCallMessage(7, 395183, 1, 10, []byte("args"))
	hdr, dec, err := rpc.DecodeCallHeader(msg)
	if err != nil {
		t.Fatalf("DecodeCallHeader: %v", err)
	}
	if hdr.XID != 7 || hdr.Program != 395183 || hdr.Version != 1 || hdr.Proc != 10 {
		t.Errorf("unexpected header: %+v", hdr)
	}
	rest, err := dec.Opaque()
	if err == nil {
		t.Errorf("expected decoding the leftover raw args as an XDR opaque to fail, got %q", rest)
	}
}

func TestDecodeCallHeader_DecoderPositionedAfterAuth(t *testing.T) {
	e := xdr.NewEncoder()
	e.PutUint32(99)
	msg := buildCallMessage(1, 2, 3, 4, e.Bytes())

	_, dec, err := rpc.DecodeCallHeader(msg)
	if err != nil {
		t.Fatalf("DecodeCallHeader: %v", err)
	}
	got, err := dec.Uint32()
	if err != nil {
		t.Fatalf("decoding the first procedure argument: %v", err)
	}
	if got != 99 {
		t.Errorf("expected the decoder to be positioned at the args, got %d", got)
	}
}

func TestDecodeCallHeader_RejectsNonCallMessage(t *testing.T) {
	e := xdr.NewEncoder()
	e.PutUint32(1)
	e.PutUint32(rpc.MsgReply) // not a call
	if _, _, err := rpc.DecodeCallHeader(e.Bytes()); err == nil {
		t.Fatal("expected an error decoding a reply message as a call")
	}
}

func TestDecodeCallHeader_RejectsUnsupportedRPCVersion(t *testing.T) {
	e := xdr.NewEncoder()
	e.PutUint32(1)
	e.PutUint32(rpc.MsgCall)
	e.PutUint32(99) // unsupported rpcvers
	if _, _, err := rpc.DecodeCallHeader(e.Bytes()); err == nil {
		t.Fatal("expected an error decoding an unsupported RPC version")
	}
}

func TestDecodeCallHeader_TruncatedErrors(t *testing.T) {
	if _, _, err := rpc.DecodeCallHeader([]byte{0, 0}); err == nil {
		t.Fatal("expected an error decoding a truncated call header")
	}
}

func TestDecodeCallHeader_SkipsNonNullAuthBody(t *testing.T) {
	e := xdr.NewEncoder()
	e.PutUint32(1)
	e.PutUint32(rpc.MsgCall)
	e.PutUint32(2)
	e.PutUint32(395183)
	e.PutUint32(1)
	e.PutUint32(10)
	e.PutUint32(1) // non-null credential flavor
	e.PutUint32(8) // credential length
	e.PutFixedOpaque([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	e.PutUint32(rpc.AuthNull)
	e.PutUint32(0)

	hdr, dec, err := rpc.DecodeCallHeader(e.Bytes())
	if err != nil {
		t.Fatalf("DecodeCallHeader: %v", err)
	}
	if hdr.Proc != 10 {
		t.Errorf("unexpected proc: %d", hdr.Proc)
	}
	if dec.Remaining() != 0 {
		t.Errorf("expected no args left, got %d bytes", dec.Remaining())
	}
}

func TestEncodeSuccessReply_EmbedsBody(t *testing.T) {
	body := []byte{1, 2, 3, 4}
	reply := rpc.EncodeSuccessReply(42, body)

	d := xdr.NewDecoder(reply)
	xid, _ := d.Uint32()
	msgType, _ := d.Uint32()
	accepted, _ := d.Uint32()
	d.Uint32() // auth flavor
	d.Uint32() // auth length
	status, _ := d.Uint32()

	if xid != 42 || msgType != rpc.MsgReply || accepted != rpc.ReplyAccepted || status != rpc.AcceptSuccess {
		t.Fatalf("unexpected reply envelope: xid=%d type=%d accepted=%d status=%d", xid, msgType, accepted, status)
	}
	if d.Remaining() != len(body) {
		t.Errorf("expected the body to follow the envelope verbatim, got %d bytes remaining", d.Remaining())
	}
}

func TestEncodeAcceptError_ProgMismatchIncludesVersionRange(t *testing.T) {
	reply := rpc.EncodeAcceptError(5, rpc.AcceptProgMismatch, 1, 2)
	d := xdr.NewDecoder(reply)
	d.Uint32() // xid
	d.Uint32() // msg type
	d.Uint32() // accepted
	d.Uint32() // auth flavor
	d.Uint32() // auth length
	status, _ := d.Uint32()
	if status != rpc.AcceptProgMismatch {
		t.Fatalf("expected AcceptProgMismatch, got %d", status)
	}
	low, err := d.Uint32()
	if err != nil || low != 1 {
		t.Errorf("expected low version 1, got %d err=%v", low, err)
	}
	high, err := d.Uint32()
	if err != nil || high != 2 {
		t.Errorf("expected high version 2, got %d err=%v", high, err)
	}
}

func TestEncodeAcceptError_ProcUnavailOmitsVersionRange(t *testing.T) {
	reply := rpc.EncodeAcceptError(5, rpc.AcceptProcUnavail, 0, 0)
	d := xdr.NewDecoder(reply)
	d.Uint32() // xid
	d.Uint32() // msg type
	d.Uint32() // accepted
	d.Uint32() // auth flavor
	d.Uint32() // auth length
	d.Uint32() // status
	if d.Remaining() != 0 {
		t.Errorf("expected no trailing version range for PROC_UNAVAIL, got %d bytes", d.Remaining())
	}
}
