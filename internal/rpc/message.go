package rpc

import (
	"fmt"

	"github.com/nexus-edge/vxi11-gateway/internal/xdr"
)

// ONC-RPC message types and reply/accept/reject status codes (RFC 1057/5531).
const (
	MsgCall  = 0
	MsgReply = 1

	ReplyAccepted = 0
	ReplyDenied   = 1

	AcceptSuccess      = 0
	AcceptProgUnavail  = 1
	AcceptProgMismatch = 2
	AcceptProcUnavail  = 3
	AcceptGarbageArgs  = 4

	AuthNull = 0
)

// CallHeader is the decoded head of an ONC-RPC call message, stopping after
// the credential/verifier bodies (which this façade ignores: VXI-11 clients
// authenticate at the instrument level, not the RPC level).
type CallHeader struct {
	XID     uint32
	Program uint32
	Version uint32
	Proc    uint32
}

// DecodeCallHeader parses the RPC call envelope from the front of data and
// returns the header plus a Decoder positioned at the start of the
// procedure-specific arguments.
func DecodeCallHeader(data []byte) (CallHeader, *xdr.Decoder, error) {
	d := xdr.NewDecoder(data)
	xid, err := d.Uint32()
	if err != nil {
		return CallHeader{}, nil, xdr.Err("xid", err)
	}
	msgType, err := d.Uint32()
	if err != nil {
		return CallHeader{}, nil, xdr.Err("msg_type", err)
	}
	if msgType != MsgCall {
		return CallHeader{}, nil, fmt.Errorf("rpc: not a call message (type=%d)", msgType)
	}
	rpcVers, err := d.Uint32()
	if err != nil {
		return CallHeader{}, nil, xdr.Err("rpcvers", err)
	}
	if rpcVers != 2 {
		return CallHeader{}, nil, fmt.Errorf("rpc: unsupported rpc version %d", rpcVers)
	}
	prog, err := d.Uint32()
	if err != nil {
		return CallHeader{}, nil, xdr.Err("prog", err)
	}
	vers, err := d.Uint32()
	if err != nil {
		return CallHeader{}, nil, xdr.Err("vers", err)
	}
	proc, err := d.Uint32()
	if err != nil {
		return CallHeader{}, nil, xdr.Err("proc", err)
	}
	if err := skipAuth(d); err != nil {
		return CallHeader{}, nil, err
	}
	if err := skipAuth(d); err != nil {
		return CallHeader{}, nil, err
	}
	return CallHeader{XID: xid, Program: prog, Version: vers, Proc: proc}, d, nil
}

func skipAuth(d *xdr.Decoder) error {
	if _, err := d.Uint32(); err != nil { // flavor
		return xdr.Err("auth_flavor", err)
	}
	n, err := d.Uint32()
	if err != nil {
		return xdr.Err("auth_length", err)
	}
	return d.SkipFixedOpaque(int(n))
}

// EncodeSuccessReply builds an ACCEPTED/SUCCESS reply envelope with body
// appended verbatim (the procedure-specific result, already XDR-encoded).
func EncodeSuccessReply(xid uint32, body []byte) []byte {
	e := xdr.NewEncoder()
	e.PutUint32(xid)
	e.PutUint32(MsgReply)
	e.PutUint32(ReplyAccepted)
	e.PutUint32(AuthNull)
	e.PutUint32(0)
	e.PutUint32(AcceptSuccess)
	buf := e.Bytes()
	return append(buf, body...)
}

// EncodeAcceptError builds an ACCEPTED reply with a non-SUCCESS accept
// status (PROG_UNAVAIL, PROG_MISMATCH, PROC_UNAVAIL) and no body, per
// spec.md §4.1's "standard RPC reject codes" requirement.
func EncodeAcceptError(xid uint32, status uint32, low, high uint32) []byte {
	e := xdr.NewEncoder()
	e.PutUint32(xid)
	e.PutUint32(MsgReply)
	e.PutUint32(ReplyAccepted)
	e.PutUint32(AuthNull)
	e.PutUint32(0)
	e.PutUint32(status)
	if status == AcceptProgMismatch {
		e.PutUint32(low)
		e.PutUint32(high)
	}
	return e.Bytes()
}
