// Package portmapper implements just enough of ONC-RPC program 100000
// version 2 to answer PMAPPROC_NULL and PMAPPROC_GETPORT for the VXI-11
// programs, grounded on the original Python PortMapperServer: a minimal
// user-space rpcbind, not a general-purpose registry (spec.md §1 Non-goals).
package portmapper

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/rpc"
	"github.com/nexus-edge/vxi11-gateway/internal/xdr"
)

const (
	pmapProg          = 100000
	pmapVers          = 2
	procNull          = 0
	procGetPort       = 3
	protocolTCP uint32 = 6
)

// programsServedOverTCP answers a real TCP port; DEVICE_INTR is stubbed and
// always reports 0, per spec.md §1 and §4.2.
var programsServedOverTCP = map[uint32]bool{
	rpc.ProgDeviceCore:  true,
	rpc.ProgDeviceAsync: true,
}

// Server is the minimal portmapper. VXIPort is the TCP port the VXI-11
// façade is actually listening on; GETPORT for DEVICE_CORE/DEVICE_ASYNC
// over TCP reports it, everything else reports 0.
type Server struct {
	Host    string
	Port    int
	VXIPort int
	Logger  zerolog.Logger

	mu       sync.Mutex
	udpConn  net.PacketConn
	tcpLn    net.Listener
}

// Start binds UDP and TCP port 111 (or Server.Port) and begins serving.
// Binding 111 typically requires privilege; per spec.md §4.2 a bind
// failure is logged and skipped rather than fatal, so the façade remains
// usable on a non-standard VXI-11 port without the portmapper.
func (s *Server) Start(ctx context.Context) {
	addr := net.JoinHostPort(s.Host, portString(s.Port))

	udp, err := net.ListenPacket("udp", addr)
	if err != nil {
		s.Logger.Warn().Err(err).Str("addr", addr).Msg("portmapper UDP bind failed, skipping")
	} else {
		s.mu.Lock()
		s.udpConn = udp
		s.mu.Unlock()
		go s.serveUDP(ctx, udp)
		s.Logger.Info().Str("addr", addr).Msg("portmapper UDP listening")
	}

	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		s.Logger.Warn().Err(err).Str("addr", addr).Msg("portmapper TCP bind failed, skipping")
	} else {
		s.mu.Lock()
		s.tcpLn = tcpLn
		s.mu.Unlock()
		go s.serveTCP(ctx, tcpLn)
		s.Logger.Info().Str("addr", addr).Msg("portmapper TCP listening")
	}
}

// Stop closes any listeners that were successfully bound.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
}

func (s *Server) serveUDP(ctx context.Context, conn net.PacketConn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		reply, ok := s.handleCall(buf[:n])
		if ok {
			_, _ = conn.WriteTo(reply, addr)
		}
	}
}

func (s *Server) serveTCP(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleTCPClient(conn)
	}
}

func (s *Server) handleTCPClient(conn net.Conn) {
	defer conn.Close()
	data, err := rpc.ReadRecord(conn)
	if err != nil {
		return
	}
	reply, ok := s.handleCall(data)
	if !ok {
		return
	}
	_ = rpc.WriteRecord(conn, reply)
}

func (s *Server) handleCall(data []byte) ([]byte, bool) {
	hdr, d, err := rpc.DecodeCallHeader(data)
	if err != nil || hdr.Program != pmapProg || hdr.Version != pmapVers {
		return nil, false
	}

	switch hdr.Proc {
	case procNull:
		return buildReplyHeader(hdr.XID), true
	case procGetPort:
		prog, err := d.Uint32()
		if err != nil {
			return nil, false
		}
		if _, err := d.Uint32(); err != nil { // version, ignored: any version matches
			return nil, false
		}
		prot, err := d.Uint32()
		if err != nil {
			return nil, false
		}
		if _, err := d.Uint32(); err != nil { // port, ignored on request
			return nil, false
		}
		port := uint32(0)
		if programsServedOverTCP[prog] && prot == protocolTCP {
			port = uint32(s.VXIPort)
		}
		e := xdr.NewEncoder()
		e.PutUint32(port)
		return rpc.EncodeSuccessReply(hdr.XID, e.Bytes()), true
	default:
		return buildReplyHeader(hdr.XID), true
	}
}

func buildReplyHeader(xid uint32) []byte {
	return rpc.EncodeSuccessReply(xid, nil)
}

func portString(p int) string {
	return strconv.Itoa(p)
}
