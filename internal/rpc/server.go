package rpc

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/xdr"
)

// MetricsSink receives per-procedure latency and error-code observations.
// internal/metrics.Registry satisfies this; the interface lives here so
// internal/rpc doesn't import internal/metrics.
type MetricsSink interface {
	RecordRPC(procedure string, duration float64, errorCode int32)
}

// CoreHandler implements the DEVICE_CORE and DEVICE_ASYNC procedures. The
// core engine (internal/engine) is the sole implementer; this interface
// exists so the transport and the engine are independently testable.
type CoreHandler interface {
	CreateLink(ctx context.Context, p CreateLinkParms) CreateLinkResp
	DeviceWrite(ctx context.Context, p DeviceWriteParms) DeviceWriteResp
	DeviceRead(ctx context.Context, p DeviceReadParms) DeviceReadResp
	DeviceReadStb(ctx context.Context, p DeviceGenericParms) DeviceReadStbResp
	DeviceTrigger(ctx context.Context, p DeviceGenericParms) DeviceError
	DeviceClear(ctx context.Context, p DeviceGenericParms) DeviceError
	DeviceRemote(ctx context.Context, p DeviceGenericParms) DeviceError
	DeviceLocal(ctx context.Context, p DeviceGenericParms) DeviceError
	DeviceLock(ctx context.Context, p DeviceLockParms) DeviceError
	DeviceUnlock(ctx context.Context, p DeviceLinkParms) DeviceError
	DestroyLink(ctx context.Context, p DeviceLinkParms) DeviceError
	DeviceAbort(ctx context.Context, p DeviceLinkParms) DeviceError
	// ConnectionClosed is invoked once per accepted connection when it is
	// torn down, so the engine can destroy every link it created on that
	// connection (spec.md §5, "On client disconnect").
	ConnectionClosed(connID string)
}

// Server accepts VXI-11 TCP connections and dispatches record-marked RPC
// calls to a CoreHandler, one goroutine per connection, one request at a
// time within a connection (spec.md §5: "RPC requests are processed one at
// a time" per connection, matching the order VXI-11 clients assume).
type Server struct {
	Handler CoreHandler
	Logger  zerolog.Logger
	Metrics MetricsSink // optional; nil disables per-procedure recording
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	connSeq := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		connSeq++
		connID := strconv.FormatInt(int64(connSeq), 16)
		go s.handleConn(ctx, conn, connID)
	}
}

type connIDKeyType struct{}

var connIDKey = connIDKeyType{}

// ConnIDFromContext returns the connection ID a request arrived on, so
// the core engine can tie links to the connection that created them
// (spec.md §5, "On client disconnect").
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey).(string)
	return id
}

// WithConnID returns a context carrying connID, the same way handleConn
// tags every request context for an accepted connection. Exported for
// tests that drive a CoreHandler directly without a real net.Conn.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, connID string) {
	defer conn.Close()
	defer s.Handler.ConnectionClosed(connID)
	log := s.Logger.With().Str("conn", connID).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("vxi11 connection accepted")

	connCtx := WithConnID(ctx, connID)

	for {
		req, err := ReadRecord(conn)
		if err != nil {
			log.Debug().Err(err).Msg("vxi11 connection closed")
			return
		}
		reply, err := s.dispatch(connCtx, req)
		if err != nil {
			log.Warn().Err(err).Msg("vxi11 request rejected")
			continue
		}
		if err := WriteRecord(conn, reply); err != nil {
			log.Warn().Err(err).Msg("vxi11 reply write failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req []byte) ([]byte, error) {
	hdr, d, err := DecodeCallHeader(req)
	if err != nil {
		return nil, err
	}

	switch hdr.Program {
	case ProgDeviceCore:
		if hdr.Version != DeviceCoreVersion {
			return EncodeAcceptError(hdr.XID, AcceptProgMismatch, DeviceCoreVersion, DeviceCoreVersion), nil
		}
		return s.dispatchCore(ctx, hdr, d)
	case ProgDeviceAsync:
		if hdr.Proc != ProcDevAbort {
			return EncodeAcceptError(hdr.XID, AcceptProcUnavail, 0, 0), nil
		}
		p, err := DecodeDeviceLinkParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceAbort(ctx, p)
		return encodeReply(hdr.XID, resp), nil
	default:
		// DEVICE_INTR (0x0607B1) and anything else: not bound, per spec.md §4.1.
		return EncodeAcceptError(hdr.XID, AcceptProgUnavail, 0, 0), nil
	}
}

// procErrorCode is implemented by every DEVICE_CORE response type so the
// dispatcher can record its outcome without a type switch per procedure.
type procErrorCode interface {
	ErrorCode() int32
}

func (s *Server) record(procedure string, start time.Time, resp procErrorCode) {
	if s.Metrics != nil {
		s.Metrics.RecordRPC(procedure, time.Since(start).Seconds(), resp.ErrorCode())
	}
}

func (s *Server) dispatchCore(ctx context.Context, hdr CallHeader, d *xdr.Decoder) ([]byte, error) {
	start := time.Now()
	switch hdr.Proc {
	case ProcCreateLink:
		p, err := DecodeCreateLinkParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.CreateLink(ctx, p)
		s.record("create_link", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevWrite:
		p, err := DecodeDeviceWriteParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceWrite(ctx, p)
		s.record("device_write", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevRead:
		p, err := DecodeDeviceReadParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceRead(ctx, p)
		s.record("device_read", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevReadStb:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceReadStb(ctx, p)
		s.record("device_readstb", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevTrigger:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceTrigger(ctx, p)
		s.record("device_trigger", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevClear:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceClear(ctx, p)
		s.record("device_clear", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevRemote:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceRemote(ctx, p)
		s.record("device_remote", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevLocal:
		p, err := DecodeDeviceGenericParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceLocal(ctx, p)
		s.record("device_local", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevLock:
		p, err := DecodeDeviceLockParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceLock(ctx, p)
		s.record("device_lock", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDevUnlock:
		p, err := DecodeDeviceLinkParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DeviceUnlock(ctx, p)
		s.record("device_unlock", start, resp)
		return encodeReply(hdr.XID, resp), nil
	case ProcDestroyLink:
		p, err := DecodeDeviceLinkParms(d)
		if err != nil {
			return nil, err
		}
		resp := s.Handler.DestroyLink(ctx, p)
		s.record("destroy_link", start, resp)
		return encodeReply(hdr.XID, resp), nil
	default:
		return EncodeAcceptError(hdr.XID, AcceptProcUnavail, 0, 0), nil
	}
}

type encodable interface {
	Encode(e *xdr.Encoder)
}

func encodeReply(xid uint32, body encodable) []byte {
	e := xdr.NewEncoder()
	body.Encode(e)
	return EncodeSuccessReply(xid, e.Bytes())
}
