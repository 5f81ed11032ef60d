package rpc

import "github.com/nexus-edge/vxi11-gateway/internal/xdr"

// CreateLinkParms is the decoded Create_LinkParms argument of CREATE_LINK.
type CreateLinkParms struct {
	ClientID       int32
	LockDevice     bool
	LockTimeoutMs  uint32
	Device         string
}

// DecodeCreateLinkParms decodes a Create_LinkParms from d.
func DecodeCreateLinkParms(d *xdr.Decoder) (CreateLinkParms, error) {
	var p CreateLinkParms
	var err error
	if p.ClientID, err = d.Int32(); err != nil {
		return p, xdr.Err("clientId", err)
	}
	if p.LockDevice, err = d.Bool(); err != nil {
		return p, xdr.Err("lockDevice", err)
	}
	if p.LockTimeoutMs, err = d.Uint32(); err != nil {
		return p, xdr.Err("lock_timeout", err)
	}
	if p.Device, err = d.String(); err != nil {
		return p, xdr.Err("device", err)
	}
	return p, nil
}

// CreateLinkResp is the Create_LinkResp result.
type CreateLinkResp struct {
	Error       int32
	LinkID      int32
	AbortPort   uint32
	MaxRecvSize uint32
}

// Encode appends the XDR encoding of r's body to e.
func (r CreateLinkResp) Encode(e *xdr.Encoder) {
	e.PutInt32(r.Error)
	e.PutInt32(r.LinkID)
	e.PutUint32(r.AbortPort)
	e.PutUint32(r.MaxRecvSize)
}

// ErrorCode satisfies procErrorCode for metrics recording.
func (r CreateLinkResp) ErrorCode() int32 { return r.Error }

// DeviceWriteParms is the decoded Device_WriteParms argument.
type DeviceWriteParms struct {
	LinkID    int32
	IOTimeout uint32
	LockTimeout uint32
	Flags     uint32
	Data      []byte
}

func DecodeDeviceWriteParms(d *xdr.Decoder) (DeviceWriteParms, error) {
	var p DeviceWriteParms
	var err error
	if p.LinkID, err = d.Int32(); err != nil {
		return p, xdr.Err("lid", err)
	}
	if p.IOTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("io_timeout", err)
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("lock_timeout", err)
	}
	if p.Flags, err = d.Uint32(); err != nil {
		return p, xdr.Err("flags", err)
	}
	if p.Data, err = d.Opaque(); err != nil {
		return p, xdr.Err("data", err)
	}
	return p, nil
}

// DeviceWriteResp is the Device_WriteResp result.
type DeviceWriteResp struct {
	Error int32
	Size  uint32
}

func (r DeviceWriteResp) Encode(e *xdr.Encoder) {
	e.PutInt32(r.Error)
	e.PutUint32(r.Size)
}

func (r DeviceWriteResp) ErrorCode() int32 { return r.Error }

// DeviceReadParms is the decoded Device_ReadParms argument.
type DeviceReadParms struct {
	LinkID      int32
	RequestSize uint32
	IOTimeout   uint32
	LockTimeout uint32
	Flags       uint32
	TermChar    byte
}

func DecodeDeviceReadParms(d *xdr.Decoder) (DeviceReadParms, error) {
	var p DeviceReadParms
	var err error
	if p.LinkID, err = d.Int32(); err != nil {
		return p, xdr.Err("lid", err)
	}
	if p.RequestSize, err = d.Uint32(); err != nil {
		return p, xdr.Err("requestSize", err)
	}
	if p.IOTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("io_timeout", err)
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("lock_timeout", err)
	}
	if p.Flags, err = d.Uint32(); err != nil {
		return p, xdr.Err("flags", err)
	}
	term, err := d.Uint32()
	if err != nil {
		return p, xdr.Err("termChar", err)
	}
	p.TermChar = byte(term)
	return p, nil
}

// DeviceReadResp is the Device_ReadResp result.
type DeviceReadResp struct {
	Error  int32
	Reason uint32
	Data   []byte
}

func (r DeviceReadResp) Encode(e *xdr.Encoder) {
	e.PutInt32(r.Error)
	e.PutUint32(r.Reason)
	e.PutOpaque(r.Data)
}

func (r DeviceReadResp) ErrorCode() int32 { return r.Error }

// DeviceGenericParms covers DEVICE_TRIGGER/CLEAR/REMOTE/LOCAL/READSTB's
// lid+flags+lock_timeout+io_timeout shape; DEVICE_LOCK decodes
// DeviceLockParms and DEVICE_UNLOCK decodes DeviceLinkParms instead.
type DeviceGenericParms struct {
	LinkID      int32
	Flags       uint32
	LockTimeout uint32
	IOTimeout   uint32
}

func DecodeDeviceGenericParms(d *xdr.Decoder) (DeviceGenericParms, error) {
	var p DeviceGenericParms
	var err error
	if p.LinkID, err = d.Int32(); err != nil {
		return p, xdr.Err("lid", err)
	}
	if p.Flags, err = d.Uint32(); err != nil {
		return p, xdr.Err("flags", err)
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("lock_timeout", err)
	}
	if p.IOTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("io_timeout", err)
	}
	return p, nil
}

// DeviceLockParms is the decoded Device_LockParms argument.
type DeviceLockParms struct {
	LinkID      int32
	Flags       uint32
	LockTimeout uint32
}

func DecodeDeviceLockParms(d *xdr.Decoder) (DeviceLockParms, error) {
	var p DeviceLockParms
	var err error
	if p.LinkID, err = d.Int32(); err != nil {
		return p, xdr.Err("lid", err)
	}
	if p.Flags, err = d.Uint32(); err != nil {
		return p, xdr.Err("flags", err)
	}
	if p.LockTimeout, err = d.Uint32(); err != nil {
		return p, xdr.Err("lock_timeout", err)
	}
	return p, nil
}

// DeviceLinkParms is the decoded Device_Link argument shared by
// DEVICE_UNLOCK and DESTROY_LINK (just the link-id).
type DeviceLinkParms struct {
	LinkID int32
}

func DecodeDeviceLinkParms(d *xdr.Decoder) (DeviceLinkParms, error) {
	lid, err := d.Int32()
	if err != nil {
		return DeviceLinkParms{}, xdr.Err("lid", err)
	}
	return DeviceLinkParms{LinkID: lid}, nil
}

// DeviceError is the plain Device_Error result shared by several procedures.
type DeviceError struct {
	Error int32
}

func (r DeviceError) Encode(e *xdr.Encoder) { e.PutInt32(r.Error) }

func (r DeviceError) ErrorCode() int32 { return r.Error }

// DeviceReadStbResp is the Device_ReadStbResp result.
type DeviceReadStbResp struct {
	Error int32
	Stb   byte
}

func (r DeviceReadStbResp) Encode(e *xdr.Encoder) {
	e.PutInt32(r.Error)
	e.PutUint32(uint32(r.Stb))
}

func (r DeviceReadStbResp) ErrorCode() int32 { return r.Error }
