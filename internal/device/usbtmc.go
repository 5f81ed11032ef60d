package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
)

// USBTMC message IDs and Bulk-OUT/Bulk-IN header layout (USBTMC 1.0 §3,
// the framing python-usbtmc's write_raw/read_raw build internally).
const (
	usbtmcMsgDevDepMsgOut       byte = 1
	usbtmcMsgRequestDevDepMsgIn byte = 2
	usbtmcMsgDevDepMsgIn        byte = 2
	usbtmcHeaderSize                 = 12
)

// UsbtmcConfig configures a USBTMC adapter (spec.md §4.4).
type UsbtmcConfig struct {
	VID              gousb.ID      `mapstructure:"vid"`
	PID              gousb.ID      `mapstructure:"pid"`
	Serial           string        `mapstructure:"serial"`
	Timeout          time.Duration `mapstructure:"timeout"`
	WriteTermination []byte        `mapstructure:"write_termination"`
	ReadTermination  []byte        `mapstructure:"read_termination"`
}

// Usbtmc forwards SCPI commands to a USB Test & Measurement Class
// device, opened and released on every Acquire/Release rather than held
// open for the process lifetime, matching usbtmc.py's acquire()/release()
// split. Grounded on original_source/adapters/usbtmc.py.
type Usbtmc struct {
	cfg UsbtmcConfig
	log zerolog.Logger

	ctx *gousb.Context

	mu    sync.Mutex
	dev   *gousb.Device
	intf  *gousb.Interface
	inEP  *gousb.InEndpoint
	outEP *gousb.OutEndpoint
	done  func()
	tag   byte
}

// NewUsbtmc constructs a Usbtmc adapter. The gousb.Context is created
// lazily in Connect, matching the Python original's "usbtmc is required"
// lazy-import guard.
func NewUsbtmc(cfg UsbtmcConfig, log zerolog.Logger) *Usbtmc {
	return &Usbtmc{cfg: cfg, log: log.With().Str("adapter", fmt.Sprintf("usbtmc-%04x:%04x", cfg.VID, cfg.PID)).Logger()}
}

// RequiresLock is always true: a USB device serves one client at a time.
func (a *Usbtmc) RequiresLock() bool { return true }

func (a *Usbtmc) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		a.ctx = gousb.NewContext()
	}
	return nil
}

func (a *Usbtmc) Disconnect(ctx context.Context) error {
	a.Release()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		_ = a.ctx.Close()
		a.ctx = nil
	}
	return nil
}

// Acquire opens the USB device, claims its first interface, and resolves
// the bulk in/out endpoints used for USBTMC transfers.
func (a *Usbtmc) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev != nil {
		return nil
	}
	if a.ctx == nil {
		return fmt.Errorf("usbtmc: not connected")
	}

	dev, err := a.ctx.OpenDeviceWithVIDPID(a.cfg.VID, a.cfg.PID)
	if err != nil {
		return fmt.Errorf("usbtmc: open VID=%s PID=%s: %w", a.cfg.VID, a.cfg.PID, err)
	}
	if dev == nil {
		return fmt.Errorf("usbtmc: no device matching VID=%s PID=%s", a.cfg.VID, a.cfg.PID)
	}

	if a.cfg.Serial != "" {
		sn, err := dev.SerialNumber()
		if err != nil || sn != a.cfg.Serial {
			dev.Close()
			return fmt.Errorf("usbtmc: device serial %q does not match requested %q", sn, a.cfg.Serial)
		}
	}

	_ = dev.SetAutoDetach(true)

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return fmt.Errorf("usbtmc: select config: %w", err)
	}

	var intf *gousb.Interface
	var inEP *gousb.InEndpoint
	var outEP *gousb.OutEndpoint
	for _, desc := range cfg.Desc.Interfaces {
		alt := desc.AltSettings[0]
		candidate, err := cfg.Interface(desc.Number, alt.Number)
		if err != nil {
			continue
		}
		var foundIn *gousb.InEndpoint
		var foundOut *gousb.OutEndpoint
		for _, epDesc := range alt.Endpoints {
			if epDesc.Direction == gousb.EndpointDirectionIn {
				if ep, err := candidate.InEndpoint(epDesc.Number); err == nil {
					foundIn = ep
				}
			} else {
				if ep, err := candidate.OutEndpoint(epDesc.Number); err == nil {
					foundOut = ep
				}
			}
		}
		if foundIn != nil && foundOut != nil {
			intf, inEP, outEP = candidate, foundIn, foundOut
			break
		}
		candidate.Close()
	}
	if intf == nil {
		cfg.Close()
		dev.Close()
		return fmt.Errorf("usbtmc: no bulk in/out endpoint pair found")
	}

	a.dev = dev
	a.intf = intf
	a.inEP = inEP
	a.outEP = outEP
	a.done = func() {
		intf.Close()
		cfg.Close()
		dev.Close()
	}
	a.log.Debug().Msg("usbtmc: device opened")
	return nil
}

func (a *Usbtmc) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		a.done()
	}
	a.dev, a.intf, a.inEP, a.outEP, a.done = nil, nil, nil, nil, nil
}

// nextTag advances the USBTMC bTag counter. Valid tags run 1-255; 0 is
// reserved (USBTMC 1.0 §3.2).
func (a *Usbtmc) nextTag() byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tag++
	if a.tag == 0 {
		a.tag = 1
	}
	return a.tag
}

// usbtmcDevDepMsgOut builds a Bulk-OUT DEV_DEP_MSG_OUT transfer: the
// 12-byte USBTMC header carrying bTag/bTagInverse, TransferSize, and the
// EOM bit, followed by payload padded to a 4-byte boundary. The padding
// bytes aren't counted in TransferSize and are discarded by the device.
func usbtmcDevDepMsgOut(tag byte, payload []byte) []byte {
	frame := make([]byte, usbtmcHeaderSize, usbtmcHeaderSize+len(payload)+3)
	frame[0] = usbtmcMsgDevDepMsgOut
	frame[1] = tag
	frame[2] = ^tag
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	frame[8] = 0x01 // EOM: the whole message fits in this one transfer
	frame = append(frame, payload...)
	if pad := (4 - len(frame)%4) % 4; pad > 0 {
		frame = append(frame, make([]byte, pad)...)
	}
	return frame
}

// usbtmcRequestDevDepMsgIn builds the Bulk-OUT REQUEST_DEV_DEP_MSG_IN
// transfer that solicits a response of up to transferSize bytes.
func usbtmcRequestDevDepMsgIn(tag byte, transferSize uint32, termChar byte, termCharEnabled bool) []byte {
	frame := make([]byte, usbtmcHeaderSize)
	frame[0] = usbtmcMsgRequestDevDepMsgIn
	frame[1] = tag
	frame[2] = ^tag
	binary.LittleEndian.PutUint32(frame[4:8], transferSize)
	if termCharEnabled {
		frame[8] = 0x01
		frame[9] = termChar
	}
	return frame
}

// usbtmcParseDevDepMsgIn validates and strips the 12-byte Bulk-IN
// DEV_DEP_MSG_IN header, returning the USBTMC message data and the EOM
// bit for this transfer.
func usbtmcParseDevDepMsgIn(frame []byte, tag byte) ([]byte, bool, error) {
	if len(frame) < usbtmcHeaderSize {
		return nil, false, fmt.Errorf("usbtmc: short DEV_DEP_MSG_IN header (%d bytes)", len(frame))
	}
	if frame[0] != usbtmcMsgDevDepMsgIn {
		return nil, false, fmt.Errorf("usbtmc: unexpected MsgID %d in DEV_DEP_MSG_IN header", frame[0])
	}
	if frame[1] != tag || frame[2] != ^tag {
		return nil, false, fmt.Errorf("usbtmc: bTag mismatch in DEV_DEP_MSG_IN header")
	}
	size := binary.LittleEndian.Uint32(frame[4:8])
	eom := frame[8]&0x01 != 0
	data := frame[usbtmcHeaderSize:]
	if uint32(len(data)) < size {
		return data, eom, fmt.Errorf("usbtmc: truncated DEV_DEP_MSG_IN payload: want %d, have %d", size, len(data))
	}
	return data[:size], eom, nil
}

// Write frames data as a single DEV_DEP_MSG_OUT Bulk-OUT transfer
// (spec.md §4.4: "Frame Bulk-OUT with the USBTMC header"). The
// write_raw call on the Python original's usbtmc library builds this
// same header internally.
func (a *Usbtmc) Write(ctx context.Context, data []byte) (int, error) {
	a.mu.Lock()
	outEP := a.outEP
	a.mu.Unlock()
	if outEP == nil {
		return 0, fmt.Errorf("usbtmc: device is not connected")
	}

	payload := data
	if len(a.cfg.WriteTermination) > 0 && !bytes.HasSuffix(payload, a.cfg.WriteTermination) {
		payload = append(append([]byte{}, data...), a.cfg.WriteTermination...)
	}

	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame := usbtmcDevDepMsgOut(a.nextTag(), payload)
	if _, err := outEP.WriteContext(wctx, frame); err != nil {
		return 0, fmt.Errorf("usbtmc: write failed: %w", err)
	}
	a.log.Debug().Int("bytes", len(payload)).Msg("usbtmc: wrote")
	return len(payload), nil
}

// Read solicits a response with REQUEST_DEV_DEP_MSG_IN and drains the
// Bulk-IN transfer, stripping the DEV_DEP_MSG_IN header before
// returning the USBTMC message data (spec.md §4.4: "drain Bulk-IN
// likewise"). Matches the framing usbtmc.py's read_raw performs inside
// the python-usbtmc library.
func (a *Usbtmc) Read(ctx context.Context, maxBytes int) ([]byte, ReadReason, error) {
	a.mu.Lock()
	inEP := a.inEP
	outEP := a.outEP
	a.mu.Unlock()
	if inEP == nil || outEP == nil {
		return nil, 0, fmt.Errorf("usbtmc: device is not connected")
	}

	target := maxBytes
	if target < 1 {
		target = 1
	}

	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tag := a.nextTag()
	var termChar byte
	termEnabled := len(a.cfg.ReadTermination) == 1
	if termEnabled {
		termChar = a.cfg.ReadTermination[0]
	}
	reqFrame := usbtmcRequestDevDepMsgIn(tag, uint32(target), termChar, termEnabled)
	if _, err := outEP.WriteContext(rctx, reqFrame); err != nil {
		return nil, 0, fmt.Errorf("usbtmc: REQUEST_DEV_DEP_MSG_IN failed: %w", err)
	}

	chunkSize := usbtmcHeaderSize + target
	if chunkSize > usbtmcHeaderSize+1024 {
		chunkSize = usbtmcHeaderSize + 1024
	}
	buf := make([]byte, 0, chunkSize)
	chunk := make([]byte, chunkSize)
	needed := -1
	for needed < 0 || len(buf) < needed {
		n, err := inEP.ReadContext(rctx, chunk)
		if err != nil || n == 0 {
			break
		}
		buf = append(buf, chunk[:n]...)
		if needed < 0 && len(buf) >= usbtmcHeaderSize {
			size := int(binary.LittleEndian.Uint32(buf[4:8]))
			pad := (4 - size%4) % 4
			needed = usbtmcHeaderSize + size + pad
		}
	}

	payload, eom, err := usbtmcParseDevDepMsgIn(buf, tag)
	if err != nil {
		return nil, 0, err
	}
	a.log.Debug().Int("bytes", len(payload)).Msg("usbtmc: read")

	reason := ReadReason(0)
	if len(payload) >= target {
		reason |= ReasonRequestSizeSatisfied
	}
	if eom {
		reason |= ReasonEndOfMessage
	}
	if termEnabled && bytes.HasSuffix(payload, a.cfg.ReadTermination) {
		reason |= ReasonTermCharMatched
	}
	return payload, reason, nil
}
