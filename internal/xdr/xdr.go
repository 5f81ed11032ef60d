// Package xdr implements the subset of External Data Representation (RFC
// 4506) needed to encode and decode ONC-RPC messages and VXI-11 structures:
// fixed-width integers, opaque byte strings, and strings, all padded to a
// 4-byte boundary.
package xdr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a Decoder runs out of input mid-field.
var ErrTruncated = errors.New("xdr: truncated input")

// Encoder accumulates XDR-encoded bytes.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a small pre-allocated buffer.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded byte slice accumulated so far.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutUint32 appends a 4-byte big-endian unsigned integer.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutInt32 appends a 4-byte big-endian signed integer.
func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }

// PutBool appends a boolean encoded as a 4-byte integer 0 or 1.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint32(1)
	} else {
		e.PutUint32(0)
	}
}

// PutOpaque appends a length-prefixed, 4-byte-padded opaque byte string.
func (e *Encoder) PutOpaque(v []byte) {
	e.PutUint32(uint32(len(v)))
	e.buf = append(e.buf, v...)
	if pad := padLen(len(v)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

// PutString appends a string using the same encoding as PutOpaque.
func (e *Encoder) PutString(v string) { e.PutOpaque([]byte(v)) }

// PutFixedOpaque appends raw bytes padded to a 4-byte boundary without a
// length prefix, used for fixed-size opaque fields such as RPC credentials.
func (e *Encoder) PutFixedOpaque(v []byte) {
	e.buf = append(e.buf, v...)
	if pad := padLen(len(v)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

func padLen(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// Decoder consumes XDR-encoded bytes sequentially.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes are left to decode.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

// Uint32 decodes a 4-byte big-endian unsigned integer.
func (d *Decoder) Uint32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

// Int32 decodes a 4-byte big-endian signed integer.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Bool decodes a 4-byte boolean (any nonzero value is true).
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Opaque decodes a length-prefixed, 4-byte-padded opaque byte string.
func (d *Decoder) Opaque() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	total := int(n) + padLen(int(n))
	if d.Remaining() < total {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += total
	return out, nil
}

// String decodes a string using the same encoding as Opaque.
func (d *Decoder) String() (string, error) {
	b, err := d.Opaque()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SkipFixedOpaque advances past n raw bytes padded to a 4-byte boundary,
// used to skip RPC credential/verifier bodies whose flavor is not AUTH_NONE.
func (d *Decoder) SkipFixedOpaque(n int) error {
	total := n + padLen(n)
	if d.Remaining() < total {
		return ErrTruncated
	}
	d.pos += total
	return nil
}

// Err wraps an xdr decode failure with a field name for diagnostics.
func Err(field string, err error) error {
	return fmt.Errorf("xdr: decoding %s: %w", field, err)
}
