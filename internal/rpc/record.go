// Package rpc implements the ONC-RPC record-marking transport and message
// envelope used by the VXI-11 façade: record-marked framing on TCP,
// call/reply header encoding, and the (program, version, procedure)
// dispatch table.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const maxFragment = 1 << 24 // 16 MiB, generous upper bound against abuse

// ErrFragmentTooLarge is returned when a peer announces an oversized
// record-marking fragment.
var ErrFragmentTooLarge = errors.New("rpc: fragment exceeds maximum size")

// ReadRecord reassembles one or more record-marking fragments from r into a
// single RPC message. The low 31 bits of each 4-byte big-endian header are
// the fragment length; the high bit marks the last fragment.
func ReadRecord(r io.Reader) ([]byte, error) {
	var out []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		marker := binary.BigEndian.Uint32(hdr[:])
		last := marker&0x80000000 != 0
		n := marker & 0x7FFFFFFF
		if n > maxFragment {
			return nil, ErrFragmentTooLarge
		}
		frag := make([]byte, n)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		out = append(out, frag...)
		if last {
			return out, nil
		}
	}
}

// WriteRecord frames payload as a single last-fragment record-marking
// message and writes it to w.
func WriteRecord(w io.Writer, payload []byte) error {
	if len(payload) > maxFragment {
		return fmt.Errorf("rpc: reply fragment too large: %d bytes", len(payload))
	}
	marker := uint32(len(payload)) | 0x80000000
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], marker)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
