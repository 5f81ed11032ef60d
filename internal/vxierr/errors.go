// Package vxierr defines the VXI-11 device error taxonomy and the typed
// error used to carry a numeric error code from adapters and the core
// engine back to the RPC dispatcher.
package vxierr

import (
	"errors"
	"fmt"
)

// Code is a VXI-11 device error number as defined by the protocol.
type Code int32

const (
	NoError                    Code = 0
	SyntaxError                Code = 1
	DeviceNotAccessible        Code = 3
	InvalidLinkIdentifier      Code = 4
	ParameterError             Code = 5
	ChannelNotEstablished      Code = 6
	OperationNotSupported      Code = 8
	OutOfResources             Code = 9
	DeviceLockedByAnotherLink  Code = 11
	NoLockHeldByThisLink       Code = 12
	IOTimeout                  Code = 15
	IOError                    Code = 17
	Abort                      Code = 23
)

// Error is a VXI-11 error carrying the numeric code returned to the client
// in the reply's error field, plus a human diagnostic for logs and for the
// adapter's read buffer (MODBUS exception diagnostics, §7 of the design).
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds an Error with the given code, message, and underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the VXI-11 error code from err, defaulting to IOError for
// any error that did not originate as a *vxierr.Error — adapters that
// return a plain error are assumed to have hit a transport failure.
func CodeOf(err error) Code {
	if err == nil {
		return NoError
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code
	}
	return IOError
}
