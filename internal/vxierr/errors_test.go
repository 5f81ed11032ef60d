package vxierr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nexus-edge/vxi11-gateway/internal/vxierr"
)

func TestNew_ErrorMessage(t *testing.T) {
	err := vxierr.New(vxierr.ParameterError, "bad address")
	if err.Error() != "bad address" {
		t.Errorf("expected \"bad address\", got %q", err.Error())
	}
	if err.Code != vxierr.ParameterError {
		t.Errorf("expected ParameterError, got %d", err.Code)
	}
}

func TestWrap_IncludesUnderlyingError(t *testing.T) {
	cause := errors.New("connection reset")
	err := vxierr.Wrap(vxierr.IOError, "write failed", cause)
	if err.Error() != "write failed: connection reset" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := vxierr.Wrap(vxierr.IOTimeout, "read timed out", cause)
	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return the original cause")
	}
}

func TestCodeOf_NilError(t *testing.T) {
	if got := vxierr.CodeOf(nil); got != vxierr.NoError {
		t.Errorf("expected NoError for a nil error, got %d", got)
	}
}

func TestCodeOf_VxiError(t *testing.T) {
	err := vxierr.New(vxierr.DeviceLockedByAnotherLink, "locked")
	if got := vxierr.CodeOf(err); got != vxierr.DeviceLockedByAnotherLink {
		t.Errorf("expected DeviceLockedByAnotherLink, got %d", got)
	}
}

func TestCodeOf_PlainErrorDefaultsToIOError(t *testing.T) {
	err := errors.New("some transport failure")
	if got := vxierr.CodeOf(err); got != vxierr.IOError {
		t.Errorf("expected IOError for a plain error, got %d", got)
	}
}

func TestCodeOf_WrappedVxiErrorViaFmtErrorf(t *testing.T) {
	inner := vxierr.New(vxierr.OutOfResources, "no links available")
	wrapped := fmt.Errorf("create_link: %w", inner)
	if got := vxierr.CodeOf(wrapped); got != vxierr.OutOfResources {
		t.Errorf("expected CodeOf to unwrap through fmt.Errorf, got %d", got)
	}
}
