package device_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/vxi11-gateway/internal/device"
)

func TestUsbtmc_RequiresLockIsAlwaysTrue(t *testing.T) {
	a := device.NewUsbtmc(device.UsbtmcConfig{}, zerolog.Nop())
	if !a.RequiresLock() {
		t.Error("expected Usbtmc to always require locking")
	}
}

func TestUsbtmc_AcquireWithoutConnectFails(t *testing.T) {
	a := device.NewUsbtmc(device.UsbtmcConfig{VID: 0x0957, PID: 0x1796}, zerolog.Nop())
	if err := a.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire to fail before Connect has created a USB context")
	}
}

func TestUsbtmc_WriteWithoutAcquireFails(t *testing.T) {
	a := device.NewUsbtmc(device.UsbtmcConfig{}, zerolog.Nop())
	if _, err := a.Write(context.Background(), []byte("*IDN?")); err == nil {
		t.Fatal("expected an error writing without an acquired device")
	}
}

func TestUsbtmc_ReadWithoutAcquireFails(t *testing.T) {
	a := device.NewUsbtmc(device.UsbtmcConfig{}, zerolog.Nop())
	if _, _, err := a.Read(context.Background(), 1024); err == nil {
		t.Fatal("expected an error reading without an acquired device")
	}
}

func TestUsbtmc_ReleaseWithoutAcquireIsSafe(t *testing.T) {
	a := device.NewUsbtmc(device.UsbtmcConfig{}, zerolog.Nop())
	a.Release()
}

func TestUsbtmc_DisconnectWithoutConnectIsSafe(t *testing.T) {
	a := device.NewUsbtmc(device.UsbtmcConfig{}, zerolog.Nop())
	if err := a.Disconnect(context.Background()); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
}
