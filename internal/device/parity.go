package device

import npserial "github.com/npat-efault/serial"

// parityOf maps a config string ("N", "E", "O") to the serial library's
// Parity type, shared by the adapters that open a dedicated (non-shared)
// serial port: ScpiSerial and GenericRegex.
func parityOf(s string) npserial.Parity {
	switch s {
	case "E", "e":
		return npserial.EvenParity
	case "O", "o":
		return npserial.OddParity
	default:
		return npserial.NoParity
	}
}
