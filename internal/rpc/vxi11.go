package rpc

// VXI-11 program numbers and DEVICE_CORE procedure numbers (spec.md §4.1).
const (
	ProgDeviceCore  = 0x0607AF
	ProgDeviceAsync = 0x0607B0
	ProgDeviceIntr  = 0x0607B1

	DeviceCoreVersion = 1

	ProcCreateLink   = 10
	ProcDevWrite     = 11
	ProcDevRead      = 12
	ProcDevReadStb   = 13
	ProcDevTrigger   = 14
	ProcDevClear     = 15
	ProcDevRemote    = 16
	ProcDevLocal     = 17
	ProcDevLock      = 18
	ProcDevUnlock    = 19
	ProcDestroyLink  = 23

	ProcDevAbort = 1 // DEVICE_ASYNC's only recognized procedure
)

// Flags carried in Device_Flags bitfields (CREATE_LINK lock flag, DEVICE_LOCK
// wait flag, DEVICE_WRITE/READ termchar flags).
const (
	FlagWaitLock  = 0x01
	FlagEndWrite  = 0x08
	FlagTermCharSet = 0x80
)

// Device_Read reason bits (spec.md §4.3).
const (
	ReasonRequestSizeSatisfied = 0x01
	ReasonTermCharSet          = 0x02
	ReasonEndOfMessage         = 0x04
)
