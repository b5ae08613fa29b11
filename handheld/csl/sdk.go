// Package csl adapts the CSL CS108/CS463 BLE reader SDK to the
// handheld.ReaderBackend capability surface.
package csl

// ConnectStatus mirrors the SDK reader's connection status register.
type ConnectStatus int

const (
	StatusNotConnected ConnectStatus = iota
	StatusScanning
	StatusConnected
	StatusBusy
	StatusTagOperations
)

func (s ConnectStatus) String() string {
	switch s {
	case StatusScanning:
		return "scanning"
	case StatusConnected:
		return "connected"
	case StatusBusy:
		return "busy"
	case StatusTagOperations:
		return "tag-operations"
	default:
		return "not-connected"
	}
}

// Peripheral is a BLE peripheral advertised by a CSL reader.
type Peripheral struct {
	Name    string
	Address string
}

// AccessCommand is the memory command a tag access response answers.
type AccessCommand int

const (
	CommandRead AccessCommand = iota
	CommandWrite
)

// Bank is a Gen2 memory bank as numbered by the SDK.
type Bank uint8

const (
	BankReserved Bank = iota
	BankEPC
	BankTID
	BankUser
)

// Tag is a tag response packet. Data is only set for access responses.
type Tag struct {
	EPC     string
	RSSI    int
	PC      uint16
	Data    string
	Command AccessCommand
}

// MemoryRequest targets a tag by EPC mask and reads or writes one bank.
type MemoryRequest struct {
	Bank        Bank
	Offset      uint16
	Count       uint16
	Password    uint32
	Data        []byte
	MaskBank    Bank
	MaskPointer uint32
	MaskLength  uint32 // bits
	MaskData    []byte
}

// InventoryConfig is the tag configuration pushed before reading.
type InventoryConfig struct {
	TagPopulation int
	QOverride     bool
	QValue        int
	Session       int
	Target        int
	Algorithm     int
	LinkProfile   int
	TagFocus      bool
	RFLNAHighComp int
	RFLNA         int
	IFLNA         int
	IFAGC         int
}

// Prefilter is a select mask applied by the reader firmware.
type Prefilter struct {
	Mask    []byte
	Offset  uint32
	Bank    Bank
	Enabled bool
}

// OEM data addresses read during the handshake.
const (
	OEMCountryCode           uint16 = 0x02
	OEMSpecialCountryVersion uint16 = 0x8e
	OEMFreqModFlag           uint16 = 0x8f
	OEMModelCode             uint16 = 0xa4
	OEMFixedFrequency        uint16 = 0x9d
)

// Reader is the subset of the CSL BLE SDK the adapter drives. Calls are
// made from one goroutine at a time.
type Reader interface {
	SetDelegate(d Delegate)
	ConnectStatus() ConnectStatus

	StartScanDevice() error
	StopScanDevice() error
	ConnectDevice(p Peripheral) error
	DisconnectDevice() error

	BarcodeReader(enable bool) error
	PowerOnRFID(on bool) error
	BTFirmwareVersion() (string, error)
	SiLabICVersion() (string, error)
	RFIDBoardSerialNumber() (string, error)
	PCBBoardVersion() (string, error)
	SendAbortCommand() error
	RFIDFirmwareVersion() (string, error)
	ReadOEMData(addr uint16) (uint32, error)

	SetRegion(region string, frequencies []float64, fixed bool) error
	SetPower(dBm float64) error
	SetInventoryConfig(cfg InventoryConfig) error
	SetPrefilter(f Prefilter) error

	StartInventory() error
	StopInventory() error
	StartBarcodeReading() error
	StopBarcodeReading() error
	ClearFilteredBuffer()

	StartTagMemoryRead(req MemoryRequest) error
	StartTagMemoryWrite(req MemoryRequest) error
	GetSingleBatteryReport() error
}

// Delegate receives the SDK's asynchronous callbacks.
type Delegate interface {
	DeviceFound(p Peripheral)
	DidConnect(p Peripheral)
	DidDisconnect(p Peripheral)
	DidFailToConnect(p Peripheral, err error)
	TagResponse(tag Tag)
	TagAccess(tag Tag)
	TriggerKeyChanged(pressed bool)
	BatteryLevel(percent int)
	Barcode(value string)
	CommandEnd()
}
