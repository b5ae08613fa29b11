package handheld

import (
	"fmt"
	"strings"
	"time"
)

// BackendKind identifies which vendor reader family is attached.
type BackendKind int

const (
	// BackendNone means no backend has been selected yet.
	BackendNone BackendKind = iota
	// BackendCSL is the CSL CS108/CS463 BLE reader family.
	BackendCSL
	// BackendChainway is the Chainway R6 reader family.
	BackendChainway
)

func (k BackendKind) String() string {
	switch k {
	case BackendCSL:
		return "cs108"
	case BackendChainway:
		return "r6"
	default:
		return "none"
	}
}

// ParseBackendKind converts the persisted string form back into a BackendKind.
// Accepted values are "cs108"/"csl" and "r6"/"chainway" (case-insensitive).
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cs108", "csl":
		return BackendCSL, nil
	case "r6", "chainway":
		return BackendChainway, nil
	case "", "none":
		return BackendNone, nil
	default:
		return BackendNone, fmt.Errorf("unknown backend kind %q", s)
	}
}

// Device is a handheld found during discovery. Devices are identified by
// their display name.
type Device struct {
	Name       string `json:"name"`
	MACAddress string `json:"macAddress,omitempty"`

	// Handle is the backend-specific connection handle (a BLE peripheral for
	// example). It belongs to the device-list entry and is invalid once the
	// device is disconnected or the backend is switched.
	Handle any `json:"-"`
}

// Equal reports whether two devices refer to the same handheld.
func (d Device) Equal(other Device) bool {
	return d.Name == other.Name
}

// ConnectionState is the lifecycle state of the active handheld.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
	StateBusy
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Linked reports whether the state holds a live connection.
func (s ConnectionState) Linked() bool {
	return s == StateConnected || s == StateBusy
}

// ReaderMode is the mutually exclusive operating mode of the active handheld.
type ReaderMode int

const (
	ModeNone ReaderMode = iota
	ModeBarcode
	ModeRFID
)

func (m ReaderMode) String() string {
	switch m {
	case ModeBarcode:
		return "barcode"
	case ModeRFID:
		return "rfid"
	default:
		return "none"
	}
}

// ParseReaderMode parses "barcode", "rfid" or "none".
func ParseReaderMode(s string) (ReaderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "barcode":
		return ModeBarcode, nil
	case "rfid":
		return ModeRFID, nil
	case "", "none":
		return ModeNone, nil
	default:
		return ModeNone, fmt.Errorf("unknown reader mode %q", s)
	}
}

// Session is the Gen2 inventory session flag.
type Session int

const (
	SessionS0 Session = iota
	SessionS1
	SessionS2
	SessionS3
)

// Target is the Gen2 inventoried-flag target.
type Target int

const (
	TargetA Target = iota
	TargetB
	TargetToggleAB
)

// Algorithm is the anti-collision Q algorithm.
type Algorithm int

const (
	AlgorithmFixedQ Algorithm = iota
	AlgorithmDynamicQ
)

// LinkProfile selects the reader's RF modulation profile.
type LinkProfile int

const (
	LinkProfileMultipathInterference LinkProfile = iota
	LinkProfileRangeDRM
	LinkProfileRangeThroughputDRM
	LinkProfileMaxThroughput
)

// MemoryBank is a Gen2 tag memory bank.
type MemoryBank int

const (
	BankReserved MemoryBank = iota
	BankEPC
	BankTID
	BankUser
)

// Gain holds the receiver gain trims.
type Gain struct {
	RFLNAHighComp int `json:"rfLnaHighComp"`
	RFLNA         int `json:"rfLna"`
	IFLNA         int `json:"ifLna"`
	IFAGC         int `json:"ifAgc"`
}

// ReadProfile is a bundle of RFID inventory parameters.
type ReadProfile struct {
	Name          string      `json:"name"`
	TagPopulation int         `json:"tagPopulation"`
	QOverride     bool        `json:"qOverride"`
	QValue        int         `json:"qValue"`
	Session       Session     `json:"session"`
	Target        Target      `json:"target"`
	Algorithm     Algorithm   `json:"algorithm"`
	LinkProfile   LinkProfile `json:"linkProfile"`
	TagFocus      bool        `json:"tagFocus"`
	Gain          Gain        `json:"gain"`
}

// PrefixFilter selects tags by the leading bytes of a memory bank.
type PrefixFilter struct {
	Mask    string     `json:"mask"`
	Offset  int        `json:"offset"`
	Bank    MemoryBank `json:"bank"`
	Enabled bool       `json:"enabled"`
}

// Prefix returns the active mask, or "" when the filter is disabled.
func (f PrefixFilter) Prefix() string {
	if !f.Enabled {
		return ""
	}
	return f.Mask
}

const notAvailable = "N/A"

// DeviceInfo is populated by the connect handshake.
type DeviceInfo struct {
	BTFirmwareVersion     string `json:"btFirmwareVersion"`
	SiLabICVersion        string `json:"siLabICVersion"`
	RFIDFirmwareVersion   string `json:"rfidFirmwareVersion"`
	BoardVersion          string `json:"boardVersion"`
	SerialNumber          string `json:"serialNumber"`
	ReaderModel           string `json:"readerModel"`
	CountryCode           uint32 `json:"countryCode"`
	SpecialCountryVersion uint32 `json:"specialCountryVersion"`
	FreqModFlag           uint32 `json:"freqModFlag"`
	ModelCode             uint32 `json:"modelCode"`
	FixedFrequency        bool   `json:"fixedFrequency"`
	Region                string `json:"region"`
	Channel               string `json:"channel"`
	AppVersion            string `json:"appVersion"`
}

// NewDeviceInfo returns a DeviceInfo with every version string set to "N/A".
func NewDeviceInfo() DeviceInfo {
	return DeviceInfo{
		BTFirmwareVersion:   notAvailable,
		SiLabICVersion:      notAvailable,
		RFIDFirmwareVersion: notAvailable,
		BoardVersion:        notAvailable,
		SerialNumber:        notAvailable,
		ReaderModel:         notAvailable,
	}
}

// Coordinate is a WGS84 position. The zero value means no fix.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RFIDReading is a single inventoried tag.
type RFIDReading struct {
	EPC      string     `json:"epc"`
	RSSI     int        `json:"rssi"`
	Location Coordinate `json:"location"`
	ReadAt   time.Time  `json:"readAt"`
}

// BarcodeReading is a decoded barcode.
type BarcodeReading struct {
	Value  string    `json:"value"`
	ReadAt time.Time `json:"readAt"`
}

// AccessDirection tells whether a tag access was a read or a write.
type AccessDirection int

const (
	AccessRead AccessDirection = iota
	AccessWrite
)

func (d AccessDirection) String() string {
	if d == AccessWrite {
		return "write"
	}
	return "read"
}

// AccessResult is the outcome of a targeted tag memory read or write.
type AccessResult struct {
	Direction AccessDirection `json:"direction"`
	EPC       string          `json:"epc"`
	PC        string          `json:"pc"`
	Data      string          `json:"data"`
}

// BatteryStatus is the last sampled battery level.
type BatteryStatus struct {
	Percent   int       `json:"percent"`
	SampledAt time.Time `json:"sampledAt"`
}

// Handshake is what a backend reports once the link is up and the reader
// has been interrogated.
type Handshake struct {
	Info        DeviceInfo
	Frequencies FrequencyTable
}

// ReaderConfig is pushed to the reader at the end of the connect handshake.
type ReaderConfig struct {
	Region   string
	Channel  string
	Profile  ReadProfile
	Filter   PrefixFilter
	PowerDBm int
	Mode     ReaderMode
}
