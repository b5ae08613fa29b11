// Package chainway adapts the Chainway R6 SDK to handheld.ReaderBackend.
//
// The R6 SDK exposes a much smaller surface than the CSL one: devices are
// addressed by name, there is no OEM interrogation, and tag memory access,
// read profiles and hardware prefilters are not available.
package chainway

// SDK is the subset of the Chainway R6 service the adapter drives.
type SDK interface {
	SetDelegate(d Delegate)

	// ConfigureBLE powers up the BLE stack and starts advertising scans.
	ConfigureBLE() error
	StopScanningDevices() error
	ConnectToDevice(name string) error
	DisconnectDevice() error

	SetReadMode(isBarcode bool) error
	SetReadPower(dBm int) error
	StartReading() error
	StopReading() error
	GetBatteryLevel() error
}

// Delegate receives the SDK callbacks.
type Delegate interface {
	DidReceiveDevice(name string)
	DidConnectToDevice(name string)
	DidDisconnectToDevice(name string)
	DidFailWithDevice(name string)
	DidReceiveBatteryLevel(percent int)
	DidReceiveBarcode(barcode string)
	DidReceiveRF(epc string, rssi int)
	// DidReceiveRFTags is the batched form older firmware uses. It carries
	// no signal strength.
	DidReceiveRFTags(epcs []string)
}
