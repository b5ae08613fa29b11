package handheld

import "context"

// Op names a generic facade operation. It is used for routing, capability
// checks, logging and error reporting.
type Op string

const (
	OpScan          Op = "scan"
	OpStopScan      Op = "stopScan"
	OpConnect       Op = "connect"
	OpHandshake     Op = "handshake"
	OpConfigure     Op = "configure"
	OpDisconnect    Op = "disconnect"
	OpSetPower      Op = "setPower"
	OpSetMode       Op = "setMode"
	OpApplyProfile  Op = "applyProfile"
	OpSetPrefilter  Op = "setPrefixFilter"
	OpStartRead     Op = "startRead"
	OpStopRead      Op = "stopRead"
	OpAccessRead    Op = "accessRead"
	OpAccessWrite   Op = "accessWrite"
	OpBattery       Op = "battery"
	OpSelectBackend Op = "selectBackend"
)

// ReaderBackend is the capability surface each vendor adapter implements.
//
// Calls are issued from a single background worker, so implementations do
// not need to be safe for concurrent use by the Service. Raw hardware
// callbacks are reported asynchronously through the EventSink.
//
// An operation the hardware cannot perform must return an error matching
// ErrUnsupported and report false from Supports.
type ReaderBackend interface {
	Kind() BackendKind
	Supports(op Op) bool
	SetEventSink(sink EventSink)

	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error

	Connect(ctx context.Context, dev Device) error
	// Linked reports whether the vendor SDK considers the link established.
	Linked() bool
	Handshake(ctx context.Context) (Handshake, error)
	Configure(ctx context.Context, cfg ReaderConfig) error
	Disconnect(ctx context.Context) error

	SetPower(ctx context.Context, dBm int) error
	SetMode(ctx context.Context, mode ReaderMode) error
	ApplyProfile(ctx context.Context, profile ReadProfile) error
	SetPrefixFilter(ctx context.Context, filter PrefixFilter) error

	StartRead(ctx context.Context, mode ReaderMode) error
	StopRead(ctx context.Context, mode ReaderMode) error
	AccessRead(ctx context.Context, epc string) error
	AccessWrite(ctx context.Context, epc, newEPC string) error

	RequestBattery(ctx context.Context) error
}

// EventSink receives raw callbacks from a backend adapter. Callbacks may
// arrive on any goroutine.
type EventSink interface {
	DeviceDiscovered(dev Device)
	LinkUp(name string)
	LinkDown(name string)
	LinkFailed(name string, err error)
	TagRead(epc string, rssi int)
	BarcodeRead(raw string)
	TagAccess(result AccessResult)
	BatteryLevel(percent int)
	Trigger(pressed bool)
}
