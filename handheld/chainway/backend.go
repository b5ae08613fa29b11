package chainway

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/rs/zerolog"
)

// ModelR6 is the reader model reported for every Chainway handheld.
const ModelR6 = "R6"

// ErrLinkFailed is passed to LinkFailed when the SDK reports a failed
// connection; the SDK gives no further detail.
var ErrLinkFailed = errors.New("chainway: device reported connection failure")

var unsupported = map[handheld.Op]bool{
	handheld.OpApplyProfile: true,
	handheld.OpSetPrefilter: true,
	handheld.OpAccessRead:   true,
	handheld.OpAccessWrite:  true,
}

// Options configures a Backend.
type Options struct {
	// NamePrefix restricts discovery to devices whose advertised name starts
	// with it. Empty accepts every device.
	NamePrefix string
}

// Backend drives an R6 through the SDK.
type Backend struct {
	sdk    SDK
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	sink   handheld.EventSink
	linked bool
}

// New wraps sdk and installs the backend as its delegate.
func New(sdk SDK, opts Options, logger zerolog.Logger) *Backend {
	b := &Backend{
		sdk:    sdk,
		prefix: opts.NamePrefix,
		log:    logger.With().Str("component", "chainway").Logger(),
	}
	sdk.SetDelegate(delegate{b})
	return b
}

// Kind implements handheld.ReaderBackend.
func (b *Backend) Kind() handheld.BackendKind { return handheld.BackendChainway }

// Supports reports false for the operations the R6 SDK lacks.
func (b *Backend) Supports(op handheld.Op) bool { return !unsupported[op] }

// SetEventSink sets where SDK callbacks are forwarded.
func (b *Backend) SetEventSink(sink handheld.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// StartScan starts BLE discovery.
func (b *Backend) StartScan(ctx context.Context) error {
	return fault(handheld.OpScan, "configure BLE", b.sdk.ConfigureBLE())
}

// StopScan stops BLE discovery.
func (b *Backend) StopScan(ctx context.Context) error {
	return fault(handheld.OpStopScan, "stop scanning", b.sdk.StopScanningDevices())
}

// Connect asks the SDK to connect to dev by name.
func (b *Backend) Connect(ctx context.Context, dev handheld.Device) error {
	b.log.Info().Str("device", dev.Name).Msg("Connecting")
	if err := b.sdk.ConnectToDevice(dev.Name); err != nil {
		return handheld.NewConnectError(handheld.ErrCodeConnectFailed, dev.Name, err)
	}
	return nil
}

// Linked reports whether the SDK has an open link.
func (b *Backend) Linked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linked
}

// Handshake reports a fixed identity. The R6 SDK has no firmware or region
// queries, so the frequency table is empty and stored regions are kept.
func (b *Backend) Handshake(ctx context.Context) (handheld.Handshake, error) {
	if !b.Linked() {
		return handheld.Handshake{}, handheld.WrapError(handheld.ErrCodeBackendFault, handheld.OpHandshake, "link not established", nil)
	}
	info := handheld.NewDeviceInfo()
	info.ReaderModel = ModelR6
	return handheld.Handshake{Info: info}, nil
}

// Configure pushes power and read mode. Profile and prefilter settings have
// no R6 equivalent and are skipped.
func (b *Backend) Configure(ctx context.Context, cfg handheld.ReaderConfig) error {
	if err := b.SetPower(ctx, cfg.PowerDBm); err != nil {
		return err
	}
	if cfg.Mode == handheld.ModeNone {
		return nil
	}
	return b.SetMode(ctx, cfg.Mode)
}

// Disconnect closes the link.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.linked = false
	b.mu.Unlock()
	return fault(handheld.OpDisconnect, "disconnect", b.sdk.DisconnectDevice())
}

// SetPower sets the read power in dBm.
func (b *Backend) SetPower(ctx context.Context, dBm int) error {
	return fault(handheld.OpSetPower, "set read power", b.sdk.SetReadPower(dBm))
}

// SetMode switches the trigger between barcode and RFID.
func (b *Backend) SetMode(ctx context.Context, mode handheld.ReaderMode) error {
	return fault(handheld.OpSetMode, "set read mode", b.sdk.SetReadMode(mode == handheld.ModeBarcode))
}

// ApplyProfile is unsupported.
func (b *Backend) ApplyProfile(ctx context.Context, p handheld.ReadProfile) error {
	return handheld.NewUnsupportedError(handheld.OpApplyProfile, handheld.BackendChainway)
}

// SetPrefixFilter is unsupported; filtering happens in software.
func (b *Backend) SetPrefixFilter(ctx context.Context, f handheld.PrefixFilter) error {
	return handheld.NewUnsupportedError(handheld.OpSetPrefilter, handheld.BackendChainway)
}

// StartRead selects the engine for mode and starts it.
func (b *Backend) StartRead(ctx context.Context, mode handheld.ReaderMode) error {
	if mode == handheld.ModeNone {
		return handheld.ErrModeNotSet
	}
	if err := b.SetMode(ctx, mode); err != nil {
		return err
	}
	return fault(handheld.OpStartRead, "start reading", b.sdk.StartReading())
}

// StopRead stops reading.
func (b *Backend) StopRead(ctx context.Context, mode handheld.ReaderMode) error {
	return fault(handheld.OpStopRead, "stop reading", b.sdk.StopReading())
}

// AccessRead is unsupported.
func (b *Backend) AccessRead(ctx context.Context, epc string) error {
	return handheld.NewUnsupportedError(handheld.OpAccessRead, handheld.BackendChainway)
}

// AccessWrite is unsupported.
func (b *Backend) AccessWrite(ctx context.Context, epc, newEPC string) error {
	return handheld.NewUnsupportedError(handheld.OpAccessWrite, handheld.BackendChainway)
}

// RequestBattery asks for a battery report, delivered via the delegate.
func (b *Backend) RequestBattery(ctx context.Context) error {
	return fault(handheld.OpBattery, "get battery level", b.sdk.GetBatteryLevel())
}

func (b *Backend) eventSink() handheld.EventSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

func (b *Backend) setLinked(linked bool) handheld.EventSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.linked = linked
	return b.sink
}

func fault(op handheld.Op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return handheld.WrapError(handheld.ErrCodeBackendFault, op, msg, err)
}

type delegate struct {
	b *Backend
}

func (d delegate) DidReceiveDevice(name string) {
	name = strings.TrimSpace(name)
	if name == "" || !strings.HasPrefix(name, d.b.prefix) {
		return
	}
	if sink := d.b.eventSink(); sink != nil {
		sink.DeviceDiscovered(handheld.Device{Name: name})
	}
}

func (d delegate) DidConnectToDevice(name string) {
	d.b.log.Info().Str("device", name).Msg("Link up")
	if sink := d.b.setLinked(true); sink != nil {
		sink.LinkUp(name)
	}
}

func (d delegate) DidDisconnectToDevice(name string) {
	d.b.log.Info().Str("device", name).Msg("Link down")
	if sink := d.b.setLinked(false); sink != nil {
		sink.LinkDown(name)
	}
}

func (d delegate) DidFailWithDevice(name string) {
	d.b.log.Warn().Str("device", name).Msg("Connection failed")
	if sink := d.b.setLinked(false); sink != nil {
		sink.LinkFailed(name, ErrLinkFailed)
	}
}

func (d delegate) DidReceiveBatteryLevel(percent int) {
	if sink := d.b.eventSink(); sink != nil {
		sink.BatteryLevel(percent)
	}
}

func (d delegate) DidReceiveBarcode(barcode string) {
	if sink := d.b.eventSink(); sink != nil {
		sink.BarcodeRead(barcode)
	}
}

func (d delegate) DidReceiveRF(epc string, rssi int) {
	if sink := d.b.eventSink(); sink != nil {
		sink.TagRead(epc, rssi)
	}
}

// DidReceiveRFTags reports only the newest tag of a batch.
func (d delegate) DidReceiveRFTags(epcs []string) {
	if len(epcs) == 0 {
		return
	}
	if sink := d.b.eventSink(); sink != nil {
		sink.TagRead(epcs[len(epcs)-1], 0)
	}
}
