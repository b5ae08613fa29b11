package csl

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/rs/zerolog"
)

// Backend drives a CSL reader through the SDK Reader surface.
type Backend struct {
	reader Reader
	log    zerolog.Logger

	mu          sync.Mutex
	sink        handheld.EventSink
	peripherals map[string]Peripheral
	linked      bool
	oem         OEMInfo
	table       handheld.FrequencyTable
}

// New wraps reader and installs the backend as its delegate.
func New(reader Reader, logger zerolog.Logger) *Backend {
	b := &Backend{
		reader:      reader,
		log:         logger.With().Str("component", "csl").Logger(),
		peripherals: make(map[string]Peripheral),
	}
	reader.SetDelegate(delegate{b})
	return b
}

// Kind implements handheld.ReaderBackend.
func (b *Backend) Kind() handheld.BackendKind { return handheld.BackendCSL }

// Supports reports true for every operation; the CSL SDK covers the whole
// facade.
func (b *Backend) Supports(op handheld.Op) bool { return true }

// SetEventSink sets where SDK callbacks are forwarded.
func (b *Backend) SetEventSink(sink handheld.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// StartScan forgets previously seen peripherals and starts a BLE scan.
func (b *Backend) StartScan(ctx context.Context) error {
	b.mu.Lock()
	b.peripherals = make(map[string]Peripheral)
	b.mu.Unlock()
	return wrap(handheld.OpScan, "start device scan", b.reader.StartScanDevice())
}

// StopScan stops the BLE scan.
func (b *Backend) StopScan(ctx context.Context) error {
	return wrap(handheld.OpStopScan, "stop device scan", b.reader.StopScanDevice())
}

// Connect opens a link to the peripheral behind dev.
func (b *Backend) Connect(ctx context.Context, dev handheld.Device) error {
	p, ok := dev.Handle.(Peripheral)
	if !ok {
		b.mu.Lock()
		p, ok = b.peripherals[dev.Name]
		b.mu.Unlock()
	}
	if !ok {
		return handheld.NewConnectError(handheld.ErrCodeDeviceNotFound, dev.Name, nil)
	}

	b.log.Info().Str("device", p.Name).Str("address", p.Address).Msg("Connecting")
	if err := b.reader.ConnectDevice(p); err != nil {
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

// Handshake interrogates the reader after the BLE link is up: power cycle the
// RFID module, read firmware and OEM registers, then derive the frequency
// table and reader model.
func (b *Backend) Handshake(ctx context.Context) (handheld.Handshake, error) {
	r := b.reader
	if err := r.BarcodeReader(true); err != nil {
		return handheld.Handshake{}, wrap(handheld.OpHandshake, "enable barcode module", err)
	}
	if err := r.PowerOnRFID(false); err != nil {
		return handheld.Handshake{}, wrap(handheld.OpHandshake, "power off rfid module", err)
	}
	if err := r.PowerOnRFID(true); err != nil {
		return handheld.Handshake{}, wrap(handheld.OpHandshake, "power on rfid module", err)
	}

	info := handheld.NewDeviceInfo()
	b.readVersion("bt firmware", r.BTFirmwareVersion, &info.BTFirmwareVersion)
	b.readVersion("silab ic", r.SiLabICVersion, &info.SiLabICVersion)
	b.readVersion("serial number", r.RFIDBoardSerialNumber, &info.SerialNumber)
	b.readVersion("pcb version", r.PCBBoardVersion, &info.BoardVersion)
	if err := r.SendAbortCommand(); err != nil {
		return handheld.Handshake{}, wrap(handheld.OpHandshake, "abort pending command", err)
	}
	b.readVersion("rfid firmware", r.RFIDFirmwareVersion, &info.RFIDFirmwareVersion)

	var oem OEMInfo
	for _, reg := range []struct {
		addr uint16
		dst  *uint32
	}{
		{OEMCountryCode, &oem.CountryCode},
		{OEMSpecialCountryVersion, &oem.SpecialCountryVersion},
		{OEMFreqModFlag, &oem.FreqModFlag},
		{OEMModelCode, &oem.ModelCode},
		{OEMFixedFrequency, &oem.FixedFrequency},
	} {
		v, err := r.ReadOEMData(reg.addr)
		if err != nil {
			return handheld.Handshake{}, wrap(handheld.OpHandshake, fmt.Sprintf("read OEM 0x%02x", reg.addr), err)
		}
		*reg.dst = v
	}

	info.CountryCode = oem.CountryCode
	info.SpecialCountryVersion = oem.SpecialCountryVersion
	info.FreqModFlag = oem.FreqModFlag
	info.ModelCode = oem.ModelCode
	info.FixedFrequency = oem.Fixed()
	info.ReaderModel = ModelFor(info.BTFirmwareVersion)

	table := FrequencyTableFor(oem)
	b.mu.Lock()
	b.oem = oem
	b.table = table
	b.mu.Unlock()

	b.log.Info().
		Str("model", info.ReaderModel).
		Str("btFirmware", info.BTFirmwareVersion).
		Str("rfidFirmware", info.RFIDFirmwareVersion).
		Uint32("country", oem.CountryCode).
		Int("regions", len(table.Regions)).
		Msg("Handshake complete")

	return handheld.Handshake{Info: info, Frequencies: table}, nil
}

func (b *Backend) readVersion(what string, read func() (string, error), dst *string) {
	v, err := read()
	if err != nil || v == "" {
		b.log.Warn().Err(err).Str("field", what).Msg("Version not available")
		return
	}
	*dst = v
}

// Configure pushes region and frequencies, antenna power and the inventory
// configuration, in that order.
func (b *Backend) Configure(ctx context.Context, cfg handheld.ReaderConfig) error {
	b.mu.Lock()
	table, fixed := b.table, b.oem.Fixed()
	b.mu.Unlock()

	freqs := table.Channels[cfg.Region]
	if fixed && len(freqs) > 0 {
		idx := channelIndex(cfg.Channel)
		if idx >= len(freqs) {
			idx = 0
		}
		freqs = freqs[idx : idx+1]
	}
	if err := b.reader.SetRegion(cfg.Region, freqs, fixed); err != nil {
		return wrap(handheld.OpConfigure, "set region "+cfg.Region, err)
	}
	if err := b.SetPower(ctx, cfg.PowerDBm); err != nil {
		return err
	}
	if err := b.ApplyProfile(ctx, cfg.Profile); err != nil {
		return err
	}
	return b.SetPrefixFilter(ctx, cfg.Filter)
}

// Disconnect closes the link.
func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.linked = false
	b.mu.Unlock()
	return wrap(handheld.OpDisconnect, "disconnect", b.reader.DisconnectDevice())
}

// SetPower sets the antenna power in dBm.
func (b *Backend) SetPower(ctx context.Context, dBm int) error {
	return wrap(handheld.OpSetPower, "set power", b.reader.SetPower(float64(dBm)))
}

// SetMode is a no-op on the reader: the mode only decides which engine
// StartRead drives.
func (b *Backend) SetMode(ctx context.Context, mode handheld.ReaderMode) error {
	return nil
}

// ApplyProfile pushes the inventory parameters of p to the reader.
func (b *Backend) ApplyProfile(ctx context.Context, p handheld.ReadProfile) error {
	err := b.reader.SetInventoryConfig(InventoryConfig{
		TagPopulation: p.TagPopulation,
		QOverride:     p.QOverride,
		QValue:        p.QValue,
		Session:       int(p.Session),
		Target:        int(p.Target),
		Algorithm:     int(p.Algorithm),
		LinkProfile:   int(p.LinkProfile),
		TagFocus:      p.TagFocus,
		RFLNAHighComp: p.Gain.RFLNAHighComp,
		RFLNA:         p.Gain.RFLNA,
		IFLNA:         p.Gain.IFLNA,
		IFAGC:         p.Gain.IFAGC,
	})
	return wrap(handheld.OpApplyProfile, "apply read profile", err)
}

// SetPrefixFilter programs the hardware prefilter. A mask that is not
// whole hex bytes leaves the prefilter disabled.
func (b *Backend) SetPrefixFilter(ctx context.Context, f handheld.PrefixFilter) error {
	mask, err := hex.DecodeString(f.Mask)
	if err != nil {
		// odd-length or non-hex masks stay software-only
		b.log.Warn().Str("mask", f.Mask).Msg("Prefix not byte-aligned hex, hardware prefilter disabled")
		mask = nil
	}
	err = b.reader.SetPrefilter(Prefilter{
		Mask:    mask,
		Offset:  uint32(f.Offset),
		Bank:    Bank(f.Bank),
		Enabled: f.Enabled && len(mask) > 0,
	})
	return wrap(handheld.OpSetPrefilter, "set prefilter", err)
}

// StartRead starts the inventory or barcode engine for mode.
func (b *Backend) StartRead(ctx context.Context, mode handheld.ReaderMode) error {
	switch mode {
	case handheld.ModeBarcode:
		return wrap(handheld.OpStartRead, "start barcode reading", b.reader.StartBarcodeReading())
	case handheld.ModeRFID:
		return wrap(handheld.OpStartRead, "start inventory", b.reader.StartInventory())
	default:
		return handheld.ErrModeNotSet
	}
}

// StopRead stops the engine for mode and drops tags the SDK buffered for
// de-duplication.
func (b *Backend) StopRead(ctx context.Context, mode handheld.ReaderMode) error {
	var err error
	switch mode {
	case handheld.ModeBarcode:
		err = b.reader.StopBarcodeReading()
	case handheld.ModeRFID:
		err = b.reader.StopInventory()
	default:
		return handheld.ErrModeNotSet
	}
	b.reader.ClearFilteredBuffer()
	return wrap(handheld.OpStopRead, "stop reading", err)
}

// AccessRead reads the six TID words of the tag whose EPC matches epc.
func (b *Backend) AccessRead(ctx context.Context, epc string) error {
	req, err := maskedRequest(epc)
	if err != nil {
		return handheld.WrapError(handheld.ErrCodeInvalidArgument, handheld.OpAccessRead, "epc is not hex", err)
	}
	req.Bank = BankTID
	req.Offset = 0
	req.Count = 6
	return wrap(handheld.OpAccessRead, "start memory read", b.reader.StartTagMemoryRead(req))
}

// AccessWrite overwrites the EPC of the tag whose EPC matches epc, starting
// after the CRC and PC words.
func (b *Backend) AccessWrite(ctx context.Context, epc, newEPC string) error {
	req, err := maskedRequest(epc)
	if err != nil {
		return handheld.WrapError(handheld.ErrCodeInvalidArgument, handheld.OpAccessWrite, "epc is not hex", err)
	}
	data, err := hex.DecodeString(newEPC)
	if err != nil {
		return handheld.WrapError(handheld.ErrCodeInvalidArgument, handheld.OpAccessWrite, "new epc is not hex", err)
	}
	req.Bank = BankEPC
	req.Offset = 2
	req.Count = uint16(len(newEPC) / 4)
	req.Data = data
	return wrap(handheld.OpAccessWrite, "start memory write", b.reader.StartTagMemoryWrite(req))
}

func maskedRequest(epc string) (MemoryRequest, error) {
	mask, err := hex.DecodeString(epc)
	if err != nil {
		return MemoryRequest{}, err
	}
	return MemoryRequest{
		MaskBank:    BankEPC,
		MaskPointer: 32,
		MaskLength:  uint32(len(epc) * 4),
		MaskData:    mask,
	}, nil
}

// RequestBattery asks for one battery report. The SDK rejects the request
// while scanning or reading, so it is skipped unless the reader is idle.
func (b *Backend) RequestBattery(ctx context.Context) error {
	if status := b.reader.ConnectStatus(); status != StatusConnected {
		b.log.Debug().Stringer("status", status).Msg("Skipping battery report")
		return nil
	}
	return wrap(handheld.OpBattery, "request battery report", b.reader.GetSingleBatteryReport())
}

func (b *Backend) eventSink() handheld.EventSink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sink
}

func wrap(op handheld.Op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return handheld.WrapError(handheld.ErrCodeBackendFault, op, msg, err)
}

func channelIndex(channel string) int {
	idx, err := strconv.Atoi(channel)
	if err != nil || idx < 0 {
		return 0
	}
	return idx
}
