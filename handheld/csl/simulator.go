package csl

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// ErrNotLinked is returned by the simulator for reader commands issued
// without a BLE link.
var ErrNotLinked = errors.New("csl: reader not connected")

// Simulator is an in-memory Reader. It answers the handshake with canned
// firmware and OEM values, replays its configured tags and barcodes when a
// read starts, and records every command for inspection.
type Simulator struct {
	mu         sync.Mutex
	delegate   Delegate
	status     ConnectStatus
	devices    []Peripheral
	connected  *Peripheral
	connectErr error

	btFirmware   string
	rfidFirmware string
	oem          map[uint16]uint32
	tags         []Tag
	barcodes     []string
	tids         map[string]string
	battery      int

	calls      []string
	region     string
	freqs      []float64
	power      float64
	inventory  InventoryConfig
	prefilter  Prefilter
	lastMemory MemoryRequest
}

// NewSimulator creates a simulated FCC CS108 that advertises devices while
// scanning.
func NewSimulator(devices ...Peripheral) *Simulator {
	return &Simulator{
		devices:      devices,
		btFirmware:   "1.0.17",
		rfidFirmware: "2.6.44",
		oem: map[uint16]uint32{
			OEMCountryCode: 2,
		},
		tids:    make(map[string]string),
		battery: 87,
	}
}

func (s *Simulator) SetDelegate(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

func (s *Simulator) ConnectStatus() ConnectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetFirmware overrides the Bluetooth firmware version reported.
func (s *Simulator) SetFirmware(bt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.btFirmware = bt
}

// SetOEM overrides one OEM register.
func (s *Simulator) SetOEM(addr uint16, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oem[addr] = value
}

// SetTags sets the tags replayed on each StartInventory.
func (s *Simulator) SetTags(tags ...Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = tags
}

// SetBarcodes sets the barcodes replayed on each StartBarcodeReading.
func (s *Simulator) SetBarcodes(codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barcodes = codes
}

// SetTID sets the TID returned for a memory read targeting epc.
func (s *Simulator) SetTID(epc, tid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tids[strings.ToUpper(epc)] = tid
}

// SetBattery sets the percentage reported by battery reports.
func (s *Simulator) SetBattery(percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = percent
}

// FailConnect makes the next ConnectDevice report a connect failure.
func (s *Simulator) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

func (s *Simulator) StartScanDevice() error {
	s.mu.Lock()
	s.record("startScanDevice")
	s.status = StatusScanning
	d, devices := s.delegate, append([]Peripheral(nil), s.devices...)
	s.mu.Unlock()

	if d != nil {
		for _, p := range devices {
			d.DeviceFound(p)
		}
	}
	return nil
}

func (s *Simulator) StopScanDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("stopScanDevice")
	if s.status == StatusScanning {
		s.status = StatusNotConnected
	}
	return nil
}

func (s *Simulator) ConnectDevice(p Peripheral) error {
	s.mu.Lock()
	s.record("connectDevice")
	d, err := s.delegate, s.connectErr
	s.connectErr = nil
	if err == nil {
		s.status = StatusConnected
		s.connected = &p
	}
	s.mu.Unlock()

	if d == nil {
		return nil
	}
	if err != nil {
		d.DidFailToConnect(p, err)
		return nil
	}
	d.DidConnect(p)
	return nil
}

func (s *Simulator) DisconnectDevice() error {
	s.mu.Lock()
	s.record("disconnectDevice")
	d, p := s.delegate, s.connected
	s.connected = nil
	s.status = StatusNotConnected
	s.mu.Unlock()

	if d != nil && p != nil {
		d.DidDisconnect(*p)
	}
	return nil
}

// DropLink simulates the reader going out of range.
func (s *Simulator) DropLink() {
	s.mu.Lock()
	d, p := s.delegate, s.connected
	s.connected = nil
	s.status = StatusNotConnected
	s.mu.Unlock()

	if d != nil && p != nil {
		d.DidDisconnect(*p)
	}
}

// PressTrigger simulates the handheld's trigger key.
func (s *Simulator) PressTrigger(pressed bool) {
	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()
	if d != nil {
		d.TriggerKeyChanged(pressed)
	}
}

func (s *Simulator) BarcodeReader(enable bool) error { return s.linkedCall("barcodeReader") }
func (s *Simulator) PowerOnRFID(on bool) error {
	if on {
		return s.linkedCall("powerOnRfid")
	}
	return s.linkedCall("powerOffRfid")
}
func (s *Simulator) SendAbortCommand() error { return s.linkedCall("sendAbortCommand") }

func (s *Simulator) BTFirmwareVersion() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.btFirmware, s.linkedLocked("btFirmwareVersion")
}

func (s *Simulator) SiLabICVersion() (string, error) {
	return "1.0.4", s.linkedCall("siLabICVersion")
}

func (s *Simulator) RFIDBoardSerialNumber() (string, error) {
	return "CS108SIM0001", s.linkedCall("rfidBoardSerialNumber")
}

func (s *Simulator) PCBBoardVersion() (string, error) {
	return "1.8", s.linkedCall("pcbBoardVersion")
}

func (s *Simulator) RFIDFirmwareVersion() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rfidFirmware, s.linkedLocked("rfidFirmwareVersion")
}

func (s *Simulator) ReadOEMData(addr uint16) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oem[addr], s.linkedLocked("readOEMData")
}

func (s *Simulator) SetRegion(region string, frequencies []float64, fixed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = region
	s.freqs = append([]float64(nil), frequencies...)
	return s.linkedLocked("setRegion")
}

func (s *Simulator) SetPower(dBm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.power = dBm
	return s.linkedLocked("setPower")
}

func (s *Simulator) SetInventoryConfig(cfg InventoryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inventory = cfg
	return s.linkedLocked("setInventoryConfig")
}

func (s *Simulator) SetPrefilter(f Prefilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefilter = f
	return s.linkedLocked("setPrefilter")
}

func (s *Simulator) StartInventory() error {
	s.mu.Lock()
	if err := s.linkedLocked("startInventory"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.status = StatusBusy
	d, tags := s.delegate, append([]Tag(nil), s.tags...)
	s.mu.Unlock()

	if d != nil {
		for _, t := range tags {
			d.TagResponse(t)
		}
	}
	return nil
}

func (s *Simulator) StopInventory() error {
	return s.stopEngine("stopInventory")
}

func (s *Simulator) StartBarcodeReading() error {
	s.mu.Lock()
	if err := s.linkedLocked("startBarcodeReading"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.status = StatusBusy
	d, codes := s.delegate, append([]string(nil), s.barcodes...)
	s.mu.Unlock()

	if d != nil {
		for _, c := range codes {
			d.Barcode(c)
		}
	}
	return nil
}

func (s *Simulator) StopBarcodeReading() error {
	return s.stopEngine("stopBarcodeReading")
}

func (s *Simulator) stopEngine(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.linkedLocked(call); err != nil {
		return err
	}
	s.status = StatusConnected
	return nil
}

func (s *Simulator) ClearFilteredBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("clearFilteredBuffer")
}

func (s *Simulator) StartTagMemoryRead(req MemoryRequest) error {
	return s.access("startTagMemoryRead", req, CommandRead)
}

func (s *Simulator) StartTagMemoryWrite(req MemoryRequest) error {
	return s.access("startTagMemoryWrite", req, CommandWrite)
}

func (s *Simulator) access(call string, req MemoryRequest, cmd AccessCommand) error {
	s.mu.Lock()
	if err := s.linkedLocked(call); err != nil {
		s.mu.Unlock()
		return err
	}
	s.lastMemory = req
	epc := strings.ToUpper(hex.EncodeToString(req.MaskData))
	data := strings.ToUpper(hex.EncodeToString(req.Data))
	if cmd == CommandRead {
		data = s.tids[epc]
	}
	d := s.delegate
	s.mu.Unlock()

	if d != nil {
		d.TagAccess(Tag{EPC: epc, PC: 0x3000, Data: data, Command: cmd})
		d.CommandEnd()
	}
	return nil
}

func (s *Simulator) GetSingleBatteryReport() error {
	s.mu.Lock()
	if err := s.linkedLocked("getSingleBatteryReport"); err != nil {
		s.mu.Unlock()
		return err
	}
	d, pct := s.delegate, s.battery
	s.mu.Unlock()

	if d != nil {
		d.BatteryLevel(pct)
	}
	return nil
}

// Calls returns the commands received so far, in order.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Region returns the last region and frequency list pushed.
func (s *Simulator) Region() (string, []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region, append([]float64(nil), s.freqs...)
}

// Power returns the last output power pushed, in dBm.
func (s *Simulator) Power() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// Inventory returns the last inventory configuration pushed.
func (s *Simulator) Inventory() InventoryConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inventory
}

// Prefilter returns the last prefilter pushed.
func (s *Simulator) Prefilter() Prefilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefilter
}

// LastMemoryRequest returns the last memory read or write request.
func (s *Simulator) LastMemoryRequest() MemoryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMemory
}

func (s *Simulator) linkedCall(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkedLocked(call)
}

func (s *Simulator) linkedLocked(call string) error {
	s.record(call)
	if s.connected == nil {
		return ErrNotLinked
	}
	return nil
}

func (s *Simulator) record(call string) {
	s.calls = append(s.calls, call)
}
