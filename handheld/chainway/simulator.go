package chainway

import (
	"errors"
	"sync"
)

// ErrNoDevice is returned by the simulator for commands issued while no
// device is connected, or when connecting to a name it does not advertise.
var ErrNoDevice = errors.New("chainway: no device")

// Simulator is an in-memory SDK. It advertises a fixed set of device names,
// links up on connect and replays tags or barcodes when reading starts.
type Simulator struct {
	mu        sync.Mutex
	delegate  Delegate
	names     []string
	connected string
	failNext  bool
	barcode   bool
	power     int
	reading   bool
	tags      map[string]int
	tagOrder  []string
	barcodes  []string
	battery   int
	calls     []string
}

// NewSimulator creates a simulator advertising names.
func NewSimulator(names ...string) *Simulator {
	return &Simulator{
		names:   names,
		tags:    make(map[string]int),
		battery: 92,
	}
}

func (s *Simulator) SetDelegate(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

// AddTag queues an EPC, with its RSSI, to be reported on StartReading.
func (s *Simulator) AddTag(epc string, rssi int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[epc]; !ok {
		s.tagOrder = append(s.tagOrder, epc)
	}
	s.tags[epc] = rssi
}

// SetBarcodes sets the barcodes reported on StartReading in barcode mode.
func (s *Simulator) SetBarcodes(codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barcodes = codes
}

// FailNextConnect makes the next ConnectToDevice report a failure.
func (s *Simulator) FailNextConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *Simulator) ConfigureBLE() error {
	s.mu.Lock()
	s.calls = append(s.calls, "configureBLE")
	d, names := s.delegate, append([]string(nil), s.names...)
	s.mu.Unlock()

	if d != nil {
		for _, n := range names {
			d.DidReceiveDevice(n)
		}
	}
	return nil
}

func (s *Simulator) StopScanningDevices() error {
	s.record("stopScanningDevices")
	return nil
}

func (s *Simulator) ConnectToDevice(name string) error {
	s.mu.Lock()
	s.calls = append(s.calls, "connectToDevice")
	known := false
	for _, n := range s.names {
		known = known || n == name
	}
	fail := s.failNext
	s.failNext = false
	if known && !fail {
		s.connected = name
	}
	d := s.delegate
	s.mu.Unlock()

	if !known {
		return ErrNoDevice
	}
	if d != nil {
		if fail {
			d.DidFailWithDevice(name)
		} else {
			d.DidConnectToDevice(name)
		}
	}
	return nil
}

func (s *Simulator) DisconnectDevice() error {
	s.mu.Lock()
	s.calls = append(s.calls, "disconnectDevice")
	name, d := s.connected, s.delegate
	s.connected = ""
	s.reading = false
	s.mu.Unlock()

	if name != "" && d != nil {
		d.DidDisconnectToDevice(name)
	}
	return nil
}

func (s *Simulator) SetReadMode(isBarcode bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "setReadMode")
	s.barcode = isBarcode
	return nil
}

func (s *Simulator) SetReadPower(dBm int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "setReadPower")
	if s.connected == "" {
		return ErrNoDevice
	}
	s.power = dBm
	return nil
}

func (s *Simulator) StartReading() error {
	s.mu.Lock()
	s.calls = append(s.calls, "startReading")
	if s.connected == "" {
		s.mu.Unlock()
		return ErrNoDevice
	}
	s.reading = true
	d, barcode := s.delegate, s.barcode
	codes := append([]string(nil), s.barcodes...)
	epcs := append([]string(nil), s.tagOrder...)
	rssi := make([]int, len(epcs))
	for i, e := range epcs {
		rssi[i] = s.tags[e]
	}
	s.mu.Unlock()

	if d == nil {
		return nil
	}
	if barcode {
		for _, c := range codes {
			d.DidReceiveBarcode(c)
		}
		return nil
	}
	for i, e := range epcs {
		d.DidReceiveRF(e, rssi[i])
	}
	return nil
}

func (s *Simulator) StopReading() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "stopReading")
	s.reading = false
	return nil
}

func (s *Simulator) GetBatteryLevel() error {
	s.mu.Lock()
	s.calls = append(s.calls, "getBatteryLevel")
	if s.connected == "" {
		s.mu.Unlock()
		return ErrNoDevice
	}
	d, pct := s.delegate, s.battery
	s.mu.Unlock()

	if d != nil {
		d.DidReceiveBatteryLevel(pct)
	}
	return nil
}

// DropLink simulates the handheld going out of range.
func (s *Simulator) DropLink() {
	s.mu.Lock()
	name, d := s.connected, s.delegate
	s.connected = ""
	s.reading = false
	s.mu.Unlock()

	if name != "" && d != nil {
		d.DidDisconnectToDevice(name)
	}
}

// Reading reports whether the read engine is running.
func (s *Simulator) Reading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// BarcodeMode reports the last read mode set.
func (s *Simulator) BarcodeMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barcode
}

// Power returns the last read power set.
func (s *Simulator) Power() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// Calls returns the SDK calls received so far, in order.
func (s *Simulator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Simulator) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}
