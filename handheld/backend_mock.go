package handheld

import (
	"context"
	"sync"
)

// MockBackend is a ReaderBackend for tests. It records every call, can be
// told to fail or to lack a capability, and exposes helpers that play the
// vendor SDK's role by firing raw callbacks into the sink.
//
// Example:
//
//	mock := NewMockBackend(BackendChainway)
//	svc := New(Options{Backends: []ReaderBackend{mock}})
//	mock.Discover("R6-01")
type MockBackend struct {
	kind BackendKind

	mu          sync.Mutex
	sink        EventSink
	linked      bool
	autoLink    bool
	handshake   Handshake
	errs        map[Op]error
	unsupported map[Op]bool
	calls       []Op
	lastConfig  ReaderConfig
	lastPower   int
	lastMode    ReaderMode
	lastProfile ReadProfile
	lastFilter  PrefixFilter
	lastAccess  []string
}

// NewMockBackend creates a mock that links up as soon as Connect is called
// and reports a two-region frequency table from its handshake.
func NewMockBackend(kind BackendKind) *MockBackend {
	info := NewDeviceInfo()
	info.ReaderModel = "mock-" + kind.String()
	info.SerialNumber = "MOCK0001"
	return &MockBackend{
		kind:     kind,
		autoLink: true,
		handshake: Handshake{
			Info: info,
			Frequencies: FrequencyTable{
				Regions:  []string{"FCC", "ETSI"},
				Channels: map[string][]float64{"FCC": {902.75, 903.25}, "ETSI": {865.7}},
			},
		},
		errs:        make(map[Op]error),
		unsupported: make(map[Op]bool),
	}
}

func (m *MockBackend) Kind() BackendKind { return m.kind }

func (m *MockBackend) Supports(op Op) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unsupported[op]
}

func (m *MockBackend) SetEventSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// SetError makes op fail with err. A nil err clears it.
func (m *MockBackend) SetError(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// SetUnsupported removes capabilities from the mock.
func (m *MockBackend) SetUnsupported(ops ...Op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		m.unsupported[op] = true
	}
}

// SetAutoLink controls whether Connect reports the link up immediately.
func (m *MockBackend) SetAutoLink(auto bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoLink = auto
}

// SetLinked sets what Linked reports without firing a callback.
func (m *MockBackend) SetLinked(linked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = linked
}

// SetHandshake replaces the handshake result.
func (m *MockBackend) SetHandshake(h Handshake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handshake = h
}

// record logs op and returns the configured outcome for it.
func (m *MockBackend) record(op Op) error {
	m.calls = append(m.calls, op)
	if m.unsupported[op] {
		return NewUnsupportedError(op, m.kind)
	}
	return m.errs[op]
}

func (m *MockBackend) StartScan(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OpScan)
}

func (m *MockBackend) StopScan(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OpStopScan)
}

func (m *MockBackend) Connect(ctx context.Context, dev Device) error {
	m.mu.Lock()
	if err := m.record(OpConnect); err != nil {
		m.mu.Unlock()
		return err
	}
	auto := m.autoLink
	if auto {
		m.linked = true
	}
	sink := m.sink
	m.mu.Unlock()

	if auto && sink != nil {
		sink.LinkUp(dev.Name)
	}
	return nil
}

func (m *MockBackend) Linked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked
}

func (m *MockBackend) Handshake(ctx context.Context) (Handshake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpHandshake); err != nil {
		return Handshake{}, err
	}
	return m.handshake, nil
}

func (m *MockBackend) Configure(ctx context.Context, cfg ReaderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpConfigure); err != nil {
		return err
	}
	m.lastConfig = cfg
	return nil
}

func (m *MockBackend) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = false
	return m.record(OpDisconnect)
}

func (m *MockBackend) SetPower(ctx context.Context, dBm int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpSetPower); err != nil {
		return err
	}
	m.lastPower = dBm
	return nil
}

func (m *MockBackend) SetMode(ctx context.Context, mode ReaderMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpSetMode); err != nil {
		return err
	}
	m.lastMode = mode
	return nil
}

func (m *MockBackend) ApplyProfile(ctx context.Context, profile ReadProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpApplyProfile); err != nil {
		return err
	}
	m.lastProfile = profile
	return nil
}

func (m *MockBackend) SetPrefixFilter(ctx context.Context, filter PrefixFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpSetPrefilter); err != nil {
		return err
	}
	m.lastFilter = filter
	return nil
}

func (m *MockBackend) StartRead(ctx context.Context, mode ReaderMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OpStartRead)
}

func (m *MockBackend) StopRead(ctx context.Context, mode ReaderMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OpStopRead)
}

func (m *MockBackend) AccessRead(ctx context.Context, epc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAccessRead); err != nil {
		return err
	}
	m.lastAccess = []string{epc}
	return nil
}

func (m *MockBackend) AccessWrite(ctx context.Context, epc, newEPC string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAccessWrite); err != nil {
		return err
	}
	m.lastAccess = []string{epc, newEPC}
	return nil
}

func (m *MockBackend) RequestBattery(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(OpBattery)
}

// Calls returns a copy of the call log.
func (m *MockBackend) Calls() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was called.
func (m *MockBackend) CallCount(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

// ClearCalls resets the call log.
func (m *MockBackend) ClearCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockBackend) LastConfig() ReaderConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConfig
}

func (m *MockBackend) LastPower() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPower
}

func (m *MockBackend) LastMode() ReaderMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMode
}

func (m *MockBackend) LastProfile() ReadProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProfile
}

func (m *MockBackend) LastFilter() PrefixFilter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFilter
}

// LastAccess returns the EPC arguments of the last access call.
func (m *MockBackend) LastAccess() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastAccess...)
}

func (m *MockBackend) currentSink() EventSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// Discover reports a device found by a scan.
func (m *MockBackend) Discover(name string) {
	if sink := m.currentSink(); sink != nil {
		sink.DeviceDiscovered(Device{Name: name})
	}
}

// LinkUp reports the link as established.
func (m *MockBackend) LinkUp(name string) {
	m.SetLinked(true)
	if sink := m.currentSink(); sink != nil {
		sink.LinkUp(name)
	}
}

// DropLink reports a link loss.
func (m *MockBackend) DropLink(name string) {
	m.SetLinked(false)
	if sink := m.currentSink(); sink != nil {
		sink.LinkDown(name)
	}
}

// FailLink reports a connection failure.
func (m *MockBackend) FailLink(name string, err error) {
	m.SetLinked(false)
	if sink := m.currentSink(); sink != nil {
		sink.LinkFailed(name, err)
	}
}

// ReportTag reports an inventoried tag.
func (m *MockBackend) ReportTag(epc string, rssi int) {
	if sink := m.currentSink(); sink != nil {
		sink.TagRead(epc, rssi)
	}
}

// ReportBarcode reports a raw barcode payload.
func (m *MockBackend) ReportBarcode(raw string) {
	if sink := m.currentSink(); sink != nil {
		sink.BarcodeRead(raw)
	}
}

// ReportAccess reports a tag access result.
func (m *MockBackend) ReportAccess(res AccessResult) {
	if sink := m.currentSink(); sink != nil {
		sink.TagAccess(res)
	}
}

// ReportBattery reports a battery level.
func (m *MockBackend) ReportBattery(percent int) {
	if sink := m.currentSink(); sink != nil {
		sink.BatteryLevel(percent)
	}
}

// PressTrigger reports the hardware trigger.
func (m *MockBackend) PressTrigger(pressed bool) {
	if sink := m.currentSink(); sink != nil {
		sink.Trigger(pressed)
	}
}
