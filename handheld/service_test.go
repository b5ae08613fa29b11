package handheld

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var testLocation = Coordinate{Latitude: 51.9225, Longitude: 4.47917}

// recorder collects every event delivered to it.
type recorder struct {
	NopSubscriber
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ReceiveEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, typ EventType, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.ofType(typ)) >= n }, waitFor, time.Millisecond,
		"waiting for %d %s event(s)", n, typ)
	return r.ofType(typ)
}

type harness struct {
	svc    *Service
	clock  *clockwork.FakeClock
	store  *MemoryStore
	loc    *FixedLocation
	events *recorder
	r6     *MockBackend
	csl    *MockBackend
}

func newHarness(t *testing.T, cfg Config, seed map[string]string) *harness {
	t.Helper()
	h := &harness{
		clock:  clockwork.NewFakeClock(),
		store:  NewMemoryStore(),
		loc:    NewFixedLocation(testLocation),
		events: &recorder{},
		r6:     NewMockBackend(BackendChainway),
		csl:    NewMockBackend(BackendCSL),
	}
	for k, v := range seed {
		require.NoError(t, h.store.Set(k, v))
	}
	h.svc = New(Options{
		Backends:   []ReaderBackend{h.csl, h.r6},
		Store:      h.store,
		Location:   h.loc,
		Clock:      h.clock,
		Logger:     zerolog.Nop(),
		Config:     cfg,
		AppVersion: "test",
	})
	require.NoError(t, h.svc.AddSubscriber(h.events))
	require.NoError(t, h.svc.Start())
	t.Cleanup(h.svc.Stop)
	return h
}

// connect selects the Chainway mock, discovers name and waits for the
// Connected event.
func (h *harness) connect(t *testing.T, name string) Event {
	t.Helper()
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	h.r6.Discover(name)
	require.NoError(t, h.svc.ConnectToHandheld(name))
	evs := h.events.wait(t, EventConnected, 1)
	return evs[len(evs)-1]
}

func TestService_EndToEndRFIDRead(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	connected := h.connect(t, "R6-01")
	assert.Equal(t, "R6-01", connected.Device.Name)
	assert.Equal(t, BackendChainway, connected.Backend)
	assert.NotEmpty(t, connected.ID)

	require.NoError(t, h.svc.SetReaderMode(ModeRFID))
	require.NoError(t, h.svc.StartReading())
	require.Eventually(t, func() bool { return h.r6.CallCount(OpStartRead) == 1 }, waitFor, time.Millisecond)

	h.r6.ReportTag("E2001234", -42)

	reads := h.events.wait(t, EventRFIDRead, 1)
	assert.Equal(t, "E2001234", reads[0].RFID.EPC)
	assert.Equal(t, -42, reads[0].RFID.RSSI)
	assert.Equal(t, testLocation, reads[0].RFID.Location)
}

func TestService_NoBackendSelected(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	ops := map[string]func() error{
		"check":      h.svc.CheckBackendSelected,
		"find":       h.svc.FindDevices,
		"stopFind":   h.svc.StopFindingDevices,
		"connect":    func() error { return h.svc.ConnectToHandheld("R6-01") },
		"disconnect": h.svc.DisconnectReader,
		"mode":       func() error { return h.svc.SetReaderMode(ModeRFID) },
		"power":      func() error { return h.svc.SetReaderPower(300) },
		"focus":      func() error { return h.svc.SetTagFocus(true) },
		"prefix":     func() error { return h.svc.SetPrefixFilter("E2") },
		"start":      h.svc.StartReading,
		"stop":       h.svc.StopReading,
		"read":       func() error { return h.svc.StartAccessRead("E2001234") },
		"write":      func() error { return h.svc.StartAccessWrite("E2001234", "E2005678") },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrNoBackendSelected)
		})
	}

	// Callbacks from an unselected backend are dropped too.
	h.r6.Discover("R6-01")
	assert.Empty(t, h.svc.Devices())

	assert.Never(t, func() bool { return len(h.r6.Calls())+len(h.csl.Calls()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestService_DeviceListDeduplicates(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	assert.Equal(t, StateScanning, h.svc.State())

	for i := 0; i < 3; i++ {
		h.r6.Discover("R6-01")
	}
	h.r6.Discover("R6-02")
	h.r6.Discover("R6-01")

	devices := h.svc.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "R6-01", devices[0].Name)
	assert.Equal(t, "R6-02", devices[1].Name)

	// One empty list when the scan starts, one per new device.
	updates := h.events.wait(t, EventDeviceListUpdated, 3)
	assert.Never(t, func() bool { return len(h.events.ofType(EventDeviceListUpdated)) > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, updates[0].Devices)
	assert.Len(t, updates[2].Devices, 2)

	require.NoError(t, h.svc.FindDevices())
	assert.Empty(t, h.svc.Devices(), "a new scan clears the list")
}

func TestService_ConnectPersistsSession(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	assert.True(t, h.svc.IsConnected())
	assert.Equal(t, StateConnected, h.svc.State())
	dev, ok := h.svc.ConnectedDevice()
	require.True(t, ok)
	assert.Equal(t, "R6-01", dev.Name)

	backend, _, _ := h.store.Get(KeySessionBackend)
	device, _, _ := h.store.Get(KeySessionDevice)
	assert.Equal(t, "r6", backend)
	assert.Equal(t, "R6-01", device)

	info, ok := h.svc.DeviceInfo()
	require.True(t, ok)
	assert.Equal(t, "test", info.AppVersion)
	assert.Equal(t, "mock-r6", info.ReaderModel)

	assert.True(t, h.loc.Running())
	assert.Equal(t, []Op{OpScan, OpStopScan, OpConnect, OpHandshake, OpConfigure}, h.r6.Calls())
}

func TestService_DisconnectClearsConnection(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	require.NoError(t, h.svc.DisconnectReader())

	assert.False(t, h.svc.IsConnected())
	_, ok := h.svc.ConnectedDevice()
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, h.svc.State())

	evs := h.events.wait(t, EventDisconnected, 1)
	assert.Equal(t, "R6-01", evs[0].Device.Name)
	require.Eventually(t, func() bool { return h.r6.CallCount(OpDisconnect) == 1 }, waitFor, time.Millisecond)
	assert.False(t, h.loc.Running())

	// The SDK's own link-down callback after an explicit disconnect is ignored.
	h.r6.DropLink("R6-01")
	assert.Never(t, func() bool { return len(h.events.ofType(EventDisconnected)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	assert.ErrorIs(t, h.svc.DisconnectReader(), ErrNotConnected)
}

func TestService_LinkLoss(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	h.r6.DropLink("R6-01")

	h.events.wait(t, EventDisconnected, 1)
	assert.False(t, h.svc.IsConnected())
	assert.Equal(t, StateDisconnected, h.svc.State())
}

func TestService_ConnectTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.r6.SetAutoLink(false)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	h.r6.Discover("R6-01")

	require.NoError(t, h.svc.ConnectToHandheld("R6-01"))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpConnect) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, StateConnecting, h.svc.State())

	assert.ErrorIs(t, h.svc.ConnectToHandheld("R6-01"), ErrConnectInProgress)

	h.clock.Advance(DefaultSettleWindow)

	failed := h.events.wait(t, EventFailed, 1)
	assert.Equal(t, "R6-01", failed[0].Device.Name)
	assert.ErrorIs(t, failed[0].Err, ErrConnectTimeout)
	assert.Equal(t, StateFailed, h.svc.State())
	assert.False(t, h.svc.IsConnected())
	assert.Zero(t, h.r6.CallCount(OpHandshake))

	_, ok, _ := h.store.Get(KeySessionDevice)
	assert.False(t, ok)
}

func TestService_LateLinkAfterTimeoutIsDropped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.r6.SetAutoLink(false)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	h.r6.Discover("R6-01")

	require.NoError(t, h.svc.ConnectToHandheld("R6-01"))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpConnect) == 1 }, waitFor, time.Millisecond)
	h.clock.Advance(DefaultSettleWindow)

	h.events.wait(t, EventFailed, 1)
	require.Eventually(t, func() bool { return h.r6.CallCount(OpDisconnect) == 1 }, waitFor, time.Millisecond)

	// The SDK finishes the abandoned connect anyway.
	h.r6.LinkUp("R6-01")

	require.Eventually(t, func() bool { return h.r6.CallCount(OpDisconnect) == 2 }, waitFor, time.Millisecond)
	assert.False(t, h.r6.Linked())
	assert.Equal(t, StateFailed, h.svc.State())
	assert.Empty(t, h.events.ofType(EventConnected))
}

func TestService_FixedSettleWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventDrivenConnect = false
	h := newHarness(t, cfg, nil)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	h.r6.Discover("R6-01")

	require.NoError(t, h.svc.ConnectToHandheld("R6-01"))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpConnect) == 1 }, waitFor, time.Millisecond)

	// Linked already, but the handshake waits for the window.
	assert.Never(t, func() bool { return h.r6.CallCount(OpHandshake) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, h.svc.State())

	h.clock.Advance(DefaultSettleWindow)
	h.events.wait(t, EventConnected, 1)
	assert.True(t, h.svc.IsConnected())
}

func TestService_ConnectFailureReported(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.r6.SetError(OpConnect, errors.New("peripheral refused"))
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	h.r6.Discover("R6-01")

	require.NoError(t, h.svc.ConnectToHandheld("R6-01"))

	failed := h.events.wait(t, EventFailed, 1)
	assert.ErrorIs(t, failed[0].Err, ErrConnectFailed)
	assert.Contains(t, failed[0].Err.Error(), "peripheral refused")
	assert.False(t, h.svc.IsConnected())

	// The settle timer of the failed attempt is inert.
	h.clock.Advance(DefaultSettleWindow)
	assert.Never(t, func() bool { return len(h.events.ofType(EventFailed)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestService_HandshakeFailureDisconnects(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.r6.SetError(OpHandshake, errors.New("no firmware response"))
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.FindDevices())
	h.r6.Discover("R6-01")
	require.NoError(t, h.svc.ConnectToHandheld("R6-01"))

	h.events.wait(t, EventFailed, 1)
	require.Eventually(t, func() bool { return h.r6.CallCount(OpDisconnect) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, StateFailed, h.svc.State())
}

func TestService_ConnectUnknownDevice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))

	assert.ErrorIs(t, h.svc.ConnectToHandheld("R6-99"), ErrDeviceNotFound)
}

func TestService_ConnectReplacesPreviousDevice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")
	h.r6.Discover("R6-02")

	require.NoError(t, h.svc.ConnectToHandheld("R6-02"))

	evs := h.events.wait(t, EventConnected, 2)
	assert.Equal(t, "R6-02", evs[1].Device.Name)
	disc := h.events.wait(t, EventDisconnected, 1)
	assert.Equal(t, "R6-01", disc[0].Device.Name)

	dev, _ := h.svc.ConnectedDevice()
	assert.Equal(t, "R6-02", dev.Name)
}

func TestService_RegionResetOnConnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[string]string{
		KeyRegion:  "KR",
		KeyChannel: "3",
	})
	ev := h.connect(t, "R6-01")

	assert.Equal(t, "FCC", ev.Info.Region)
	assert.Equal(t, "0", ev.Info.Channel)

	region, _, _ := h.store.Get(KeyRegion)
	channel, _, _ := h.store.Get(KeyChannel)
	assert.Equal(t, "FCC", region)
	assert.Equal(t, "0", channel)

	cfg := h.r6.LastConfig()
	assert.Equal(t, "FCC", cfg.Region)
	assert.Equal(t, "0", cfg.Channel)
}

func TestService_RegionKeptWhenValid(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[string]string{
		KeyRegion:  "ETSI",
		KeyChannel: "0",
	})
	ev := h.connect(t, "R6-01")
	assert.Equal(t, "ETSI", ev.Info.Region)
}

func TestService_BatteryPolling(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	for want := 1; want <= 2; want++ {
		h.clock.Advance(DefaultBatteryInterval)
		require.Eventually(t, func() bool { return h.r6.CallCount(OpBattery) == want }, waitFor, time.Millisecond)
	}

	h.r6.ReportBattery(87)
	evs := h.events.wait(t, EventBatteryLevel, 1)
	assert.Equal(t, 87, evs[0].Battery.Percent)
	status, ok := h.svc.Battery()
	require.True(t, ok)
	assert.Equal(t, 87, status.Percent)
}

func TestService_NoBatteryPollWhileBusy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopReadGrace = time.Hour
	h := newHarness(t, cfg, nil)
	h.connect(t, "R6-01")
	require.NoError(t, h.svc.SetReaderMode(ModeRFID))
	require.NoError(t, h.svc.StartReading())
	assert.True(t, h.svc.Busy())

	for i := 0; i < 3; i++ {
		h.clock.Advance(DefaultBatteryInterval)
		assert.Never(t, func() bool { return h.r6.CallCount(OpBattery) > 0 }, 30*time.Millisecond, 5*time.Millisecond)
	}
}

func TestService_BusyClearsAfterGrace(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")
	require.NoError(t, h.svc.SetReaderMode(ModeBarcode))

	require.NoError(t, h.svc.StartReading())
	assert.Equal(t, StateBusy, h.svc.State())
	require.NoError(t, h.svc.StopReading())
	assert.True(t, h.svc.Busy())

	h.clock.Advance(DefaultStopReadGrace - time.Millisecond)
	assert.Never(t, func() bool { return !h.svc.Busy() }, 30*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return !h.svc.Busy() }, waitFor, time.Millisecond)
	assert.Equal(t, StateConnected, h.svc.State())
}

func TestService_StartReadingCancelsBusyClear(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")
	require.NoError(t, h.svc.SetReaderMode(ModeRFID))

	require.NoError(t, h.svc.StartReading())
	require.NoError(t, h.svc.StopReading())
	h.clock.Advance(time.Second)

	require.NoError(t, h.svc.StartReading(), "a start inside the grace period is allowed")
	h.clock.Advance(DefaultStopReadGrace)
	assert.Never(t, func() bool { return !h.svc.Busy() }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestService_StartReadingPreconditions(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	assert.ErrorIs(t, h.svc.StartReading(), ErrNotConnected)

	h.connect(t, "R6-01")
	assert.ErrorIs(t, h.svc.StartReading(), ErrModeNotSet)
}

func TestService_PrefixFilterAppliesToEveryBackend(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.r6.SetUnsupported(OpSetPrefilter)
	h.connect(t, "R6-01")

	require.NoError(t, h.svc.SetPrefixFilter("E2"))
	h.r6.ReportTag("a1000001", -50)
	h.r6.ReportTag("e2000001", -51)

	reads := h.events.wait(t, EventRFIDRead, 1)
	assert.Equal(t, "E2000001", reads[0].RFID.EPC)
	assert.Never(t, func() bool { return len(h.events.ofType(EventRFIDRead)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, h.r6.CallCount(OpSetPrefilter))

	require.NoError(t, h.svc.SetPrefixFilter(""))
	h.r6.ReportTag("a1000001", -50)
	h.events.wait(t, EventRFIDRead, 2)
}

func TestService_PrefixFilterPushedWhenSupported(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	require.NoError(t, h.svc.SetPrefixFilter("E280"))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpSetPrefilter) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, PrefixFilter{Mask: "E280", Bank: BankEPC, Enabled: true}, h.r6.LastFilter())
}

func TestService_SetReaderPowerTruncates(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	require.NoError(t, h.svc.SetReaderPower(305))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpSetPower) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 30, h.r6.LastPower())

	stored, _, _ := h.store.Get(KeyPower)
	assert.Equal(t, "30", stored)

	assert.ErrorIs(t, h.svc.SetReaderPower(-5), ErrInvalidArgument)
}

func TestService_SettingsAppliedOnConnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	require.NoError(t, h.svc.SetReaderPower(250))
	require.NoError(t, h.svc.SetTagFocus(false))
	require.NoError(t, h.svc.SetReaderMode(ModeRFID))

	h.connect(t, "R6-01")

	cfg := h.r6.LastConfig()
	assert.Equal(t, 25, cfg.PowerDBm)
	assert.Equal(t, PresetBroad, cfg.Profile.Name)
	assert.Equal(t, ModeRFID, cfg.Mode)
	assert.Zero(t, h.r6.CallCount(OpSetPower), "settings before connect are not pushed")
}

func TestService_UnsupportedOperationIsExplicit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.r6.SetUnsupported(OpAccessRead, OpAccessWrite, OpApplyProfile)
	h.connect(t, "R6-01")

	err := h.svc.StartAccessRead("E2001234")
	assert.True(t, IsUnsupported(err))
	err = h.svc.StartAccessWrite("E2001234", "E2005678")
	assert.True(t, IsUnsupported(err))

	require.NoError(t, h.svc.SetTagFocus(true))
	failed := h.events.wait(t, EventOperationFailed, 1)
	assert.Equal(t, OpApplyProfile, failed[0].Op)
	assert.True(t, IsUnsupported(failed[0].Err))

	assert.Zero(t, h.r6.CallCount(OpAccessRead))
	assert.Zero(t, h.r6.CallCount(OpAccessWrite))
}

func TestService_AccessReadAndWrite(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	assert.ErrorIs(t, h.svc.StartAccessRead("E20"), ErrInvalidArgument)
	assert.ErrorIs(t, h.svc.StartAccessRead("XYZW"), ErrInvalidArgument)
	assert.ErrorIs(t, h.svc.StartAccessWrite("E2001234", "E2005"), ErrInvalidArgument)

	require.NoError(t, h.svc.StartAccessRead("e2001234"))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpAccessRead) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"E2001234"}, h.r6.LastAccess())

	require.NoError(t, h.svc.StartAccessWrite("E2001234", "E2005678"))
	require.Eventually(t, func() bool { return h.r6.CallCount(OpAccessWrite) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"E2001234", "E2005678"}, h.r6.LastAccess())

	// Access results are not subject to the prefix filter.
	require.NoError(t, h.svc.SetPrefixFilter("FF"))
	h.r6.ReportAccess(AccessResult{Direction: AccessRead, EPC: "e2001234", PC: "3000", Data: "e2801160"})
	evs := h.events.wait(t, EventTagAccess, 1)
	assert.Equal(t, "E2001234", evs[0].Access.EPC)
	assert.Equal(t, "E2801160", evs[0].Access.Data)
}

func TestService_BarcodeFraming(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	h.r6.ReportBarcode("\x024006381333931")
	evs := h.events.wait(t, EventBarcodeRead, 1)
	assert.Equal(t, "4006381333931", evs[0].Barcode.Value)
}

func TestService_TriggerDrivesReading(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")
	require.NoError(t, h.svc.SetReaderMode(ModeRFID))

	h.r6.PressTrigger(true)
	h.events.wait(t, EventTriggerPressed, 1)
	require.Eventually(t, func() bool { return h.r6.CallCount(OpStartRead) == 1 }, waitFor, time.Millisecond)

	h.r6.PressTrigger(false)
	h.events.wait(t, EventTriggerReleased, 1)
	require.Eventually(t, func() bool { return h.r6.CallCount(OpStopRead) == 1 }, waitFor, time.Millisecond)

	h.svc.SetTriggerEnabled(false)
	h.r6.PressTrigger(true)
	h.events.wait(t, EventTriggerPressed, 2)
	assert.Never(t, func() bool { return h.r6.CallCount(OpStartRead) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestService_SelectBackendClearsState(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")

	require.NoError(t, h.svc.SelectBackend(BackendCSL))

	assert.False(t, h.svc.IsConnected())
	assert.Empty(t, h.svc.Devices())
	assert.Equal(t, StateIdle, h.svc.State())
	h.events.wait(t, EventDisconnected, 1)
	require.Eventually(t, func() bool { return h.r6.CallCount(OpDisconnect) == 1 }, waitFor, time.Millisecond)

	stored, _, _ := h.store.Get(KeySessionBackend)
	assert.Equal(t, "cs108", stored)

	// Late callbacks from the old backend are dropped.
	h.r6.ReportTag("E2001234", -40)
	assert.Never(t, func() bool { return len(h.events.ofType(EventRFIDRead)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	assert.ErrorIs(t, h.svc.SelectBackend(BackendNone+7), ErrUnknownBackend)
}

func TestService_SelectBackendWhileConnectQueued(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	require.NoError(t, h.svc.SelectBackend(BackendCSL))
	require.NoError(t, h.svc.FindDevices())
	h.csl.Discover("CS108-01")
	require.Len(t, h.svc.Devices(), 1)

	// Hold the executor so the connect stays queued.
	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, h.svc.exec.Submit("hold", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, h.svc.ConnectToHandheld("CS108-01"))
	require.NoError(t, h.svc.SelectBackend(BackendChainway))
	close(release)

	require.Eventually(t, func() bool { return h.csl.CallCount(OpDisconnect) == 1 }, waitFor, time.Millisecond)
	assert.Zero(t, h.csl.CallCount(OpConnect))
	assert.Zero(t, h.r6.CallCount(OpConnect))
	assert.Zero(t, h.r6.CallCount(OpStopScan))
	assert.Equal(t, StateIdle, h.svc.State())

	// The settle timer of the abandoned attempt stays inert.
	h.clock.Advance(DefaultSettleWindow)
	assert.Never(t, func() bool {
		return h.r6.CallCount(OpHandshake)+h.csl.CallCount(OpHandshake) > 0 || len(h.events.ofType(EventFailed)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, h.r6.CallCount(OpDisconnect))
}

func TestService_BackendErrorSurfacesAsEvent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect(t, "R6-01")
	h.r6.SetError(OpSetMode, errors.New("reader busy"))

	require.NoError(t, h.svc.SetReaderMode(ModeBarcode))

	evs := h.events.wait(t, EventOperationFailed, 1)
	assert.Equal(t, OpSetMode, evs[0].Op)
	assert.EqualError(t, evs[0].Err, "reader busy")
}

func TestService_StartRestoresPersistedBackend(t *testing.T) {
	h := newHarness(t, DefaultConfig(), map[string]string{
		KeySessionBackend: "r6",
		KeySessionDevice:  "R6-01",
	})
	assert.Equal(t, BackendChainway, h.svc.SelectedBackend())
	assert.NoError(t, h.svc.CheckBackendSelected())
}

func TestService_RemoveSubscriber(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	other := &recorder{}
	require.NoError(t, h.svc.AddSubscriber(other))
	h.svc.RemoveSubscriber(other)

	h.connect(t, "R6-01")
	assert.Empty(t, other.ofType(EventConnected))
}

func TestService_StatusSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	st := h.svc.Status()
	assert.Equal(t, BackendNone, st.Backend)
	assert.Nil(t, st.Device)

	h.connect(t, "R6-01")
	st = h.svc.Status()
	assert.Equal(t, BackendChainway, st.Backend)
	assert.Equal(t, StateConnected, st.State)
	require.NotNil(t, st.Device)
	assert.Equal(t, "R6-01", st.Device.Name)
	require.NotNil(t, st.Info)
	assert.True(t, st.TriggerEnabled)
}
