package csl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reader01 = Peripheral{Name: "CS108Reader01", Address: "00:11:22:33:44:55"}

type sinkRecorder struct {
	mu       sync.Mutex
	devices  []handheld.Device
	linkUp   []string
	linkDown []string
	failed   []error
	tags     []string
	barcodes []string
	access   []handheld.AccessResult
	battery  []int
	trigger  []bool
}

func (r *sinkRecorder) DeviceDiscovered(dev handheld.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, dev)
}

func (r *sinkRecorder) LinkUp(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkUp = append(r.linkUp, name)
}

func (r *sinkRecorder) LinkDown(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linkDown = append(r.linkDown, name)
}

func (r *sinkRecorder) LinkFailed(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *sinkRecorder) TagRead(epc string, rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, epc)
}

func (r *sinkRecorder) BarcodeRead(raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.barcodes = append(r.barcodes, raw)
}

func (r *sinkRecorder) TagAccess(result handheld.AccessResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.access = append(r.access, result)
}

func (r *sinkRecorder) BatteryLevel(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battery = append(r.battery, percent)
}

func (r *sinkRecorder) Trigger(pressed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigger = append(r.trigger, pressed)
}

func newLinkedBackend(t *testing.T) (*Backend, *Simulator, *sinkRecorder) {
	t.Helper()
	sim := NewSimulator(reader01)
	b := New(sim, zerolog.Nop())
	sink := &sinkRecorder{}
	b.SetEventSink(sink)

	require.NoError(t, b.StartScan(testContext(t)))
	require.Len(t, sink.devices, 1)
	require.NoError(t, b.Connect(testContext(t), sink.devices[0]))
	require.True(t, b.Linked())
	return b, sim, sink
}

func TestFrequencyTableFor(t *testing.T) {
	tests := []struct {
		name  string
		oem   OEMInfo
		first string
		count int
	}{
		{"europe", OEMInfo{CountryCode: 1}, "ETSI", 3},
		{"americas", OEMInfo{CountryCode: 2}, "FCC", 10},
		{"fcc locked", OEMInfo{CountryCode: 2, FreqModFlag: 0xAA}, "FCC", 1},
		{"asia pacific", OEMInfo{CountryCode: 4}, "AU", 7},
		{"korea", OEMInfo{CountryCode: 6}, "KR", 1},
		{"japan", OEMInfo{CountryCode: 8}, "JP", 1},
		{"etsi upper band", OEMInfo{CountryCode: 9}, "ETSIUPPERBAND", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := FrequencyTableFor(tt.oem)
			require.Len(t, table.Regions, tt.count)
			first, ok := table.Default()
			require.True(t, ok)
			assert.Equal(t, tt.first, first)
			for _, r := range table.Regions {
				assert.NotEmpty(t, table.Channels[r], "region %s", r)
			}
		})
	}

	assert.Empty(t, FrequencyTableFor(OEMInfo{CountryCode: 42}).Regions)

	fcc := FrequencyTableFor(OEMInfo{CountryCode: 2}).Channels["FCC"]
	require.Len(t, fcc, 50)
	assert.Equal(t, 902.75, fcc[0])
	assert.Equal(t, 903.25, fcc[1])
	assert.Equal(t, 927.25, fcc[49])
}

func TestModelFor(t *testing.T) {
	assert.Equal(t, ModelCS463, ModelFor("3.0.12"))
	assert.Equal(t, ModelCS108, ModelFor("1.0.17"))
	assert.Equal(t, ModelCS108, ModelFor("3.0"))
	assert.Equal(t, ModelCS108, ModelFor(""))
}

func TestBackend_ConnectUnknownDevice(t *testing.T) {
	b := New(NewSimulator(), zerolog.Nop())
	err := b.Connect(testContext(t), handheld.Device{Name: "ghost"})
	assert.ErrorIs(t, err, handheld.ErrDeviceNotFound)
}

func TestBackend_ConnectFailureReportsLinkFailed(t *testing.T) {
	sim := NewSimulator(reader01)
	b := New(sim, zerolog.Nop())
	sink := &sinkRecorder{}
	b.SetEventSink(sink)

	sim.FailConnect(errors.New("gatt error 133"))
	require.NoError(t, b.StartScan(testContext(t)))
	require.NoError(t, b.Connect(testContext(t), sink.devices[0]))

	assert.False(t, b.Linked())
	require.Len(t, sink.failed, 1)
	assert.EqualError(t, sink.failed[0], "gatt error 133")
}

func TestBackend_HandshakeSequence(t *testing.T) {
	b, sim, sink := newLinkedBackend(t)
	assert.Equal(t, []string{"CS108Reader01"}, sink.linkUp)

	hs, err := b.Handshake(testContext(t))
	require.NoError(t, err)

	calls := sim.Calls()
	idx := 0
	for i, c := range calls {
		if c == "connectDevice" {
			idx = i + 1
		}
	}
	assert.Equal(t, []string{
		"barcodeReader",
		"powerOffRfid",
		"powerOnRfid",
		"btFirmwareVersion",
		"siLabICVersion",
		"rfidBoardSerialNumber",
		"pcbBoardVersion",
		"sendAbortCommand",
		"rfidFirmwareVersion",
		"readOEMData", "readOEMData", "readOEMData", "readOEMData", "readOEMData",
	}, calls[idx:])

	assert.Equal(t, "1.0.17", hs.Info.BTFirmwareVersion)
	assert.Equal(t, "2.6.44", hs.Info.RFIDFirmwareVersion)
	assert.Equal(t, "CS108SIM0001", hs.Info.SerialNumber)
	assert.Equal(t, ModelCS108, hs.Info.ReaderModel)
	assert.Equal(t, uint32(2), hs.Info.CountryCode)
	assert.False(t, hs.Info.FixedFrequency)
	assert.Equal(t, "FCC", hs.Frequencies.Regions[0])
}

func TestBackend_HandshakeDetectsCS463(t *testing.T) {
	sim := NewSimulator(reader01)
	sim.SetFirmware("3.1.02")
	b := New(sim, zerolog.Nop())
	require.NoError(t, b.Connect(testContext(t), handheld.Device{Name: reader01.Name, Handle: reader01}))

	hs, err := b.Handshake(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, ModelCS463, hs.Info.ReaderModel)
}

func TestBackend_HandshakeWithoutLinkFails(t *testing.T) {
	b := New(NewSimulator(), zerolog.Nop())
	_, err := b.Handshake(testContext(t))
	assert.ErrorIs(t, err, handheld.ErrBackendFault)
	assert.ErrorIs(t, err, ErrNotLinked)
}

func TestBackend_ConfigurePushesSettings(t *testing.T) {
	b, sim, _ := newLinkedBackend(t)
	_, err := b.Handshake(testContext(t))
	require.NoError(t, err)

	cfg := handheld.ReaderConfig{
		Region:   "FCC",
		Channel:  "0",
		Profile:  handheld.FocusedPreset(),
		Filter:   handheld.PrefixFilter{Mask: "E280", Bank: handheld.BankEPC, Enabled: true},
		PowerDBm: 27,
		Mode:     handheld.ModeRFID,
	}
	require.NoError(t, b.Configure(testContext(t), cfg))

	region, freqs := sim.Region()
	assert.Equal(t, "FCC", region)
	assert.Len(t, freqs, 50)
	assert.Equal(t, 27.0, sim.Power())

	inv := sim.Inventory()
	assert.Equal(t, handheld.DefaultTagPopulation, inv.TagPopulation)
	assert.True(t, inv.TagFocus)
	assert.Equal(t, 7, inv.QValue)
	assert.Equal(t, int(handheld.SessionS1), inv.Session)
	assert.Equal(t, 3, inv.RFLNA)
	assert.Equal(t, 4, inv.IFAGC)

	pf := sim.Prefilter()
	assert.True(t, pf.Enabled)
	assert.Equal(t, []byte{0xE2, 0x80}, pf.Mask)
	assert.Equal(t, BankEPC, pf.Bank)
}

func TestBackend_ConfigureFixedFrequency(t *testing.T) {
	sim := NewSimulator(reader01)
	sim.SetOEM(OEMFixedFrequency, 1)
	b := New(sim, zerolog.Nop())
	require.NoError(t, b.Connect(testContext(t), handheld.Device{Name: reader01.Name, Handle: reader01}))
	_, err := b.Handshake(testContext(t))
	require.NoError(t, err)

	require.NoError(t, b.Configure(testContext(t), handheld.ReaderConfig{Region: "FCC", Channel: "1", Profile: handheld.BroadPreset()}))
	_, freqs := sim.Region()
	assert.Equal(t, []float64{903.25}, freqs)
}

func TestBackend_OddPrefixStaysSoftwareOnly(t *testing.T) {
	b, sim, _ := newLinkedBackend(t)

	require.NoError(t, b.SetPrefixFilter(testContext(t), handheld.PrefixFilter{Mask: "E28", Enabled: true}))
	assert.False(t, sim.Prefilter().Enabled)
}

func TestBackend_ReadModes(t *testing.T) {
	b, sim, sink := newLinkedBackend(t)
	sim.SetTags(Tag{EPC: "E2001234", RSSI: -51})
	sim.SetBarcodes("\x028712345678906")

	require.NoError(t, b.StartRead(testContext(t), handheld.ModeRFID))
	assert.Equal(t, StatusBusy, sim.ConnectStatus())
	require.NoError(t, b.StopRead(testContext(t), handheld.ModeRFID))

	require.NoError(t, b.StartRead(testContext(t), handheld.ModeBarcode))
	require.NoError(t, b.StopRead(testContext(t), handheld.ModeBarcode))

	assert.Equal(t, []string{"E2001234"}, sink.tags)
	assert.Equal(t, []string{"\x028712345678906"}, sink.barcodes)

	calls := sim.Calls()
	assert.Contains(t, calls, "stopInventory")
	assert.Contains(t, calls, "stopBarcodeReading")
	clears := 0
	for _, c := range calls {
		if c == "clearFilteredBuffer" {
			clears++
		}
	}
	assert.Equal(t, 2, clears)

	assert.ErrorIs(t, b.StartRead(testContext(t), handheld.ModeNone), handheld.ErrModeNotSet)
}

func TestBackend_AccessRead(t *testing.T) {
	b, sim, sink := newLinkedBackend(t)
	sim.SetTID("E2001234", "E28011606000020A")

	require.NoError(t, b.AccessRead(testContext(t), "E2001234"))

	req := sim.LastMemoryRequest()
	assert.Equal(t, BankTID, req.Bank)
	assert.Equal(t, uint16(0), req.Offset)
	assert.Equal(t, uint16(6), req.Count)
	assert.Equal(t, BankEPC, req.MaskBank)
	assert.Equal(t, uint32(32), req.MaskPointer)
	assert.Equal(t, uint32(32), req.MaskLength)
	assert.Equal(t, []byte{0xE2, 0x00, 0x12, 0x34}, req.MaskData)

	require.Len(t, sink.access, 1)
	assert.Equal(t, handheld.AccessResult{
		Direction: handheld.AccessRead,
		EPC:       "E2001234",
		PC:        "3000",
		Data:      "E28011606000020A",
	}, sink.access[0])
}

func TestBackend_AccessWrite(t *testing.T) {
	b, sim, sink := newLinkedBackend(t)

	require.NoError(t, b.AccessWrite(testContext(t), "E2001234", "E2005678AAAA"))

	req := sim.LastMemoryRequest()
	assert.Equal(t, BankEPC, req.Bank)
	assert.Equal(t, uint16(2), req.Offset)
	assert.Equal(t, uint16(3), req.Count)
	assert.Equal(t, []byte{0xE2, 0x00, 0x56, 0x78, 0xAA, 0xAA}, req.Data)

	require.Len(t, sink.access, 1)
	assert.Equal(t, handheld.AccessWrite, sink.access[0].Direction)
	assert.Equal(t, "E2005678AAAA", sink.access[0].Data)

	err := b.AccessWrite(testContext(t), "E2001234", "ZZZZ")
	assert.ErrorIs(t, err, handheld.ErrInvalidArgument)
}

func TestBackend_BatteryOnlyWhenIdle(t *testing.T) {
	b, sim, sink := newLinkedBackend(t)
	sim.SetBattery(64)

	require.NoError(t, b.RequestBattery(testContext(t)))
	assert.Equal(t, []int{64}, sink.battery)

	require.NoError(t, b.StartRead(testContext(t), handheld.ModeRFID))
	require.NoError(t, b.RequestBattery(testContext(t)))
	assert.Equal(t, []int{64}, sink.battery)

	reports := 0
	for _, c := range sim.Calls() {
		if c == "getSingleBatteryReport" {
			reports++
		}
	}
	assert.Equal(t, 1, reports)
}

func TestBackend_LinkLossAndTrigger(t *testing.T) {
	b, sim, sink := newLinkedBackend(t)

	sim.PressTrigger(true)
	sim.PressTrigger(false)
	assert.Equal(t, []bool{true, false}, sink.trigger)

	sim.DropLink()
	assert.False(t, b.Linked())
	assert.Equal(t, []string{"CS108Reader01"}, sink.linkDown)
}

func TestBackend_DrivesService(t *testing.T) {
	sim := NewSimulator(reader01)
	sim.SetTags(Tag{EPC: "e2001234", RSSI: -42}, Tag{EPC: "a1000001", RSSI: -60})

	svc := handheld.New(handheld.Options{
		Backends: []handheld.ReaderBackend{New(sim, zerolog.Nop())},
		Clock:    clockwork.NewFakeClock(),
		Logger:   zerolog.Nop(),
	})
	var mu sync.Mutex
	var events []handheld.Event
	require.NoError(t, svc.AddSubscriber(handheld.NewEventHandler(func(ev handheld.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})))
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	seen := func(typ handheld.EventType) []handheld.Event {
		mu.Lock()
		defer mu.Unlock()
		var out []handheld.Event
		for _, ev := range events {
			if ev.Type == typ {
				out = append(out, ev)
			}
		}
		return out
	}

	require.NoError(t, svc.SelectBackend(handheld.BackendCSL))
	require.NoError(t, svc.FindDevices())
	require.Eventually(t, func() bool { return len(svc.Devices()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, svc.ConnectToHandheld("CS108Reader01"))
	require.Eventually(t, func() bool { return len(seen(handheld.EventConnected)) == 1 }, time.Second, time.Millisecond)

	info, ok := svc.DeviceInfo()
	require.True(t, ok)
	assert.Equal(t, ModelCS108, info.ReaderModel)
	assert.Equal(t, "FCC", info.Region)

	require.NoError(t, svc.SetPrefixFilter("E2"))
	require.NoError(t, svc.SetReaderMode(handheld.ModeRFID))
	require.NoError(t, svc.StartReading())

	require.Eventually(t, func() bool { return len(seen(handheld.EventRFIDRead)) == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(seen(handheld.EventRFIDRead)) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "E2001234", seen(handheld.EventRFIDRead)[0].RFID.EPC)
}

// testContext returns a context that is cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
