package csl

import (
	"fmt"
	"strings"

	"github.com/dotside-studios/handheld-agent/handheld"
)

// delegate translates SDK callbacks into EventSink calls. Callbacks arriving
// before a sink is installed are dropped.
type delegate struct {
	b *Backend
}

func (d delegate) DeviceFound(p Peripheral) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return
	}
	d.b.mu.Lock()
	d.b.peripherals[name] = p
	sink := d.b.sink
	d.b.mu.Unlock()

	if sink != nil {
		sink.DeviceDiscovered(handheld.Device{Name: name, MACAddress: p.Address, Handle: p})
	}
}

func (d delegate) DidConnect(p Peripheral) {
	d.b.mu.Lock()
	d.b.linked = true
	sink := d.b.sink
	d.b.mu.Unlock()

	d.b.log.Info().Str("device", p.Name).Msg("BLE link up")
	if sink != nil {
		sink.LinkUp(p.Name)
	}
}

func (d delegate) DidDisconnect(p Peripheral) {
	d.b.mu.Lock()
	d.b.linked = false
	sink := d.b.sink
	d.b.mu.Unlock()

	d.b.log.Info().Str("device", p.Name).Msg("BLE link down")
	if sink != nil {
		sink.LinkDown(p.Name)
	}
}

func (d delegate) DidFailToConnect(p Peripheral, err error) {
	d.b.mu.Lock()
	d.b.linked = false
	sink := d.b.sink
	d.b.mu.Unlock()

	d.b.log.Warn().Err(err).Str("device", p.Name).Msg("BLE connect failed")
	if sink != nil {
		sink.LinkFailed(p.Name, err)
	}
}

func (d delegate) TagResponse(tag Tag) {
	if sink := d.b.eventSink(); sink != nil {
		sink.TagRead(tag.EPC, tag.RSSI)
	}
}

func (d delegate) TagAccess(tag Tag) {
	dir := handheld.AccessWrite
	if tag.Command == CommandRead {
		dir = handheld.AccessRead
	}
	if sink := d.b.eventSink(); sink != nil {
		sink.TagAccess(handheld.AccessResult{
			Direction: dir,
			EPC:       tag.EPC,
			PC:        fmt.Sprintf("%04X", tag.PC),
			Data:      tag.Data,
		})
	}
}

func (d delegate) TriggerKeyChanged(pressed bool) {
	if sink := d.b.eventSink(); sink != nil {
		sink.Trigger(pressed)
	}
}

func (d delegate) BatteryLevel(percent int) {
	if sink := d.b.eventSink(); sink != nil {
		sink.BatteryLevel(percent)
	}
}

func (d delegate) Barcode(value string) {
	if sink := d.b.eventSink(); sink != nil {
		sink.BarcodeRead(value)
	}
}

func (d delegate) CommandEnd() {
	d.b.log.Debug().Msg("Command end")
}
