// Package protocol provides the JSON messages exchanged with control clients
// and published on the message bus. It only depends on the handheld core, so
// external tools can import it without pulling in server dependencies.
package protocol

import (
	"time"

	"github.com/dotside-studios/handheld-agent/handheld"
)

// SelectBackendRequest is the payload of a selectBackend request.
type SelectBackendRequest struct {
	// Backend is "cs108" (or "csl") and "r6" (or "chainway").
	Backend string `json:"backend"`
}

// ConnectRequest is the payload of a connect request.
type ConnectRequest struct {
	Name string `json:"name"`
}

// SetModeRequest is the payload of a setMode request.
type SetModeRequest struct {
	Mode string `json:"mode"` // "barcode" or "rfid"
}

// SetPowerRequest is the payload of a setPower request. Power is given in
// tenths of a dBm, as power sliders report it.
type SetPowerRequest struct {
	Tenths int `json:"tenths"`
}

// SetTagFocusRequest is the payload of a setTagFocus request.
type SetTagFocusRequest struct {
	Enabled bool `json:"enabled"`
}

type SetTagPopulationRequest struct {
	Population int `json:"population"`
}

// SetPrefixFilterRequest is the payload of a setPrefixFilter request. An
// empty prefix clears the filter.
type SetPrefixFilterRequest struct {
	Prefix string `json:"prefix"`
}

type SetTriggerRequest struct {
	Enabled bool `json:"enabled"`
}

// AccessReadRequest asks for the TID of the tag with the given EPC.
type AccessReadRequest struct {
	EPC string `json:"epc"`
}

// AccessWriteRequest rewrites the EPC of a tag.
type AccessWriteRequest struct {
	EPC    string `json:"epc"`
	NewEPC string `json:"newEpc"`
}

// EventMessage is how a domain event travels over the WebSocket and the
// message bus.
type EventMessage struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Backend string    `json:"backend"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// DevicePayload is a discovered or connected handheld.
type DevicePayload struct {
	Name       string `json:"name"`
	MACAddress string `json:"macAddress,omitempty"`
}

type DeviceListPayload struct {
	Devices []DevicePayload `json:"devices"`
}

type ConnectedPayload struct {
	Device DevicePayload       `json:"device"`
	Info   handheld.DeviceInfo `json:"info"`
}

// FailurePayload describes a failed connect or background operation.
type FailurePayload struct {
	Device string `json:"device,omitempty"`
	Op     string `json:"op,omitempty"`
	Code   int    `json:"code,omitempty"`
	Error  string `json:"error"`
}

type AccessPayload struct {
	Direction string `json:"direction"`
	EPC       string `json:"epc"`
	PC        string `json:"pc"`
	Data      string `json:"data"`
}

// FromEvent converts a domain event into its wire form.
func FromEvent(ev handheld.Event) EventMessage {
	msg := EventMessage{
		ID:      ev.ID,
		Type:    ev.Type.String(),
		Backend: ev.Backend.String(),
		At:      ev.At,
	}

	switch ev.Type {
	case handheld.EventDeviceListUpdated:
		msg.Payload = DeviceListPayload{Devices: fromDevices(ev.Devices)}
	case handheld.EventConnected:
		msg.Payload = ConnectedPayload{Device: fromDevice(ev.Device), Info: ev.Info}
	case handheld.EventDisconnected:
		msg.Payload = fromDevice(ev.Device)
	case handheld.EventFailed:
		msg.Payload = failure(ev.Device.Name, "", ev.Err)
	case handheld.EventBatteryLevel:
		msg.Payload = ev.Battery
	case handheld.EventRFIDRead:
		msg.Payload = ev.RFID
	case handheld.EventBarcodeRead:
		msg.Payload = ev.Barcode
	case handheld.EventTagAccess:
		msg.Payload = AccessPayload{
			Direction: ev.Access.Direction.String(),
			EPC:       ev.Access.EPC,
			PC:        ev.Access.PC,
			Data:      ev.Access.Data,
		}
	case handheld.EventOperationFailed:
		msg.Payload = failure("", string(ev.Op), ev.Err)
	}
	return msg
}

func failure(device, op string, err error) FailurePayload {
	p := FailurePayload{Device: device, Op: op, Error: "unknown error"}
	if err != nil {
		p.Error = err.Error()
		p.Code = int(handheld.GetErrorCode(err))
	}
	return p
}

func fromDevice(d handheld.Device) DevicePayload {
	return DevicePayload{Name: d.Name, MACAddress: d.MACAddress}
}

func fromDevices(devices []handheld.Device) []DevicePayload {
	out := make([]DevicePayload, 0, len(devices))
	for _, d := range devices {
		out = append(out, fromDevice(d))
	}
	return out
}

// SettingsPayload is the persisted reader configuration.
type SettingsPayload struct {
	Profile  handheld.ReadProfile  `json:"profile"`
	Filter   handheld.PrefixFilter `json:"filter"`
	PowerDBm int                   `json:"powerDbm"`
	Mode     string                `json:"mode"`
	Region   string                `json:"region"`
	Channel  string                `json:"channel"`
}

// StatusPayload answers a status request and GET /api/v1/status.
type StatusPayload struct {
	Backend        string                  `json:"backend"`
	State          string                  `json:"state"`
	Device         *DevicePayload          `json:"device,omitempty"`
	Devices        []DevicePayload         `json:"devices"`
	Info           *handheld.DeviceInfo    `json:"info,omitempty"`
	Mode           string                  `json:"mode"`
	Busy           bool                    `json:"busy"`
	Battery        *handheld.BatteryStatus `json:"battery,omitempty"`
	TriggerEnabled bool                    `json:"triggerEnabled"`
	Settings       SettingsPayload         `json:"settings"`
}

// FromStatus converts a facade snapshot into its wire form.
func FromStatus(st handheld.Status) StatusPayload {
	p := StatusPayload{
		Backend:        st.Backend.String(),
		State:          st.State.String(),
		Devices:        fromDevices(st.Devices),
		Info:           st.Info,
		Mode:           st.Mode.String(),
		Busy:           st.Busy,
		Battery:        st.Battery,
		TriggerEnabled: st.TriggerEnabled,
		Settings: SettingsPayload{
			Profile:  st.Settings.Profile,
			Filter:   st.Settings.Filter,
			PowerDBm: st.Settings.PowerDBm,
			Mode:     st.Settings.Mode.String(),
			Region:   st.Settings.Region,
			Channel:  st.Settings.Channel,
		},
	}
	if st.Device != nil {
		d := fromDevice(*st.Device)
		p.Device = &d
	}
	return p
}
