package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dotside-studios/handheld-agent/handheld"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountsEvents(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)

	r.ReceiveEvent(handheld.Event{Type: handheld.EventConnected, Backend: handheld.BackendChainway})
	r.ReceiveEvent(handheld.Event{Type: handheld.EventRFIDRead, Backend: handheld.BackendChainway, RFID: handheld.RFIDReading{EPC: "E2001234", RSSI: -42}})
	r.ReceiveEvent(handheld.Event{Type: handheld.EventRFIDRead, Backend: handheld.BackendChainway, RFID: handheld.RFIDReading{EPC: "E2001235", RSSI: -61}})
	r.ReceiveEvent(handheld.Event{Type: handheld.EventBarcodeRead, Backend: handheld.BackendCSL})
	r.ReceiveEvent(handheld.Event{Type: handheld.EventBatteryLevel, Battery: handheld.BatteryStatus{Percent: 73}})
	r.ReceiveEvent(handheld.Event{Type: handheld.EventOperationFailed, Op: handheld.OpAccessRead})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.connected))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rfidReads.WithLabelValues("r6")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.barcodeReads.WithLabelValues("cs108")))
	assert.Equal(t, 73.0, testutil.ToFloat64(r.battery))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.opFailures.WithLabelValues("accessRead")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues("rfidRead", "r6")))

	r.ReceiveEvent(handheld.Event{Type: handheld.EventDisconnected})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.connected))
}

func TestRecorder_ConnectFailureCode(t *testing.T) {
	r := NewRecorder(nil)

	r.ReceiveEvent(handheld.Event{Type: handheld.EventFailed, Err: handheld.NewConnectError(handheld.ErrCodeConnectTimeout, "R6-01", nil)})
	r.ReceiveEvent(handheld.Event{Type: handheld.EventFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectFails.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectFails.WithLabelValues("unknown")))
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)
	r.ReceiveEvent(handheld.Event{Type: handheld.EventBatteryLevel, Battery: handheld.BatteryStatus{Percent: 55}})

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "handheld_battery_percent 55")
}
