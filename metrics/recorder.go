// Package metrics exports handheld activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dotside-studios/handheld-agent/handheld"
	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "handheld"

// Recorder is a handheld.Subscriber that turns domain events into metrics.
type Recorder struct {
	handheld.NopSubscriber

	events       *prom.CounterVec
	rfidReads    *prom.CounterVec
	barcodeReads *prom.CounterVec
	rssi         prom.Histogram
	battery      prom.Gauge
	connected    prom.Gauge
	opFailures   *prom.CounterVec
	connectFails *prom.CounterVec
}

// NewRecorder constructs the metrics and registers them with reg. A nil reg
// gets a private registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events delivered, by type and backend",
		}, []string{"type", "backend"}),
		rfidReads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "rfid_reads_total",
			Help:      "RFID tags reported after prefix filtering",
		}, []string{"backend"}),
		barcodeReads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "barcode_reads_total",
			Help:      "Barcodes decoded",
		}, []string{"backend"}),
		rssi: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "rfid_rssi_dbm",
			Help:      "Signal strength of RFID reads",
			Buckets:   prom.LinearBuckets(-90, 10, 9),
		}),
		battery: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Last reported battery level of the connected handheld",
		}),
		connected: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a handheld is connected",
		}),
		opFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Background operations that failed, by operation",
		}, []string{"op"}),
		connectFails: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Connect attempts that failed, by error code",
		}, []string{"code"}),
	}
	reg.MustRegister(r.events, r.rfidReads, r.barcodeReads, r.rssi, r.battery, r.connected, r.opFailures, r.connectFails)
	return r
}

// ReceiveEvent implements handheld.EventReceiver.
func (r *Recorder) ReceiveEvent(ev handheld.Event) {
	backend := ev.Backend.String()
	r.events.WithLabelValues(ev.Type.String(), backend).Inc()

	switch ev.Type {
	case handheld.EventConnected:
		r.connected.Set(1)
	case handheld.EventDisconnected:
		r.connected.Set(0)
	case handheld.EventFailed:
		r.connected.Set(0)
		r.connectFails.WithLabelValues(codeLabel(ev.Err)).Inc()
	case handheld.EventRFIDRead:
		r.rfidReads.WithLabelValues(backend).Inc()
		r.rssi.Observe(float64(ev.RFID.RSSI))
	case handheld.EventBarcodeRead:
		r.barcodeReads.WithLabelValues(backend).Inc()
	case handheld.EventBatteryLevel:
		r.battery.Set(float64(ev.Battery.Percent))
	case handheld.EventOperationFailed:
		r.opFailures.WithLabelValues(string(ev.Op)).Inc()
	}
}

func codeLabel(err error) string {
	var hErr *handheld.HandheldError
	if errors.As(err, &hErr) {
		return strconv.Itoa(int(hErr.Code))
	}
	return "unknown"
}

// HTTPHandler serves the metrics of reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
