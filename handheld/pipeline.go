package handheld

import (
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// stx is the framing byte some scanners prepend to barcode payloads.
const stx = "\x02"

// Pipeline normalizes raw reads, applies the prefix filter and tags readings
// with the last known location.
type Pipeline struct {
	mu       sync.RWMutex
	prefix   string
	location LocationProvider
	clock    clockwork.Clock
}

// NewPipeline creates a pipeline. A nil location provider tags every reading
// with the zero Coordinate.
func NewPipeline(clock clockwork.Clock, location LocationProvider) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{clock: clock, location: location}
}

// SetPrefix replaces the active prefix filter. An empty prefix passes everything.
func (p *Pipeline) SetPrefix(prefix string) {
	p.mu.Lock()
	p.prefix = strings.TrimSpace(prefix)
	p.mu.Unlock()
}

// Prefix returns the active prefix filter.
func (p *Pipeline) Prefix() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prefix
}

// MatchesPrefix reports whether epc starts with prefix, ignoring case.
func MatchesPrefix(epc, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(epc), strings.ToLower(prefix))
}

// ProcessTag turns a raw inventory callback into a reading. The second
// return value is false when the reading is filtered out.
func (p *Pipeline) ProcessTag(epc string, rssi int) (RFIDReading, bool) {
	epc = strings.ToUpper(strings.TrimSpace(epc))
	if epc == "" || !MatchesPrefix(epc, p.Prefix()) {
		return RFIDReading{}, false
	}
	return RFIDReading{
		EPC:      epc,
		RSSI:     rssi,
		Location: p.lastKnown(),
		ReadAt:   p.clock.Now(),
	}, true
}

// ProcessBarcode strips scanner framing from a decoded barcode. Empty
// payloads are dropped.
func (p *Pipeline) ProcessBarcode(raw string) (BarcodeReading, bool) {
	value := strings.TrimPrefix(raw, stx)
	value = strings.TrimRight(value, "\r\n")
	if value == "" {
		return BarcodeReading{}, false
	}
	return BarcodeReading{Value: value, ReadAt: p.clock.Now()}, true
}

// ProcessAccess normalizes a tag access result. Access results are targeted
// operations and never go through the prefix filter.
func (p *Pipeline) ProcessAccess(res AccessResult) AccessResult {
	res.EPC = strings.ToUpper(strings.TrimSpace(res.EPC))
	res.PC = strings.ToUpper(res.PC)
	res.Data = strings.ToUpper(res.Data)
	return res
}

func (p *Pipeline) lastKnown() Coordinate {
	if p.location == nil {
		return Coordinate{}
	}
	c, ok := p.location.LastKnown()
	if !ok {
		return Coordinate{}
	}
	return c
}
