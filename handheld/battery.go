package handheld

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultBatteryInterval is the battery polling period.
const DefaultBatteryInterval = 5 * time.Second

// BatteryPoller issues one battery request per interval while ready reports
// true.
type BatteryPoller struct {
	clock    clockwork.Clock
	interval time.Duration
	ready    func() bool
	poll     func()
	log      zerolog.Logger

	mu     sync.Mutex
	gen    uint64
	ticker clockwork.Ticker
	stop   chan struct{}
}

// NewBatteryPoller creates a stopped poller.
func NewBatteryPoller(clock clockwork.Clock, interval time.Duration, ready func() bool, poll func(), logger zerolog.Logger) *BatteryPoller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultBatteryInterval
	}
	return &BatteryPoller{
		clock:    clock,
		interval: interval,
		ready:    ready,
		poll:     poll,
		log:      logger.With().Str("component", "battery").Logger(),
	}
}

// Start begins polling. A running poller is stopped first so two tickers
// never run at once.
func (p *BatteryPoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.gen++
	p.ticker = p.clock.NewTicker(p.interval)
	p.stop = make(chan struct{})
	go p.run(p.gen, p.ticker, p.stop)
	p.log.Debug().Dur("interval", p.interval).Msg("Battery polling started")
}

// Stop invalidates the ticker. It does not wait for a tick in progress.
func (p *BatteryPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ticker != nil {
		p.log.Debug().Msg("Battery polling stopped")
	}
	p.stopLocked()
}

// Running reports whether a ticker is active.
func (p *BatteryPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticker != nil
}

func (p *BatteryPoller) stopLocked() {
	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	close(p.stop)
	p.ticker = nil
	p.stop = nil
	p.gen++
}

func (p *BatteryPoller) run(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !p.current(gen) {
				return
			}
			if p.ready != nil && !p.ready() {
				p.log.Debug().Msg("Reader busy or not connected, skipping battery poll")
				continue
			}
			if p.poll != nil {
				p.poll()
			}
		}
	}
}

func (p *BatteryPoller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}
