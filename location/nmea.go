// Package location provides position fixes that are attached to RFID reads.
package location

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// DefaultBaud is the usual rate of serial GPS receivers.
const DefaultBaud = 9600

const reopenDelay = 600 * time.Millisecond

// Opener opens the sentence stream of a GPS receiver.
type Opener func() (io.ReadCloser, error)

// SerialOpener opens port with tarm/serial.
func SerialOpener(port string, baud int) Opener {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return func() (io.ReadCloser, error) {
		return serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	}
}

// NMEA tracks the position reported by an NMEA 0183 receiver. It implements
// handheld.LocationProvider. The last fix survives StopUpdates.
type NMEA struct {
	open Opener
	log  zerolog.Logger

	mu     sync.Mutex
	fix    handheld.Coordinate
	hasFix bool
	cancel context.CancelFunc
	port   io.ReadCloser
	done   chan struct{}
}

// NewNMEA creates a provider reading sentences from open.
func NewNMEA(open Opener, logger zerolog.Logger) *NMEA {
	return &NMEA{
		open: open,
		log:  logger.With().Str("component", "location").Logger(),
	}
}

// NewSerial creates a provider reading a GPS receiver on a serial port.
func NewSerial(port string, baud int, logger zerolog.Logger) *NMEA {
	return NewNMEA(SerialOpener(port, baud), logger)
}

// StartUpdates opens the receiver and starts tracking. Calling it while
// running is a no-op. An error opening the receiver is returned directly;
// later read errors reopen the port until StopUpdates.
func (n *NMEA) StartUpdates() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return nil
	}

	port, err := n.open()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.port = port
	n.done = make(chan struct{})
	go n.run(ctx, port, n.done)
	n.log.Info().Msg("Location updates started")
	return nil
}

// StopUpdates stops tracking and waits for the reader to exit.
func (n *NMEA) StopUpdates() {
	n.mu.Lock()
	cancel, port, done := n.cancel, n.port, n.done
	n.cancel, n.port, n.done = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	// closing unblocks a pending Read
	_ = port.Close()
	<-done
	n.log.Info().Msg("Location updates stopped")
}

// LastKnown returns the most recent valid fix.
func (n *NMEA) LastKnown() (handheld.Coordinate, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fix, n.hasFix
}

func (n *NMEA) run(ctx context.Context, port io.ReadCloser, done chan struct{}) {
	defer close(done)
	for {
		err := n.readSentences(port)
		if ctx.Err() != nil {
			return
		}
		n.log.Warn().Err(err).Msg("GPS stream ended, reopening")
		_ = port.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reopenDelay):
			}
			port, err = n.open()
			if err == nil {
				break
			}
			n.log.Debug().Err(err).Msg("GPS reopen failed")
		}

		n.mu.Lock()
		if ctx.Err() != nil {
			n.mu.Unlock()
			_ = port.Close()
			return
		}
		n.port = port
		n.mu.Unlock()
	}
}

func (n *NMEA) readSentences(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		n.handle(line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (n *NMEA) handle(line string) {
	s, err := nmea.Parse(line)
	if err != nil {
		n.log.Debug().Err(err).Str("sentence", line).Msg("Unparseable NMEA sentence")
		return
	}

	coord, ok := fixFrom(s)
	if !ok {
		return
	}
	n.mu.Lock()
	n.fix = coord
	n.hasFix = true
	n.mu.Unlock()
}

// fixFrom extracts a position from RMC and GGA sentences that carry a valid
// fix.
func fixFrom(s nmea.Sentence) (handheld.Coordinate, bool) {
	switch m := s.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return handheld.Coordinate{}, false
		}
		return handheld.Coordinate{Latitude: m.Latitude, Longitude: m.Longitude}, true
	case nmea.GGA:
		if m.FixQuality == nmea.Invalid || m.FixQuality == "" {
			return handheld.Coordinate{}, false
		}
		return handheld.Coordinate{Latitude: m.Latitude, Longitude: m.Longitude}, true
	default:
		return handheld.Coordinate{}, false
	}
}
