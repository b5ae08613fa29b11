package handheld

import "sync"

// LocationProvider supplies the last known position for geotagging reads.
type LocationProvider interface {
	StartUpdates() error
	StopUpdates()
	// LastKnown returns the most recent fix. ok is false when none is known.
	LastKnown() (c Coordinate, ok bool)
}

// FixedLocation is a LocationProvider that always reports the same position.
// It is useful for stationary deployments and tests.
type FixedLocation struct {
	mu      sync.Mutex
	coord   Coordinate
	running bool
	starts  int
}

// NewFixedLocation returns a provider reporting c.
func NewFixedLocation(c Coordinate) *FixedLocation {
	return &FixedLocation{coord: c}
}

func (f *FixedLocation) StartUpdates() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *FixedLocation) StopUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *FixedLocation) LastKnown() (Coordinate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coord, true
}

// Running reports whether updates are started.
func (f *FixedLocation) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Starts returns how many times StartUpdates was called.
func (f *FixedLocation) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}
