package location

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ handheld.LocationProvider = (*NMEA)(nil)

const (
	rmcValid   = "$GPRMC,123519,A,5154.7350,N,00428.7502,E,022.4,084.4,230394,003.1,W*62"
	rmcVoid    = "$GPRMC,123520,V,5154.7350,N,00428.7502,E,022.4,084.4,230394,003.1,W*7F"
	ggaFix     = "$GPGGA,123521,5222.2000,N,00453.4000,E,1,08,0.9,545.4,M,46.9,M,,*4D"
	ggaNoFix   = "$GPGGA,123522,4000.0000,N,00300.0000,E,0,00,,,M,,M,,*5F"
	badSum     = "$GPRMC,123519,A,4000.0000,N,00300.0000,E,022.4,084.4,230394,003.1,W*00"
	notNMEA    = "garbage from a half-written line"
	waitForFix = 2 * time.Second
)

// pipes hands out a fresh pipe on every open and keeps the writers.
type pipes struct {
	mu      sync.Mutex
	writers []*io.PipeWriter
	fail    bool
}

func (p *pipes) open() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errors.New("no such device")
	}
	r, w := io.Pipe()
	p.writers = append(p.writers, w)
	return r, nil
}

func (p *pipes) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writers)
}

func (p *pipes) write(t *testing.T, lines ...string) {
	t.Helper()
	p.mu.Lock()
	w := p.writers[len(p.writers)-1]
	p.mu.Unlock()
	for _, l := range lines {
		_, err := io.WriteString(w, l+"\r\n")
		require.NoError(t, err)
	}
}

func (p *pipes) closeLatest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.writers[len(p.writers)-1].Close()
}

func TestNMEA_TracksValidFixes(t *testing.T) {
	p := &pipes{}
	n := NewNMEA(p.open, zerolog.Nop())
	require.NoError(t, n.StartUpdates())
	defer n.StopUpdates()

	_, ok := n.LastKnown()
	assert.False(t, ok)

	p.write(t, notNMEA, rmcValid)
	require.Eventually(t, func() bool { _, ok := n.LastKnown(); return ok }, waitForFix, time.Millisecond)
	fix, _ := n.LastKnown()
	assert.InDelta(t, 51.91225, fix.Latitude, 1e-5)
	assert.InDelta(t, 4.47917, fix.Longitude, 1e-5)

	p.write(t, rmcVoid, ggaNoFix, badSum)
	fix, _ = n.LastKnown()
	assert.InDelta(t, 51.91225, fix.Latitude, 1e-5)

	p.write(t, ggaFix)
	require.Eventually(t, func() bool {
		fix, _ := n.LastKnown()
		return fix.Latitude > 52
	}, waitForFix, time.Millisecond)
	fix, _ = n.LastKnown()
	assert.InDelta(t, 52.37, fix.Latitude, 1e-5)
	assert.InDelta(t, 4.89, fix.Longitude, 1e-5)
}

func TestNMEA_StartIsIdempotentAndStopKeepsFix(t *testing.T) {
	p := &pipes{}
	n := NewNMEA(p.open, zerolog.Nop())

	require.NoError(t, n.StartUpdates())
	require.NoError(t, n.StartUpdates())
	assert.Equal(t, 1, p.count())

	p.write(t, rmcValid)
	require.Eventually(t, func() bool { _, ok := n.LastKnown(); return ok }, waitForFix, time.Millisecond)

	n.StopUpdates()
	n.StopUpdates()
	_, ok := n.LastKnown()
	assert.True(t, ok)
}

func TestNMEA_OpenErrorReturned(t *testing.T) {
	p := &pipes{fail: true}
	n := NewNMEA(p.open, zerolog.Nop())
	assert.Error(t, n.StartUpdates())
	n.StopUpdates()
}

func TestNMEA_ReopensAfterStreamEnds(t *testing.T) {
	p := &pipes{}
	n := NewNMEA(p.open, zerolog.Nop())
	require.NoError(t, n.StartUpdates())
	defer n.StopUpdates()

	p.closeLatest()
	require.Eventually(t, func() bool { return p.count() == 2 }, waitForFix, 5*time.Millisecond)

	p.write(t, ggaFix)
	require.Eventually(t, func() bool { _, ok := n.LastKnown(); return ok }, waitForFix, time.Millisecond)
}
