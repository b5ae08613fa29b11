package server

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SessionManager decides who may connect and which client controls the
// reader. Any number of clients may watch events, but only the lease holder
// may issue commands. The lease is released when the holder disconnects or
// stays silent for the timeout.
type SessionManager struct {
	apiSecret string
	timeout   time.Duration
	clock     clockwork.Clock
	log       zerolog.Logger

	mu     sync.Mutex
	holder string
	gen    uint64
	timer  clockwork.Timer
}

// NewSessionManager creates a new session manager. A nil clock uses the
// real clock.
func NewSessionManager(apiSecret string, timeout time.Duration, clock clockwork.Clock, logger zerolog.Logger) *SessionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultControlTimeout
	}
	return &SessionManager{
		apiSecret: apiSecret,
		timeout:   timeout,
		clock:     clock,
		log:       logger,
	}
}

// Authorize checks the API secret presented on connect. Without a
// configured secret every client is allowed.
func (m *SessionManager) Authorize(secret string) bool {
	if m.apiSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(m.apiSecret)) == 1
}

// Acquire grants the control lease to clientID if it is free or already
// held by clientID, and restarts the idle timeout.
func (m *SessionManager) Acquire(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != "" && m.holder != clientID {
		return false
	}
	if m.holder == "" {
		m.log.Info().Str("client", clientID).Msg("Control session acquired")
	}
	m.holder = clientID
	m.gen++
	gen := m.gen

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.clock.AfterFunc(m.timeout, func() {
		m.expire(clientID, gen)
	})
	return true
}

// Release gives up the lease if clientID holds it.
func (m *SessionManager) Release(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == "" || m.holder != clientID {
		return
	}
	m.releaseLocked()
	m.log.Info().Str("client", clientID).Msg("Control session released")
}

// Holder returns the ID of the client holding the lease, or "".
func (m *SessionManager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

func (m *SessionManager) expire(clientID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != clientID || m.gen != gen {
		return
	}
	m.releaseLocked()
	m.log.Info().Str("client", clientID).Msg("Control session timed out")
}

func (m *SessionManager) releaseLocked() {
	m.holder = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
