package handheld

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Default timings.
const (
	DefaultSettleWindow  = 2 * time.Second
	DefaultStopReadGrace = 3 * time.Second
)

// Config tunes the Service. Zero durations and sizes take their defaults.
type Config struct {
	// SettleWindow is how long a connect may take before the link status
	// is checked once and the attempt failed if the link is down.
	SettleWindow time.Duration
	// StopReadGrace is how long the reader stays busy after a stop-read,
	// while buffered tags drain.
	StopReadGrace   time.Duration
	BatteryInterval time.Duration
	QueueSize       int
	MailboxSize     int
	// EventDrivenConnect starts the handshake as soon as the backend reports
	// the link is up instead of waiting for the settle window to elapse.
	EventDrivenConnect bool
	// IgnoreTrigger stops the hardware trigger from starting and stopping
	// reads. Trigger events are still delivered.
	IgnoreTrigger bool
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		SettleWindow:       DefaultSettleWindow,
		StopReadGrace:      DefaultStopReadGrace,
		BatteryInterval:    DefaultBatteryInterval,
		QueueSize:          DefaultQueueSize,
		MailboxSize:        DefaultMailboxSize,
		EventDrivenConnect: true,
	}
}

func (c Config) withDefaults() Config {
	if c.SettleWindow <= 0 {
		c.SettleWindow = DefaultSettleWindow
	}
	if c.StopReadGrace <= 0 {
		c.StopReadGrace = DefaultStopReadGrace
	}
	if c.BatteryInterval <= 0 {
		c.BatteryInterval = DefaultBatteryInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	return c
}

// Options are the collaborators injected into a Service.
type Options struct {
	Backends   []ReaderBackend
	Store      KeyValueStore    // nil keeps settings in memory
	Location   LocationProvider // nil disables geotagging
	Clock      clockwork.Clock  // nil uses the real clock
	Logger     zerolog.Logger
	Config     Config
	AppVersion string
}

// Service is the facade applications use to drive a handheld reader
// without knowing which vendor backend is attached.
//
// Mutating operations validate their preconditions synchronously, hand the
// hardware call to a background executor and return. Outcomes arrive later
// as events on the registered subscribers.
type Service struct {
	router     *Router
	dispatcher *Dispatcher
	profiles   *ProfileManager
	sessions   *SessionStore
	pipeline   *Pipeline
	battery    *BatteryPoller
	exec       *Executor
	location   LocationProvider
	clock      clockwork.Clock
	cfg        Config
	appVersion string
	log        zerolog.Logger

	// mu guards everything below.
	mu             sync.RWMutex
	state          ConnectionState
	devices        []Device
	pending        Device       // device of the connect attempt in flight
	pendingBackend ReaderBackend // backend the attempt was started on
	handshaking    bool
	connected      *Device
	info           DeviceInfo
	mode           ReaderMode
	busy           bool
	attempt        uint64
	settleTimer    clockwork.Timer
	busyGen        uint64
	busyTimer      clockwork.Timer
	lastBattery    BatteryStatus
	hasBattery     bool
	triggerEnabled bool
	stopped        bool
}

// New creates a Service and wires an event sink into every backend.
func New(opts Options) *Service {
	cfg := opts.Config.withDefaults()
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger

	s := &Service{
		router:         NewRouter(logger),
		dispatcher:     NewDispatcher(logger, cfg.MailboxSize),
		profiles:       NewProfileManager(opts.Store, logger),
		sessions:       NewSessionStore(opts.Store),
		pipeline:       NewPipeline(clock, opts.Location),
		exec:           NewExecutor(cfg.QueueSize, logger),
		location:       opts.Location,
		clock:          clock,
		cfg:            cfg,
		appVersion:     opts.AppVersion,
		log:            logger.With().Str("component", "service").Logger(),
		state:          StateIdle,
		info:           NewDeviceInfo(),
		triggerEnabled: !cfg.IgnoreTrigger,
	}
	s.battery = NewBatteryPoller(clock, cfg.BatteryInterval, s.batteryReady, s.pollBattery, logger)

	for _, b := range opts.Backends {
		if err := s.router.Register(b); err != nil {
			s.log.Warn().Err(err).Msg("Skipping backend")
			continue
		}
		b.SetEventSink(&backendSink{s: s, kind: b.Kind()})
	}

	settings := s.profiles.Settings()
	s.pipeline.SetPrefix(settings.Filter.Prefix())
	s.mode = settings.Mode
	return s
}

// Start restores the persisted backend selection.
func (s *Service) Start() error {
	kind, device, err := s.sessions.Last()
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not read persisted session")
		return nil
	}
	if kind == BackendNone {
		return nil
	}
	if err := s.router.Select(kind); err != nil {
		s.log.Warn().Err(err).Stringer("backend", kind).Msg("Persisted backend unavailable")
		return nil
	}
	s.log.Info().Stringer("backend", kind).Str("last_device", device).Msg("Restored session")
	return nil
}

// Stop tears down timers, disconnects the active reader and stops event
// delivery. The Service cannot be restarted.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.attempt++
	s.stopTimersLocked()
	linked := s.state.Linked() || s.state == StateConnecting
	s.mu.Unlock()

	s.battery.Stop()
	s.exec.Stop()

	if linked {
		if b, err := s.router.Active(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.Disconnect(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Disconnect on stop failed")
			}
			cancel()
		}
	}
	if s.location != nil {
		s.location.StopUpdates()
	}
	s.dispatcher.Close()
	s.log.Info().Msg("Service stopped")
}

// AddSubscriber registers sub for domain events. Subscribers are compared by
// identity; adding one twice has no effect.
func (s *Service) AddSubscriber(sub Subscriber) error {
	return s.dispatcher.Add(sub)
}

// RemoveSubscriber unregisters sub.
func (s *Service) RemoveSubscriber(sub Subscriber) {
	s.dispatcher.Remove(sub)
}

// Router exposes the backend router.
func (s *Service) Router() *Router {
	return s.router
}

// SelectedBackend returns the selected backend kind.
func (s *Service) SelectedBackend() BackendKind {
	return s.router.Selected()
}

// State returns the connection state.
func (s *Service) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether a handheld is Connected or Busy.
func (s *Service) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected != nil && s.state.Linked()
}

// ConnectedDevice returns the connected handheld.
func (s *Service) ConnectedDevice() (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connected == nil {
		return Device{}, false
	}
	return *s.connected, true
}

// Devices returns a copy of the discovered device list.
func (s *Service) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDevices(s.devices)
}

// DeviceInfo returns what the last handshake reported. ok is false when no
// handheld is connected.
func (s *Service) DeviceInfo() (DeviceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, s.connected != nil
}

// Mode returns the reader mode.
func (s *Service) Mode() ReaderMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Busy reports whether a read is in flight or draining.
func (s *Service) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// Battery returns the last sampled battery level.
func (s *Service) Battery() (BatteryStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBattery, s.hasBattery
}

// TriggerEnabled reports whether the hardware trigger drives reads.
func (s *Service) TriggerEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.triggerEnabled
}

// Settings returns the persisted reader settings.
func (s *Service) Settings() Settings {
	return s.profiles.Settings()
}

// Status is a point-in-time view of the facade.
type Status struct {
	Backend        BackendKind
	State          ConnectionState
	Device         *Device
	Devices        []Device
	Info           *DeviceInfo
	Mode           ReaderMode
	Busy           bool
	Battery        *BatteryStatus
	TriggerEnabled bool
	Settings       Settings
}

// Status returns a consistent snapshot of the facade state.
func (s *Service) Status() Status {
	s.mu.RLock()
	st := Status{
		Backend:        s.router.Selected(),
		State:          s.state,
		Devices:        copyDevices(s.devices),
		Mode:           s.mode,
		Busy:           s.busy,
		TriggerEnabled: s.triggerEnabled,
	}
	if s.connected != nil {
		dev := *s.connected
		info := s.info
		st.Device = &dev
		st.Info = &info
	}
	if s.hasBattery {
		b := s.lastBattery
		st.Battery = &b
	}
	s.mu.RUnlock()

	st.Settings = s.profiles.Settings()
	return st
}

// emit stamps and publishes an event. Publishing never blocks, so it is
// safe to call with s.mu held.
func (s *Service) emit(ev Event) {
	ev.At = s.clock.Now()
	ev.Backend = s.router.Selected()
	s.dispatcher.Publish(ev)
}

func (s *Service) emitOperationFailed(op Op, err error) {
	s.emit(Event{Type: EventOperationFailed, Op: op, Err: err})
}

// submit queues a hardware call for the active backend. Errors from the
// backend, including unsupported operations, surface as OperationFailed
// events.
func (s *Service) submit(op Op, fn func(ctx context.Context, b ReaderBackend) error) error {
	return s.exec.Submit(string(op), func(ctx context.Context) {
		err := s.router.Dispatch(op, func(b ReaderBackend) error {
			return fn(ctx, b)
		})
		if err != nil {
			s.emitOperationFailed(op, err)
		}
	})
}

func copyDevices(in []Device) []Device {
	out := make([]Device, len(in))
	copy(out, in)
	return out
}
