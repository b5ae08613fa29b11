package handheld

import (
	"context"
)

// active returns the selected backend, failing with ErrNoBackendSelected
// for op before anything touches hardware.
func (s *Service) active(op Op) (ReaderBackend, error) {
	b, err := s.router.Active()
	if err != nil {
		return nil, withOp(ErrNoBackendSelected, op)
	}
	return b, nil
}

// CheckBackendSelected returns ErrNoBackendSelected when no backend is
// selected. It never touches hardware.
func (s *Service) CheckBackendSelected() error {
	_, err := s.active(OpSelectBackend)
	return err
}

// SelectBackend switches the active backend. A connected or connecting
// handheld on the previous backend is disconnected and the device list is
// cleared, since device handles belong to the backend that produced them.
func (s *Service) SelectBackend(kind BackendKind) error {
	prev, _ := s.router.Active()
	if prev != nil && prev.Kind() == kind {
		return nil
	}
	if err := s.router.Select(kind); err != nil {
		return err
	}
	if err := s.sessions.SaveBackend(kind); err != nil {
		s.log.Warn().Err(err).Msg("Could not persist backend selection")
	}

	s.mu.Lock()
	wasLinked := s.state.Linked() || s.state == StateConnecting
	dev := s.currentDeviceLocked()
	hadDevices := len(s.devices) > 0
	s.attempt++
	s.clearConnectionLocked(StateIdle)
	s.devices = nil
	if wasLinked {
		s.emit(Event{Type: EventDisconnected, Device: dev})
	}
	if hadDevices {
		s.emit(Event{Type: EventDeviceListUpdated, Devices: []Device{}})
	}
	s.mu.Unlock()

	if wasLinked && prev != nil {
		s.stopTracking()
		if err := s.exec.Submit(string(OpDisconnect), func(ctx context.Context) {
			if err := prev.Disconnect(ctx); err != nil {
				s.log.Warn().Err(err).Stringer("backend", prev.Kind()).Msg("Disconnect of previous backend failed")
			}
		}); err != nil {
			s.log.Warn().Err(err).Msg("Could not queue disconnect of previous backend")
		}
	}
	return nil
}

// FindDevices clears the device list and starts discovery. Discovered
// devices arrive as DeviceListUpdated events.
func (s *Service) FindDevices() error {
	if _, err := s.active(OpScan); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Linked() || s.state == StateConnecting {
		s.mu.Unlock()
		return withOp(ErrInvalidState, OpScan)
	}
	s.state = StateScanning
	s.devices = nil
	s.emit(Event{Type: EventDeviceListUpdated, Devices: []Device{}})
	s.mu.Unlock()

	return s.submit(OpScan, func(ctx context.Context, b ReaderBackend) error {
		err := b.StartScan(ctx)
		if err != nil {
			s.mu.Lock()
			if s.state == StateScanning {
				s.state = StateIdle
			}
			s.mu.Unlock()
		}
		return err
	})
}

// StopFindingDevices cancels discovery. The device list is kept.
func (s *Service) StopFindingDevices() error {
	if _, err := s.active(OpStopScan); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateScanning {
		s.state = StateIdle
	}
	s.mu.Unlock()

	return s.submit(OpStopScan, func(ctx context.Context, b ReaderBackend) error {
		return b.StopScan(ctx)
	})
}

// ConnectToHandheld connects to a discovered device by name. Scanning is
// cancelled first and any previously connected handheld is disconnected.
// The outcome arrives as a Connected or Failed event.
func (s *Service) ConnectToHandheld(name string) error {
	b, err := s.active(OpConnect)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateConnecting {
		s.mu.Unlock()
		return withOp(ErrConnectInProgress, OpConnect)
	}
	dev, ok := s.findDeviceLocked(name)
	if !ok {
		s.mu.Unlock()
		return &HandheldError{Code: ErrCodeDeviceNotFound, Op: OpConnect, Device: name, Message: "device not in discovered list"}
	}

	var prev *Device
	if s.state.Linked() && s.connected != nil {
		d := *s.connected
		prev = &d
		s.clearConnectionLocked(StateDisconnected)
		s.emit(Event{Type: EventDisconnected, Device: d})
	}

	s.attempt++
	attempt := s.attempt
	s.state = StateConnecting
	s.pending = dev
	s.pendingBackend = b
	s.handshaking = false
	s.settleTimer = s.clock.AfterFunc(s.cfg.SettleWindow, func() {
		s.settleExpired(attempt, b)
	})
	s.mu.Unlock()

	s.log.Info().Str("device", name).Msg("Connecting")

	if prev != nil {
		s.stopTracking()
		if err := s.exec.Submit(string(OpDisconnect), func(ctx context.Context) {
			if err := s.router.DispatchTo(b, OpDisconnect, func(b ReaderBackend) error { return b.Disconnect(ctx) }); err != nil {
				s.emitOperationFailed(OpDisconnect, err)
			}
		}); err != nil {
			s.fail(attempt, NewConnectError(ErrCodeConnectFailed, name, err))
			return err
		}
	}

	err = s.exec.Submit(string(OpConnect), func(ctx context.Context) {
		if !s.currentAttempt(attempt) {
			s.log.Debug().Str("device", name).Msg("Skipping connect of an abandoned attempt")
			return
		}
		if err := s.router.DispatchTo(b, OpStopScan, func(b ReaderBackend) error { return b.StopScan(ctx) }); err != nil && !IsUnsupported(err) {
			s.log.Warn().Err(err).Msg("Stop scan before connect failed")
		}
		err := s.router.DispatchTo(b, OpConnect, func(b ReaderBackend) error { return b.Connect(ctx, dev) })
		if err != nil {
			s.fail(attempt, NewConnectError(ErrCodeConnectFailed, name, err))
		}
	})
	if err != nil {
		s.fail(attempt, NewConnectError(ErrCodeConnectFailed, name, err))
		return err
	}
	return nil
}

// DisconnectReader disconnects the connected handheld, or abandons a
// connect attempt in progress.
func (s *Service) DisconnectReader() error {
	if _, err := s.active(OpDisconnect); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.state.Linked() && s.state != StateConnecting {
		s.mu.Unlock()
		return withOp(ErrNotConnected, OpDisconnect)
	}
	dev := s.currentDeviceLocked()
	s.attempt++
	s.clearConnectionLocked(StateDisconnected)
	s.emit(Event{Type: EventDisconnected, Device: dev})
	s.mu.Unlock()

	s.stopTracking()
	s.log.Info().Str("device", dev.Name).Msg("Disconnecting")
	return s.submit(OpDisconnect, func(ctx context.Context, b ReaderBackend) error {
		return b.Disconnect(ctx)
	})
}

// settleExpired runs when the settle window of attempt elapses. If the
// handshake has not started, the link status of b is checked exactly once.
func (s *Service) settleExpired(attempt uint64, b ReaderBackend) {
	s.mu.Lock()
	if s.attempt != attempt || s.state != StateConnecting || s.handshaking {
		s.mu.Unlock()
		return
	}
	s.handshaking = true
	name := s.pending.Name
	s.mu.Unlock()

	err := s.exec.Submit(string(OpHandshake), func(ctx context.Context) {
		if !s.currentAttempt(attempt) {
			return
		}
		if !b.Linked() {
			s.log.Warn().Str("device", name).Dur("settle_window", s.cfg.SettleWindow).Msg("Link not up after settle window")
			// The SDK may still complete the link later.
			s.abort(ctx, attempt, b, NewConnectError(ErrCodeConnectTimeout, name, nil))
			return
		}
		s.handshake(ctx, attempt, b)
	})
	if err != nil {
		s.fail(attempt, NewConnectError(ErrCodeConnectFailed, name, err))
	}
}

// linkUp starts the handshake early when connects are event driven. A link
// that comes up with no attempt waiting for it is torn down.
func (s *Service) linkUp(kind BackendKind, name string) {
	s.mu.Lock()
	if s.state != StateConnecting || s.handshaking || !s.matchesPending(name) {
		stray := s.state != StateConnecting && !s.state.Linked()
		s.mu.Unlock()
		if stray {
			s.dropStrayLink(kind, name)
			return
		}
		s.log.Debug().Str("device", name).Msg("Ignoring link up outside a connect attempt")
		return
	}
	if !s.cfg.EventDrivenConnect {
		s.mu.Unlock()
		s.log.Debug().Str("device", name).Msg("Link up, waiting for settle window")
		return
	}
	s.handshaking = true
	attempt := s.attempt
	b := s.pendingBackend
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.mu.Unlock()

	if err := s.exec.Submit(string(OpHandshake), func(ctx context.Context) {
		if !s.currentAttempt(attempt) {
			return
		}
		s.handshake(ctx, attempt, b)
	}); err != nil {
		s.fail(attempt, NewConnectError(ErrCodeConnectFailed, name, err))
	}
}

// dropStrayLink disconnects a backend whose link came up after its attempt
// failed or was abandoned.
func (s *Service) dropStrayLink(kind BackendKind, name string) {
	b, ok := s.router.Backend(kind)
	if !ok {
		return
	}
	s.log.Warn().Str("device", name).Stringer("backend", kind).Msg("Dropping link with no connect attempt")
	if err := s.exec.Submit(string(OpDisconnect), func(ctx context.Context) {
		s.mu.RLock()
		linked := s.state.Linked() || s.state == StateConnecting
		s.mu.RUnlock()
		if linked {
			return
		}
		if err := b.Disconnect(ctx); err != nil {
			s.log.Debug().Err(err).Msg("Disconnect of stray link failed")
		}
	}); err != nil {
		s.log.Warn().Err(err).Msg("Could not queue disconnect of stray link")
	}
}

// handshake interrogates the reader, validates the stored region against
// its frequency table and pushes the stored configuration. It runs on the
// executor.
func (s *Service) handshake(ctx context.Context, attempt uint64, b ReaderBackend) {
	s.mu.RLock()
	dev := s.pending
	s.mu.RUnlock()

	var hs Handshake
	err := s.router.DispatchTo(b, OpHandshake, func(b ReaderBackend) error {
		var err error
		hs, err = b.Handshake(ctx)
		return err
	})
	if err != nil {
		s.abort(ctx, attempt, b, NewConnectError(ErrCodeConnectFailed, dev.Name, err))
		return
	}

	region, channel, err := s.profiles.ValidateRegion(hs.Frequencies)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not persist region reset")
	}

	settings := s.profiles.Settings()
	s.mu.RLock()
	mode := s.mode
	s.mu.RUnlock()
	cfg := settings.ReaderConfig()
	cfg.Region, cfg.Channel, cfg.Mode = region, channel, mode

	err = s.router.DispatchTo(b, OpConfigure, func(b ReaderBackend) error { return b.Configure(ctx, cfg) })
	if err != nil && !IsUnsupported(err) {
		s.abort(ctx, attempt, b, NewConnectError(ErrCodeConnectFailed, dev.Name, err))
		return
	}

	info := hs.Info
	info.Region = region
	info.Channel = channel
	if s.appVersion != "" {
		info.AppVersion = s.appVersion
	}

	s.pipeline.SetPrefix(settings.Filter.Prefix())
	if s.location != nil {
		if err := s.location.StartUpdates(); err != nil {
			s.log.Warn().Err(err).Msg("Location updates unavailable")
		}
	}

	s.mu.Lock()
	if s.attempt != attempt || s.state != StateConnecting {
		s.mu.Unlock()
		if s.location != nil {
			s.location.StopUpdates()
		}
		s.log.Debug().Str("device", dev.Name).Msg("Handshake finished for an abandoned attempt")
		return
	}
	connected := dev
	s.state = StateConnected
	s.connected = &connected
	s.info = info
	s.pending = Device{}
	s.pendingBackend = nil
	s.handshaking = false
	s.busy = false
	if err := s.sessions.Save(b.Kind(), connected.Name); err != nil {
		s.log.Warn().Err(err).Msg("Could not persist session")
	}
	s.battery.Start()
	s.emit(Event{Type: EventConnected, Device: connected, Info: info})
	s.mu.Unlock()

	s.log.Info().Str("device", connected.Name).Str("model", info.ReaderModel).Str("region", region).Msg("Handheld connected")
}

// fail ends connect attempt with err. Calls for a superseded attempt are
// ignored.
func (s *Service) fail(attempt uint64, err error) {
	s.mu.Lock()
	if s.attempt != attempt || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	dev := s.pending
	s.clearConnectionLocked(StateFailed)
	s.emit(Event{Type: EventFailed, Device: dev, Err: err})
	s.mu.Unlock()

	s.stopTracking()
	s.log.Error().Err(err).Str("device", dev.Name).Msg("Connect failed")
}

// currentAttempt reports whether attempt is still the connect in flight.
func (s *Service) currentAttempt(attempt uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempt == attempt && s.state == StateConnecting
}

// abort fails attempt and drops the half-open link on b, the backend the
// attempt was started on. It runs on the executor.
func (s *Service) abort(ctx context.Context, attempt uint64, b ReaderBackend, err error) {
	if !s.currentAttempt(attempt) {
		return
	}
	s.fail(attempt, err)
	if derr := b.Disconnect(ctx); derr != nil {
		s.log.Debug().Err(derr).Msg("Disconnect after failed connect")
	}
}

// linkDown handles a backend-reported link loss.
func (s *Service) linkDown(name string, cause error) {
	s.mu.Lock()
	switch {
	case s.state == StateConnecting && s.matchesPending(name):
		attempt := s.attempt
		s.mu.Unlock()
		s.fail(attempt, NewConnectError(ErrCodeConnectFailed, name, cause))
		return
	case s.state.Linked() && s.connected != nil && (name == "" || s.connected.Name == name):
		dev := *s.connected
		s.attempt++
		s.clearConnectionLocked(StateDisconnected)
		s.emit(Event{Type: EventDisconnected, Device: dev})
		s.mu.Unlock()

		s.stopTracking()
		if cause != nil {
			s.log.Warn().Err(cause).Str("device", dev.Name).Msg("Link lost")
		} else {
			s.log.Info().Str("device", dev.Name).Msg("Link lost")
		}
	default:
		s.mu.Unlock()
		s.log.Debug().Str("device", name).Msg("Ignoring link down for unknown device")
	}
}

func (s *Service) deviceDiscovered(dev Device) {
	if dev.Name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.devices {
		if d.Equal(dev) {
			// Same handheld seen again. Keep the newest handle.
			s.devices[i].Handle = dev.Handle
			if dev.MACAddress != "" {
				s.devices[i].MACAddress = dev.MACAddress
			}
			return
		}
	}
	s.devices = append(s.devices, dev)
	s.emit(Event{Type: EventDeviceListUpdated, Devices: copyDevices(s.devices)})
}

func (s *Service) matchesPending(name string) bool {
	return name == "" || s.pending.Name == name
}

func (s *Service) findDeviceLocked(name string) (Device, bool) {
	for _, d := range s.devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

func (s *Service) currentDeviceLocked() Device {
	if s.connected != nil {
		return *s.connected
	}
	return s.pending
}

// clearConnectionLocked drops the connected device and everything tied to
// it, leaving the service in next.
func (s *Service) clearConnectionLocked(next ConnectionState) {
	s.stopTimersLocked()
	s.state = next
	s.connected = nil
	s.pending = Device{}
	s.pendingBackend = nil
	s.handshaking = false
	s.info = NewDeviceInfo()
	s.busy = false
	s.hasBattery = false
	s.lastBattery = BatteryStatus{}
}

func (s *Service) stopTimersLocked() {
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if s.busyTimer != nil {
		s.busyTimer.Stop()
		s.busyTimer = nil
	}
	s.busyGen++
}

// stopTracking stops the battery poller and location updates. It must be
// called without s.mu held.
func (s *Service) stopTracking() {
	s.battery.Stop()
	if s.location != nil {
		s.location.StopUpdates()
	}
}

// backendSink routes raw callbacks of one backend into the service. Events
// from a backend that is not selected are dropped.
type backendSink struct {
	s    *Service
	kind BackendKind
}

func (k *backendSink) accept(what string) bool {
	if k.s.router.Selected() != k.kind {
		k.s.log.Debug().Stringer("backend", k.kind).Str("callback", what).Msg("Dropping callback from inactive backend")
		return false
	}
	return true
}

func (k *backendSink) DeviceDiscovered(dev Device) {
	if k.accept("deviceDiscovered") {
		k.s.deviceDiscovered(dev)
	}
}

func (k *backendSink) LinkUp(name string) {
	if k.accept("linkUp") {
		k.s.linkUp(k.kind, name)
	}
}

func (k *backendSink) LinkDown(name string) {
	if k.accept("linkDown") {
		k.s.linkDown(name, nil)
	}
}

func (k *backendSink) LinkFailed(name string, err error) {
	if k.accept("linkFailed") {
		k.s.linkDown(name, err)
	}
}

func (k *backendSink) TagRead(epc string, rssi int) {
	if k.accept("tagRead") {
		k.s.tagRead(epc, rssi)
	}
}

func (k *backendSink) BarcodeRead(raw string) {
	if k.accept("barcodeRead") {
		k.s.barcodeRead(raw)
	}
}

func (k *backendSink) TagAccess(result AccessResult) {
	if k.accept("tagAccess") {
		k.s.tagAccess(result)
	}
}

func (k *backendSink) BatteryLevel(percent int) {
	if k.accept("batteryLevel") {
		k.s.batteryLevel(percent)
	}
}

func (k *backendSink) Trigger(pressed bool) {
	if k.accept("trigger") {
		k.s.trigger(pressed)
	}
}
