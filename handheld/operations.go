package handheld

import (
	"context"
	"strings"
)

// SetReaderMode selects barcode or RFID operation. The mode is pushed to
// the reader when one is connected and applied on the next connect
// otherwise.
func (s *Service) SetReaderMode(mode ReaderMode) error {
	if _, err := s.active(OpSetMode); err != nil {
		return err
	}
	s.profiles.SetMode(mode)

	s.mu.Lock()
	s.mode = mode
	linked := s.state.Linked()
	s.mu.Unlock()

	if !linked {
		return nil
	}
	return s.submit(OpSetMode, func(ctx context.Context, b ReaderBackend) error {
		return b.SetMode(ctx, mode)
	})
}

// SetReaderPower sets the output power in tenths of a dBm. The value is
// truncated to whole dBm before it reaches the reader.
func (s *Service) SetReaderPower(tenths int) error {
	if _, err := s.active(OpSetPower); err != nil {
		return err
	}
	dBm, err := s.profiles.SetPower(tenths)
	if GetErrorCode(err) == ErrCodeInvalidArgument {
		return err
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not persist power")
	}
	if !s.IsConnected() {
		return nil
	}
	return s.submit(OpSetPower, func(ctx context.Context, b ReaderBackend) error {
		return b.SetPower(ctx, dBm)
	})
}

// SetTagFocus applies the focused preset when enabled and the broad preset
// otherwise.
func (s *Service) SetTagFocus(enabled bool) error {
	if _, err := s.active(OpApplyProfile); err != nil {
		return err
	}
	profile, err := s.profiles.ApplyPreset(enabled)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not persist read profile")
	}
	if !s.IsConnected() {
		return nil
	}
	return s.submit(OpApplyProfile, func(ctx context.Context, b ReaderBackend) error {
		return b.ApplyProfile(ctx, profile)
	})
}

// SetTagPopulation changes the expected tag population of the read profile.
func (s *Service) SetTagPopulation(n int) error {
	if _, err := s.active(OpApplyProfile); err != nil {
		return err
	}
	profile, err := s.profiles.SetTagPopulation(n)
	if GetErrorCode(err) == ErrCodeInvalidArgument {
		return err
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not persist read profile")
	}
	if !s.IsConnected() {
		return nil
	}
	return s.submit(OpApplyProfile, func(ctx context.Context, b ReaderBackend) error {
		return b.ApplyProfile(ctx, profile)
	})
}

// SetPrefixFilter filters inventory reads to EPCs starting with prefix,
// ignoring case. An empty prefix disables the filter. The filter is always
// applied in software and additionally pushed to readers that support a
// hardware prefilter.
func (s *Service) SetPrefixFilter(prefix string) error {
	if _, err := s.active(OpSetPrefilter); err != nil {
		return err
	}
	prefix = strings.TrimSpace(prefix)
	filter, err := s.profiles.SetPrefixFilter(prefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not persist prefix filter")
	}
	s.pipeline.SetPrefix(filter.Prefix())

	if !s.IsConnected() {
		return nil
	}
	if err := s.router.Supports(OpSetPrefilter); err != nil {
		s.log.Info().Str("prefix", prefix).Msg("Prefix filter applied in software only")
		return nil
	}
	return s.submit(OpSetPrefilter, func(ctx context.Context, b ReaderBackend) error {
		return b.SetPrefixFilter(ctx, filter)
	})
}

// SetTriggerEnabled controls whether the hardware trigger starts and stops
// reads.
func (s *Service) SetTriggerEnabled(enabled bool) {
	s.mu.Lock()
	s.triggerEnabled = enabled
	s.mu.Unlock()
}

// StartReading starts inventory or barcode scanning in the current mode.
// It cancels a pending busy-clear from a previous stop.
func (s *Service) StartReading() error {
	if _, err := s.active(OpStartRead); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.state.Linked() {
		s.mu.Unlock()
		return withOp(ErrNotConnected, OpStartRead)
	}
	if s.mode == ModeNone {
		s.mu.Unlock()
		return withOp(ErrModeNotSet, OpStartRead)
	}
	mode := s.mode
	s.cancelBusyClearLocked()
	s.state = StateBusy
	s.busy = true
	s.mu.Unlock()

	return s.submit(OpStartRead, func(ctx context.Context, b ReaderBackend) error {
		err := b.StartRead(ctx, mode)
		if err != nil {
			s.clearBusyNow()
		}
		return err
	})
}

// StopReading stops scanning. The reader stays busy for the stop-read grace
// period while buffered reads drain.
func (s *Service) StopReading() error {
	if _, err := s.active(OpStopRead); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.state.Linked() {
		s.mu.Unlock()
		return withOp(ErrNotConnected, OpStopRead)
	}
	if s.mode == ModeNone {
		s.mu.Unlock()
		return withOp(ErrModeNotSet, OpStopRead)
	}
	mode := s.mode
	s.cancelBusyClearLocked()
	s.state = StateBusy
	s.busy = true
	gen := s.busyGen
	s.busyTimer = s.clock.AfterFunc(s.cfg.StopReadGrace, func() {
		s.clearBusy(gen)
	})
	s.mu.Unlock()

	return s.submit(OpStopRead, func(ctx context.Context, b ReaderBackend) error {
		return b.StopRead(ctx, mode)
	})
}

// StartAccessRead reads the TID of the tag with the given EPC. The result
// arrives as a TagAccess event.
func (s *Service) StartAccessRead(epc string) error {
	if _, err := s.active(OpAccessRead); err != nil {
		return err
	}
	if err := s.router.Supports(OpAccessRead); err != nil {
		return err
	}
	if err := validateEPC(OpAccessRead, epc); err != nil {
		return err
	}
	if !s.IsConnected() {
		return withOp(ErrNotConnected, OpAccessRead)
	}
	epc = strings.ToUpper(epc)
	return s.submit(OpAccessRead, func(ctx context.Context, b ReaderBackend) error {
		return b.AccessRead(ctx, epc)
	})
}

// StartAccessWrite rewrites the EPC of the tag currently reporting epc.
// The result arrives as a TagAccess event.
func (s *Service) StartAccessWrite(epc, newEPC string) error {
	if _, err := s.active(OpAccessWrite); err != nil {
		return err
	}
	if err := s.router.Supports(OpAccessWrite); err != nil {
		return err
	}
	if err := validateEPC(OpAccessWrite, epc); err != nil {
		return err
	}
	if err := validateEPC(OpAccessWrite, newEPC); err != nil {
		return err
	}
	if !s.IsConnected() {
		return withOp(ErrNotConnected, OpAccessWrite)
	}
	epc, newEPC = strings.ToUpper(epc), strings.ToUpper(newEPC)
	return s.submit(OpAccessWrite, func(ctx context.Context, b ReaderBackend) error {
		return b.AccessWrite(ctx, epc, newEPC)
	})
}

// validateEPC accepts hex strings made of whole 16-bit words.
func validateEPC(op Op, epc string) error {
	if epc == "" || len(epc)%4 != 0 {
		return &HandheldError{Code: ErrCodeInvalidArgument, Op: op, Message: "EPC must be a non-empty hex string of whole words"}
	}
	for _, c := range epc {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return &HandheldError{Code: ErrCodeInvalidArgument, Op: op, Message: "EPC must be hexadecimal"}
		}
	}
	return nil
}

func (s *Service) cancelBusyClearLocked() {
	if s.busyTimer != nil {
		s.busyTimer.Stop()
		s.busyTimer = nil
	}
	s.busyGen++
}

// clearBusy runs when the stop-read grace period of generation gen ends.
func (s *Service) clearBusy(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busyGen != gen {
		return
	}
	s.busyTimer = nil
	s.setIdleLocked()
}

func (s *Service) clearBusyNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelBusyClearLocked()
	s.setIdleLocked()
}

func (s *Service) setIdleLocked() {
	s.busy = false
	if s.state == StateBusy {
		s.state = StateConnected
	}
}

func (s *Service) batteryReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && !s.busy
}

func (s *Service) pollBattery() {
	err := s.exec.Submit(string(OpBattery), func(ctx context.Context) {
		if !s.batteryReady() {
			return
		}
		err := s.router.Dispatch(OpBattery, func(b ReaderBackend) error {
			return b.RequestBattery(ctx)
		})
		if err != nil && !IsUnsupported(err) {
			s.emitOperationFailed(OpBattery, err)
		}
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Battery poll not queued")
	}
}

func (s *Service) tagRead(epc string, rssi int) {
	reading, ok := s.pipeline.ProcessTag(epc, rssi)
	if !ok {
		return
	}
	s.emit(Event{Type: EventRFIDRead, RFID: reading})
}

func (s *Service) barcodeRead(raw string) {
	reading, ok := s.pipeline.ProcessBarcode(raw)
	if !ok {
		return
	}
	s.emit(Event{Type: EventBarcodeRead, Barcode: reading})
}

func (s *Service) tagAccess(result AccessResult) {
	s.emit(Event{Type: EventTagAccess, Access: s.pipeline.ProcessAccess(result)})
}

func (s *Service) batteryLevel(percent int) {
	status := BatteryStatus{Percent: percent, SampledAt: s.clock.Now()}

	s.mu.Lock()
	if !s.state.Linked() {
		s.mu.Unlock()
		return
	}
	s.lastBattery = status
	s.hasBattery = true
	s.mu.Unlock()

	s.emit(Event{Type: EventBatteryLevel, Battery: status})
}

// trigger reports the hardware trigger and, unless disabled, starts or
// stops reading.
func (s *Service) trigger(pressed bool) {
	if pressed {
		s.emit(Event{Type: EventTriggerPressed})
	} else {
		s.emit(Event{Type: EventTriggerReleased})
	}

	s.mu.RLock()
	enabled := s.triggerEnabled && s.state.Linked()
	s.mu.RUnlock()
	if !enabled {
		return
	}

	var err error
	if pressed {
		err = s.StartReading()
	} else {
		err = s.StopReading()
	}
	if err != nil {
		s.log.Debug().Err(err).Bool("pressed", pressed).Msg("Trigger ignored")
	}
}
