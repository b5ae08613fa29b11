package handheld

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies a domain event.
type EventType int

const (
	EventDeviceListUpdated EventType = iota
	EventConnected
	EventDisconnected
	EventFailed
	EventBatteryLevel
	EventRFIDRead
	EventBarcodeRead
	EventTagAccess
	EventTriggerPressed
	EventTriggerReleased
	EventOperationFailed
)

func (t EventType) String() string {
	switch t {
	case EventDeviceListUpdated:
		return "deviceListUpdated"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	case EventBatteryLevel:
		return "batteryLevel"
	case EventRFIDRead:
		return "rfidRead"
	case EventBarcodeRead:
		return "barcodeRead"
	case EventTagAccess:
		return "tagAccess"
	case EventTriggerPressed:
		return "triggerPressed"
	case EventTriggerReleased:
		return "triggerReleased"
	case EventOperationFailed:
		return "operationFailed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single domain notification. Only the fields relevant to Type
// are set.
type Event struct {
	ID      string
	Type    EventType
	At      time.Time
	Backend BackendKind

	Devices []Device      // EventDeviceListUpdated
	Device  Device        // EventConnected, EventDisconnected, EventFailed
	Info    DeviceInfo    // EventConnected
	Battery BatteryStatus // EventBatteryLevel
	RFID    RFIDReading   // EventRFIDRead
	Barcode BarcodeReading
	Access  AccessResult // EventTagAccess
	Op      Op           // EventOperationFailed
	Err     error        // EventFailed, EventOperationFailed
}

// Subscriber receives domain events. Embed NopSubscriber to implement only
// the handlers you need.
type Subscriber interface {
	DeviceListUpdated(devices []Device)
	Connected(dev Device, info DeviceInfo)
	Disconnected(dev Device)
	Failed(dev Device, err error)
	BatteryLevel(status BatteryStatus)
	RFIDRead(reading RFIDReading)
	BarcodeRead(reading BarcodeReading)
	TagAccess(result AccessResult)
	TriggerPressed()
	TriggerReleased()
	OperationFailed(op Op, err error)
}

// NopSubscriber implements every Subscriber method as a no-op.
type NopSubscriber struct{}

func (NopSubscriber) DeviceListUpdated([]Device)   {}
func (NopSubscriber) Connected(Device, DeviceInfo) {}
func (NopSubscriber) Disconnected(Device)          {}
func (NopSubscriber) Failed(Device, error)         {}
func (NopSubscriber) BatteryLevel(BatteryStatus)   {}
func (NopSubscriber) RFIDRead(RFIDReading)         {}
func (NopSubscriber) BarcodeRead(BarcodeReading)   {}
func (NopSubscriber) TagAccess(AccessResult)       {}
func (NopSubscriber) TriggerPressed()              {}
func (NopSubscriber) TriggerReleased()             {}
func (NopSubscriber) OperationFailed(Op, error)    {}

// EventReceiver is optionally implemented by subscribers that want the whole
// Event (ID, timestamp, backend) instead of the typed handlers.
type EventReceiver interface {
	ReceiveEvent(ev Event)
}

// EventHandler adapts a plain function into a Subscriber.
type EventHandler struct {
	NopSubscriber
	fn func(Event)
}

// NewEventHandler returns a Subscriber that calls fn for every event.
func NewEventHandler(fn func(Event)) *EventHandler {
	return &EventHandler{fn: fn}
}

// ReceiveEvent implements EventReceiver.
func (h *EventHandler) ReceiveEvent(ev Event) {
	h.fn(ev)
}

// Deliver invokes the handler of sub that matches ev.Type.
func Deliver(sub Subscriber, ev Event) {
	if r, ok := sub.(EventReceiver); ok {
		r.ReceiveEvent(ev)
		return
	}
	switch ev.Type {
	case EventDeviceListUpdated:
		sub.DeviceListUpdated(ev.Devices)
	case EventConnected:
		sub.Connected(ev.Device, ev.Info)
	case EventDisconnected:
		sub.Disconnected(ev.Device)
	case EventFailed:
		sub.Failed(ev.Device, ev.Err)
	case EventBatteryLevel:
		sub.BatteryLevel(ev.Battery)
	case EventRFIDRead:
		sub.RFIDRead(ev.RFID)
	case EventBarcodeRead:
		sub.BarcodeRead(ev.Barcode)
	case EventTagAccess:
		sub.TagAccess(ev.Access)
	case EventTriggerPressed:
		sub.TriggerPressed()
	case EventTriggerReleased:
		sub.TriggerReleased()
	case EventOperationFailed:
		sub.OperationFailed(ev.Op, ev.Err)
	}
}

// DefaultMailboxSize is the per-subscriber queue length.
const DefaultMailboxSize = 256

// mailbox delivers events to one subscriber on its own goroutine.
type mailbox struct {
	sub    Subscriber
	events chan Event
	stop   chan struct{}
	done   chan struct{}
}

func (m *mailbox) run(log zerolog.Logger) {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.events:
			m.deliver(ev, log)
		}
	}
}

func (m *mailbox) deliver(ev Event, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stringer("event", ev.Type).Msg("Subscriber panicked")
		}
	}()
	Deliver(m.sub, ev)
}

// Dispatcher multicasts events to registered subscribers. Publishing never
// blocks: each subscriber has a bounded mailbox and events that do not fit
// are dropped.
type Dispatcher struct {
	mu          sync.RWMutex
	mailboxes   []*mailbox
	mailboxSize int
	closed      bool
	log         zerolog.Logger
}

// NewDispatcher creates a Dispatcher. A mailboxSize <= 0 uses DefaultMailboxSize.
func NewDispatcher(logger zerolog.Logger, mailboxSize int) *Dispatcher {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Dispatcher{
		mailboxSize: mailboxSize,
		log:         logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Add registers sub. Subscribers are compared by identity, so they must be
// of a comparable type (typically a pointer). Adding the same subscriber
// twice is a no-op.
func (d *Dispatcher) Add(sub Subscriber) error {
	if sub == nil {
		return fmt.Errorf("subscriber cannot be nil")
	}
	if !reflect.TypeOf(sub).Comparable() {
		return fmt.Errorf("subscriber of type %T is not comparable", sub)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrServiceStopped
	}
	for _, m := range d.mailboxes {
		if m.sub == sub {
			return nil
		}
	}
	m := &mailbox{
		sub:    sub,
		events: make(chan Event, d.mailboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.mailboxes = append(d.mailboxes, m)
	go m.run(d.log)
	d.log.Debug().Str("subscriber", fmt.Sprintf("%T", sub)).Msg("Subscriber added")
	return nil
}

// Remove unregisters sub. Events queued but not yet delivered are discarded.
func (d *Dispatcher) Remove(sub Subscriber) {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return
	}

	d.mu.Lock()
	var removed *mailbox
	for i, m := range d.mailboxes {
		if m.sub == sub {
			removed = m
			d.mailboxes = append(d.mailboxes[:i], d.mailboxes[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	if removed != nil {
		close(removed.stop)
		d.log.Debug().Str("subscriber", fmt.Sprintf("%T", sub)).Msg("Subscriber removed")
	}
}

// Count returns the number of registered subscribers.
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.mailboxes)
}

// Publish queues ev for every registered subscriber. An ID is assigned when
// the event has none.
func (d *Dispatcher) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, m := range d.mailboxes {
		select {
		case m.events <- ev:
		default:
			d.log.Warn().Stringer("event", ev.Type).Str("subscriber", fmt.Sprintf("%T", m.sub)).Msg("Subscriber mailbox full, event dropped")
		}
	}
}

// Close stops every mailbox goroutine and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	boxes := d.mailboxes
	d.mailboxes = nil
	d.mu.Unlock()

	for _, m := range boxes {
		close(m.stop)
		<-m.done
	}
}
